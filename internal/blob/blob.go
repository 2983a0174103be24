// Package blob stores attachment content and hands back the tuple the board
// keeps: name, size, MIME type and a content URL that can later be revoked.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnknownURL is returned by Revoke for URLs the store did not issue.
var ErrUnknownURL = errors.New("content url not issued by this store")

type Object struct {
	Name       string
	Size       int64
	MimeType   string
	ContentURL string
}

// Store persists attachment bytes under a key.
type Store interface {
	Put(ctx context.Context, key, name, mimeType string, r io.Reader) (Object, error)
	Revoke(ctx context.Context, contentURL string) error
}

// DetectMIME returns declared when set, otherwise sniffs data.
func DetectMIME(declared string, data []byte) string {
	if d := strings.TrimSpace(declared); d != "" {
		return d
	}
	return mimetype.Detect(data).String()
}

// Key builds the object key for an attachment of a deal.
func Key(dealID, attachmentID, name string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if clean == "" {
		clean = "file"
	}
	return dealID + "/" + attachmentID + "-" + clean
}
