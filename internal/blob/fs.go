package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/spf13/afero"
)

const fsScheme = "file://"

// FSStore keeps attachments on an afero filesystem rooted at Root.
type FSStore struct {
	Fs   afero.Fs
	Root string
}

// NewFSStore returns a store on the OS filesystem.
func NewFSStore(root string) FSStore {
	return FSStore{Fs: afero.NewOsFs(), Root: root}
}

func (s FSStore) Put(ctx context.Context, key, name, mimeType string, r io.Reader) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	full := path.Join(s.Root, key)
	if err := s.Fs.MkdirAll(path.Dir(full), 0o755); err != nil {
		return Object{}, fmt.Errorf("create attachment dir: %w", err)
	}
	if err := afero.WriteReader(s.Fs, full, r); err != nil {
		return Object{}, fmt.Errorf("write attachment: %w", err)
	}
	info, err := s.Fs.Stat(full)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Name:       name,
		Size:       info.Size(),
		MimeType:   mimeType,
		ContentURL: fsScheme + full,
	}, nil
}

func (s FSStore) Revoke(ctx context.Context, contentURL string) error {
	full, ok := strings.CutPrefix(contentURL, fsScheme)
	if !ok || !strings.HasPrefix(full, path.Clean(s.Root)+"/") {
		return ErrUnknownURL
	}
	if err := s.Fs.Remove(full); err != nil && !isNotExist(s.Fs, full) {
		return err
	}
	return nil
}

func isNotExist(fs afero.Fs, name string) bool {
	ok, err := afero.Exists(fs, name)
	return err == nil && !ok
}
