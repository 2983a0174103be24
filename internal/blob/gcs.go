package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsPublicBase = "https://storage.googleapis.com/"

// GCSStore keeps attachments in a Google Cloud Storage bucket.
type GCSStore struct {
	Client *storage.Client
	Bucket string
}

// NewGCSStore opens a client with application default credentials, or with
// credentialsJSON when it is set.
func NewGCSStore(ctx context.Context, bucket, credentialsJSON string) (*GCSStore, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{Client: client, Bucket: bucket}, nil
}

func (s *GCSStore) Put(ctx context.Context, key, name, mimeType string, r io.Reader) (Object, error) {
	w := s.Client.Bucket(s.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = mimeType
	w.Metadata = map[string]string{"original-name": name}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Object{
		Name:       name,
		Size:       w.Attrs().Size,
		MimeType:   mimeType,
		ContentURL: s.url(key),
	}, nil
}

func (s *GCSStore) Revoke(ctx context.Context, contentURL string) error {
	key, ok := strings.CutPrefix(contentURL, s.url(""))
	if !ok || key == "" {
		return ErrUnknownURL
	}
	err := s.Client.Bucket(s.Bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *GCSStore) Close() error {
	return s.Client.Close()
}

func (s *GCSStore) url(key string) string {
	return gcsPublicBase + s.Bucket + "/" + key
}
