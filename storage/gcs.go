package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// objectBucket is the slice of a GCS bucket the store needs.
type objectBucket interface {
	Name() string
	Write(ctx context.Context, key, contentType string, r io.Reader) error
	SignedURL(key string, expires time.Time) (string, error)
}

type gcsBucket struct {
	name   string
	handle *storage.BucketHandle
}

func (b *gcsBucket) Name() string { return b.name }

func (b *gcsBucket) Write(ctx context.Context, key, contentType string, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		cancel() // aborts the upload so Close does not commit a partial object
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *gcsBucket) SignedURL(key string, expires time.Time) (string, error) {
	return b.handle.SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expires,
	})
}

// GCSStore uploads to a Google Cloud Storage (Firebase Storage) bucket.
type GCSStore struct {
	scratchCleaner
	client  *storage.Client
	bucket  objectBucket
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

type GCSOptions struct {
	Bucket          string
	CredentialsFile string
	SignedURLTTL    time.Duration
	UploadTimeout   time.Duration
	Logger          zerolog.Logger
}

// NewGCSStore connects to the bucket. A missing credentials file falls back to
// application default credentials.
func NewGCSStore(ctx context.Context, opts GCSOptions) (*GCSStore, error) {
	name := strings.TrimPrefix(opts.Bucket, "gs://")
	if name == "" {
		return nil, errors.New("storage bucket is not configured")
	}

	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		if _, err := os.Stat(opts.CredentialsFile); err == nil {
			clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
		} else {
			opts.Logger.Warn().Str("path", opts.CredentialsFile).Msg("credentials file not found, using application default credentials")
		}
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s := newGCSStore(&gcsBucket{name: name, handle: client.Bucket(name)}, opts)
	s.client = client
	s.log.Info().Str("bucket", name).Msg("storage initialized")
	return s, nil
}

func newGCSStore(bucket objectBucket, opts GCSOptions) *GCSStore {
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := opts.Logger.With().Str("component", "storage").Str("backend", "gcs").Logger()
	return &GCSStore{
		scratchCleaner: scratchCleaner{log: log},
		bucket:         bucket,
		ttl:            ttl,
		timeout:        opts.UploadTimeout,
		now:            time.Now,
		log:            log,
	}
}

func (s *GCSStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.log.Info().
		Str("bucket", s.bucket.Name()).
		Str("key", key).
		Float64("size_mb", float64(info.Size())/(1024*1024)).
		Msg("starting upload")

	if err := s.bucket.Write(ctx, key, contentType(key), f); err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	url, err := s.bucket.SignedURL(key, s.now().Add(s.ttl))
	if err != nil {
		return "", &UploadError{Key: key, Err: fmt.Errorf("sign url: %w", err)}
	}
	s.log.Info().Str("key", key).Msg("upload complete")
	return url, nil
}

func (s *GCSStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
