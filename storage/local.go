package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const publishDirPerm os.FileMode = 0o750

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrLinkExpired      = errors.New("link expired")
	ErrInvalidKey       = errors.New("invalid object key")
)

// LocalStore publishes files into a directory served by the HTTP API under
// /files/. URLs are signed with HMAC-SHA256 and expire after the TTL.
type LocalStore struct {
	scratchCleaner
	dir     string
	baseURL string
	secret  []byte
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

type LocalOptions struct {
	Dir        string
	BaseURL    string
	SigningKey string
	TTL        time.Duration
	Logger     zerolog.Logger
}

func NewLocalStore(opts LocalOptions) (*LocalStore, error) {
	if opts.SigningKey == "" {
		return nil, errors.New("signing key is required")
	}
	if err := os.MkdirAll(opts.Dir, publishDirPerm); err != nil {
		return nil, fmt.Errorf("create publish dir: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	log := opts.Logger.With().Str("component", "storage").Str("backend", "local").Logger()
	return &LocalStore{
		scratchCleaner: scratchCleaner{log: log},
		dir:            opts.Dir,
		baseURL:        strings.TrimSuffix(opts.BaseURL, "/"),
		secret:         []byte(opts.SigningKey),
		ttl:            ttl,
		now:            time.Now,
		log:            log,
	}, nil
}

func (s *LocalStore) Upload(ctx context.Context, localPath, key string) (string, error) {
	dest, err := s.resolve(key)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", &UploadError{Key: key, Err: err}
	}
	defer src.Close()

	if err := copyAtomic(ctx, dest, src); err != nil {
		return "", &UploadError{Key: key, Err: err}
	}

	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))

	s.log.Info().Str("key", key).Str("path", dest).Msg("file published")
	return s.baseURL + "/files/" + escapeKey(key) + "?" + q.Encode(), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Verify checks the signature and expiry carried by a download URL.
func (s *LocalStore) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrLinkExpired
	}
	return nil
}

// Open resolves key to a published file path.
func (s *LocalStore) Open(key string) (string, error) {
	p, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("file not found: %w", err)
	}
	return p, nil
}

// Start removes published files older than the link lifetime until ctx is done.
func (s *LocalStore) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.ttl / 4) // Check 4 times per lifetime
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Sweep deletes published files whose links can no longer be valid.
func (s *LocalStore) Sweep() int {
	cutoff := s.now().Add(-s.ttl)
	removed := 0
	_ = filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(p); err != nil {
			s.log.Warn().Err(err).Str("path", p).Msg("could not remove expired file")
			return nil
		}
		s.log.Debug().Str("path", p).Msg("removed expired file")
		removed++
		return nil
	})
	return removed
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps key into the publish dir, refusing anything that escapes it.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrInvalidKey
		}
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

// copyAtomic writes the reader to filename via a temp file and rename.
func copyAtomic(ctx context.Context, filename string, r io.Reader) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, publishDirPerm); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()

	if _, err := io.Copy(tempFile, readerWithContext{ctx: ctx, r: r}); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("copy to temp: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
