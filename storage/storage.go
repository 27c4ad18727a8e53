// Package storage publishes finished media to durable storage and hands back
// time-limited retrieval URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"
)

// Store uploads a local file under key and returns a retrieval URL.
// Delete removes a local scratch file and never fails.
type Store interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	Delete(localPath string)
}

// UploadError wraps any transport or storage failure during Upload.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Key, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// scratchCleaner implements the best-effort half of Store.
type scratchCleaner struct {
	log zerolog.Logger
}

func (c scratchCleaner) Delete(localPath string) {
	if localPath == "" {
		return
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn().Err(err).Str("path", localPath).Msg("error cleaning up file")
	}
}

// mediaTypes covers extensions the stdlib table may not know on minimal hosts.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".wav":  "audio/wav",
}

func contentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := mediaTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
