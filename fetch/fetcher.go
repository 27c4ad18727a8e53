// Package fetch downloads remote media objects into local scratch files.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	scratchDirPerm os.FileMode = 0o750
	maxErrorBody               = 512
	maxNameAttempts            = 100
	defaultTimeout             = 2 * time.Minute
)

var ErrTooLarge = errors.New("object exceeds maximum input size")

// InvalidURLError means the URL carries no recognizable object path.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid storage url %q: %s", e.URL, e.Reason)
}

// FetchError reports a failed download. StatusCode is zero for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: remote returned %d: %s", redact(e.URL), e.StatusCode, e.Body)
	}
	return fmt.Sprintf("fetch %s: %v", redact(e.URL), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Options struct {
	Timeout      time.Duration
	MaxInputSize int64
	Client       *http.Client
	Logger       zerolog.Logger
}

type Fetcher struct {
	client  *http.Client
	maxSize int64
	log     zerolog.Logger
}

func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Fetcher{
		client:  client,
		maxSize: opts.MaxInputSize,
		log:     opts.Logger.With().Str("component", "fetch").Logger(),
	}
}

// ObjectPath extracts the storage object path from a download URL of the form
// https://host/.../o/<escaped object path>?<query>.
func ObjectPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidURLError{URL: rawURL, Reason: "scheme must be http or https"}
	}
	if u.RawQuery == "" {
		return "", &InvalidURLError{URL: rawURL, Reason: "missing query string"}
	}

	escaped := u.EscapedPath()
	idx := strings.Index(escaped, "/o/")
	if idx == -1 {
		return "", &InvalidURLError{URL: rawURL, Reason: "missing /o/ object segment"}
	}
	objectPath, err := url.PathUnescape(escaped[idx+len("/o/"):])
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}
	if objectPath == "" || strings.HasSuffix(objectPath, "/") {
		return "", &InvalidURLError{URL: rawURL, Reason: "empty object name"}
	}
	return objectPath, nil
}

// Fetch downloads rawURL into destDir, naming the file after the object's base name.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	objectPath, err := ObjectPath(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(objectPath)
	if name == "." || name == ".." || name == "/" {
		return "", &InvalidURLError{URL: rawURL, Reason: "empty object name"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &InvalidURLError{URL: rawURL, Reason: err.Error()}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := os.MkdirAll(destDir, scratchDirPerm); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	file, err := createUnique(destDir, name)
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	localPath := file.Name()

	written, err := f.copyBody(file, resp.Body)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(localPath)
		return "", &FetchError{URL: rawURL, Err: err}
	}

	f.log.Debug().Str("object", objectPath).Str("path", localPath).Int64("bytes", written).Msg("object downloaded")
	return localPath, nil
}

func (f *Fetcher) copyBody(dst io.Writer, body io.Reader) (int64, error) {
	if f.maxSize <= 0 {
		return io.Copy(dst, body)
	}
	limited := &io.LimitedReader{R: body, N: f.maxSize + 1}
	written, err := io.Copy(dst, limited)
	if err != nil {
		return written, err
	}
	if written > f.maxSize {
		return written, fmt.Errorf("%w (limit %d bytes)", ErrTooLarge, f.maxSize)
	}
	return written, nil
}

// createUnique exclusively creates dir/name, falling back to name(1).ext, name(2).ext, ...
func createUnique(dir, name string) (*os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= maxNameAttempts; i++ {
		file, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		candidate = fmt.Sprintf("%s(%d)%s", stem, i, ext)
	}
	return nil, fmt.Errorf("no free name for %s in %s", name, dir)
}

// redact drops the query string, which usually carries an access token.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i != -1 {
		return rawURL[:i]
	}
	return rawURL
}
