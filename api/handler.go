package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"clipmux/config"
	"clipmux/fetch"
	"clipmux/ffmpeg"
	"clipmux/pipeline"
	"clipmux/progress"
	"clipmux/storage"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Processor runs media pipelines to completion.
type Processor interface {
	Combine(ctx context.Context, req pipeline.CombineRequest) (*pipeline.Result, error)
	AddAudio(ctx context.Context, req pipeline.AudioRequest) (*pipeline.Result, error)
}

type ProgressReader interface {
	Get(id string) (progress.Entry, error)
}

// FileServer verifies and resolves signed download links. Only the local
// storage backend provides one.
type FileServer interface {
	Verify(key, expires, sig string) error
	Open(key string) (string, error)
}

type Handler struct {
	proc  Processor
	prog  ProgressReader
	files FileServer
	cfg   *config.Config
	log   zerolog.Logger
}

func NewHandler(proc Processor, prog ProgressReader, files FileServer, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		proc:  proc,
		prog:  prog,
		files: files,
		cfg:   cfg,
		log:   logger.With().Str("component", "api").Logger(),
	}
}

type CombineRequest struct {
	ProjectID  string   `json:"project_id" binding:"required"`
	VideoURLs  []string `json:"video_urls" binding:"required,min=1,dive,required"`
	OutputName string   `json:"output_name"`
}

type AudioRequest struct {
	ProjectID  string `json:"project_id" binding:"required"`
	VideoURL   string `json:"video_url" binding:"required"`
	AudioURL   string `json:"audio_url" binding:"required"`
	OutputName string `json:"output_name"`
}

type VideoResponse struct {
	Status  string `json:"status"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

func (h *Handler) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Video Processing API is running"})
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCombine runs the combine pipeline and answers once the result is published.
func (h *Handler) handleCombine(c *gin.Context) {
	var req CombineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res, err := h.proc.Combine(pipelineContext(c), pipeline.CombineRequest{
		ProjectID:  req.ProjectID,
		VideoURLs:  req.VideoURLs,
		OutputName: req.OutputName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.succeed(c, res, "Videos combined successfully")
}

func (h *Handler) handleAddAudio(c *gin.Context) {
	var req AudioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	res, err := h.proc.AddAudio(pipelineContext(c), pipeline.AudioRequest{
		ProjectID:  req.ProjectID,
		VideoURL:   req.VideoURL,
		AudioURL:   req.AudioURL,
		OutputName: req.OutputName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.succeed(c, res, "Audio added successfully")
}

// handleGetProgress reports the tracked progress of a task.
func (h *Handler) handleGetProgress(c *gin.Context) {
	entry, err := h.prog.Get(c.Param("taskId"))
	if errors.Is(err, progress.ErrTaskNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// handleGetFile serves a published file behind a signed link.
func (h *Handler) handleGetFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.files.Verify(key, c.Query("expires"), c.Query("sig")); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	p, err := h.files.Open(key)
	if errors.Is(err, storage.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	c.File(p)
}

// pipelineContext keeps request values but not its cancellation, so a client
// that stops waiting does not abort a run it can still poll. The run is
// bounded by the pipeline timeout instead.
func pipelineContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (h *Handler) succeed(c *gin.Context, res *pipeline.Result, msg string) {
	c.JSON(http.StatusOK, VideoResponse{
		Status:  "success",
		URL:     h.buildDownloadURL(c, res.URL),
		Message: msg,
		TaskID:  res.TaskID,
	})
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, VideoResponse{Status: "error", Error: fmt.Sprintf("invalid request: %v", err)})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= statusErrorThreshold {
		h.log.Error().Err(err).Int("status", status).Str("request_id", c.GetString(requestIDKey)).Msg("request failed")
	}
	c.JSON(status, VideoResponse{Status: "error", Error: err.Error()})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var (
		timeout   *pipeline.TimeoutError
		invalid   *fetch.InvalidURLError
		fetchErr  *fetch.FetchError
		uploadErr *storage.UploadError
		engineErr *ffmpeg.EngineError
	)
	switch {
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, ffmpeg.ErrInsufficientResources):
		return http.StatusServiceUnavailable
	case errors.As(err, &fetchErr), errors.As(err, &uploadErr):
		return http.StatusBadGateway
	case errors.As(err, &engineErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// buildDownloadURL makes a relative result URL absolute using BASE or the
// request's own scheme and host.
func (h *Handler) buildDownloadURL(c *gin.Context, u string) string {
	if !strings.HasPrefix(u, "/") {
		return u
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(baseURL, "/") + u
}
