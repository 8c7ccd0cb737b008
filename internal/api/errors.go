package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/worker"
)

const (
	detailTaskNotFound      = "Task not found"
	detailJobNotFound       = "Job not found"
	detailArtifactMissing   = "Output file not found"
	detailProviderMissing   = "Composition provider not initialized. Check API key configuration."
	detailUploadTooLarge    = "Uploaded file exceeds the size limit"
	detailAudioFileRequired = "audio_file is required"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Detail string `json:"detail"`
}

// statusFor maps a controller error to its HTTP status.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, job.ErrNotFound), errors.Is(err, core.ErrArtifactMissing):
		return http.StatusNotFound
	case errors.Is(err, core.ErrNotReady):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, core.ErrEngineUnavailable),
		errors.Is(err, core.ErrProviderNotConfigured),
		errors.Is(err, worker.ErrPoolFull),
		errors.Is(err, worker.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrRetrieval), errors.Is(err, core.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the mapped status and detail. notFound names the missing
// resource in 404 responses.
func (s *Server) abortWithError(c *gin.Context, err error, notFound string) {
	status := statusFor(err)
	detail := err.Error()

	switch {
	case errors.Is(err, job.ErrNotFound):
		detail = notFound
	case errors.Is(err, core.ErrArtifactMissing):
		detail = detailArtifactMissing
	case errors.Is(err, core.ErrProviderNotConfigured):
		detail = detailProviderMissing
	case status == http.StatusRequestEntityTooLarge:
		detail = detailUploadTooLarge
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	c.AbortWithStatusJSON(status, errorResponse{Detail: detail})
}
