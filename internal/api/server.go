// Package api exposes the composition and conversion workflows over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/gin-gonic/gin"
	"github.com/rberketuran/music-generation-backend/internal/composition"
	"github.com/rberketuran/music-generation-backend/internal/core"
	"github.com/rberketuran/music-generation-backend/internal/delivery"
	"github.com/rberketuran/music-generation-backend/internal/job"
	"github.com/rberketuran/music-generation-backend/internal/provider"
)

const (
	serviceBanner          = "Music & Voice Studio API"
	msgConversionStarted   = "Voice conversion started"
	audioFileField         = "audio_file"
	multipartMemoryDivisor = 4
)

// CompositionService is the composition workflow used by the HTTP layer.
type CompositionService interface {
	Submit(ctx context.Context, req *composition.Request) (job.Record, error)
	Poll(ctx context.Context, id string) (job.Record, error)
	FetchArtifact(ctx context.Context, id string) (*delivery.Artifact, error)
	Credits(ctx context.Context) (*provider.Credits, error)
	RawSubscription(ctx context.Context) (map[string]any, error)
}

// ConversionService is the conversion workflow used by the HTTP layer.
type ConversionService interface {
	Available() error
	Submit(ctx context.Context, filename string, upload io.Reader, params core.ConversionParams) (job.Record, error)
	Poll(ctx context.Context, id string) (job.Record, error)
	FetchArtifact(ctx context.Context, id string) (*delivery.Artifact, error)
	Cancel(ctx context.Context, id string) (job.Record, error)
}

// Server holds the HTTP handlers. A nil composition service makes every
// composition route answer 503.
type Server struct {
	composition    CompositionService
	conversion     ConversionService
	maxUploadBytes int64
	log            *logger.Logger
}

// NewServer creates the HTTP handlers.
func NewServer(
	compositions CompositionService,
	conversions ConversionService,
	maxUploadBytes int64,
	log *logger.Logger,
) *Server {
	return &Server{
		composition:    compositions,
		conversion:     conversions,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
}

// NewRouter builds the gin engine serving every route.
func (s *Server) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	if s.maxUploadBytes > 0 {
		router.MaxMultipartMemory = s.maxUploadBytes / multipartMemoryDivisor
	}

	router.GET("/", s.root)
	router.GET("/health", s.health)

	compositions := router.Group("/api", s.requireComposition())
	compositions.POST("/generate", s.generate)
	compositions.GET("/status/:task_id", s.compositionStatus)
	compositions.GET("/download/:task_id", s.compositionDownload)
	compositions.GET("/credits", s.credits)
	compositions.GET("/credits/debug", s.creditsDebug)

	conversions := router.Group("/api/voice-conversion")
	conversions.POST("/upload", s.limitBody(), s.conversionUpload)
	conversions.GET("/status/:job_id", s.conversionStatus)
	conversions.GET("/download/:job_id", s.conversionDownload)
	conversions.POST("/cancel/:job_id", s.conversionCancel)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.log.Info("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(),
			time.Since(start).Round(time.Microsecond))
	}
}

func (s *Server) requireComposition() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.composition == nil {
			s.abortWithError(c, core.ErrProviderNotConfigured, detailTaskNotFound)

			return
		}

		c.Next()
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.maxUploadBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUploadBytes)
		}

		c.Next()
	}
}

type rootResponse struct {
	Message string `json:"message"`
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, rootResponse{Message: serviceBanner})
}

type healthResponse struct {
	Status                string `json:"status"`
	CompositionConfigured bool   `json:"composition_configured"`
	ConversionAvailable   bool   `json:"conversion_available"`
	ConversionError       string `json:"conversion_error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	resp := healthResponse{
		Status:                "healthy",
		CompositionConfigured: s.composition != nil,
	}

	err := s.conversion.Available()
	if err != nil {
		resp.ConversionError = err.Error()
	} else {
		resp.ConversionAvailable = true
	}

	c.JSON(http.StatusOK, resp)
}

type taskResponse struct {
	TaskID   string   `json:"task_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

func newTaskResponse(record job.Record) taskResponse {
	return taskResponse{
		TaskID:   record.ID,
		Status:   string(record.Status),
		Progress: record.Progress,
		Message:  record.Message,
	}
}

func (s *Server) generate(c *gin.Context) {
	var req composition.Request

	err := c.ShouldBindJSON(&req)
	if err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %w", core.ErrValidation, err), detailTaskNotFound)

		return
	}

	record, err := s.composition.Submit(c.Request.Context(), &req)
	if err != nil {
		s.abortWithError(c, err, detailTaskNotFound)

		return
	}

	resp := newTaskResponse(record)
	resp.Progress = nil

	c.JSON(http.StatusOK, resp)
}

func (s *Server) compositionStatus(c *gin.Context) {
	record, err := s.composition.Poll(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		s.abortWithError(c, err, detailTaskNotFound)

		return
	}

	c.JSON(http.StatusOK, newTaskResponse(record))
}

func (s *Server) compositionDownload(c *gin.Context) {
	artifact, err := s.composition.FetchArtifact(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		s.abortWithError(c, err, detailTaskNotFound)

		return
	}

	delivery.Write(c.Writer, c.Request, artifact)
}

func (s *Server) credits(c *gin.Context) {
	credits, err := s.composition.Credits(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err, detailTaskNotFound)

		return
	}

	c.JSON(http.StatusOK, credits)
}

func (s *Server) creditsDebug(c *gin.Context) {
	fields, err := s.composition.RawSubscription(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err, detailTaskNotFound)

		return
	}

	c.JSON(http.StatusOK, gin.H{"data": fields})
}

// conversionForm carries the numeric controls of an upload.
type conversionForm struct {
	F0UpKey      int     `form:"f0_up_key,default=0"`
	F0Method     string  `form:"f0_method,default=rmvpe"`
	IndexRate    float64 `form:"index_rate,default=0.75"`
	FilterRadius int     `form:"filter_radius,default=3"`
	RMSMixRate   float64 `form:"rms_mix_rate,default=0.25"`
	Protect      float64 `form:"protect,default=0.33"`
	ResampleSR   int     `form:"resample_sr,default=0"`
}

func (f *conversionForm) params() core.ConversionParams {
	return core.ConversionParams{
		PitchShift:   f.F0UpKey,
		F0Method:     f.F0Method,
		IndexRate:    f.IndexRate,
		FilterRadius: f.FilterRadius,
		RMSMixRate:   f.RMSMixRate,
		Protect:      f.Protect,
		ResampleRate: f.ResampleSR,
	}
}

type conversionResponse struct {
	JobID    string   `json:"job_id"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func newConversionResponse(record job.Record) conversionResponse {
	return conversionResponse{
		JobID:    record.ID,
		Status:   string(record.Status),
		Progress: record.Progress,
		Message:  record.Message,
		Error:    record.Error,
	}
}

func (s *Server) conversionUpload(c *gin.Context) {
	fileHeader, err := c.FormFile(audioFileField)
	if err != nil {
		if statusFor(err) != http.StatusRequestEntityTooLarge {
			err = fmt.Errorf("%w: %s: %w", core.ErrValidation, detailAudioFileRequired, err)
		}

		s.abortWithError(c, err, detailJobNotFound)

		return
	}

	var form conversionForm

	err = c.ShouldBind(&form)
	if err != nil {
		s.abortWithError(c, fmt.Errorf("%w: %w", core.ErrValidation, err), detailJobNotFound)

		return
	}

	upload, err := fileHeader.Open()
	if err != nil {
		s.abortWithError(c, fmt.Errorf("failed to open upload: %w", err), detailJobNotFound)

		return
	}
	defer upload.Close()

	record, err := s.conversion.Submit(c.Request.Context(), fileHeader.Filename, upload, form.params())
	if err != nil {
		s.abortWithError(c, err, detailJobNotFound)

		return
	}

	c.JSON(http.StatusOK, conversionResponse{
		JobID:   record.ID,
		Status:  string(record.Status),
		Message: msgConversionStarted,
	})
}

func (s *Server) conversionStatus(c *gin.Context) {
	record, err := s.conversion.Poll(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.abortWithError(c, err, detailJobNotFound)

		return
	}

	c.JSON(http.StatusOK, newConversionResponse(record))
}

func (s *Server) conversionDownload(c *gin.Context) {
	artifact, err := s.conversion.FetchArtifact(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.abortWithError(c, err, detailJobNotFound)

		return
	}

	delivery.Write(c.Writer, c.Request, artifact)
}

func (s *Server) conversionCancel(c *gin.Context) {
	record, err := s.conversion.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		s.abortWithError(c, err, detailJobNotFound)

		return
	}

	c.JSON(http.StatusOK, newConversionResponse(record))
}
