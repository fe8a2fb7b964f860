package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/rs/zerolog/log"

	"github.com/cellar-labs/wine-label-recognition/lib"
	"github.com/cellar-labs/wine-label-recognition/lib/recogniser"
)

const (
	optionsKey = "options"

	fileField = "file"

	defaultContentType = "image/jpeg"
)

type HttpError struct {
	code int
	error
}

func (e HttpError) Error() string {
	return e.error.Error()
}

func NewHttpError(code int, err error) HttpError {
	return HttpError{
		code:  code,
		error: err,
	}
}

// ValidationError is a request the gate refused. It is answered with 422.
type ValidationError struct {
	Detail string
}

func (e ValidationError) Error() string {
	return e.Detail
}

func invalid(format string, args ...interface{}) ValidationError {
	return ValidationError{Detail: fmt.Sprintf(format, args...)}
}

type uploadConfig struct {
	MaxFileSizeBytes    int64    `mapstructure:"max_file_size_bytes"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	AllowedExtensions   []string `mapstructure:"allowed_extensions"`
}

type server struct {
	controller  controller
	upload      uploadConfig
	defaultTopK int
	maxTopK     int
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s server) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", s.Health)
	r.GET("/ready", s.Ready)

	v1 := r.Group("/api/v1")
	v1.GET("/version", s.Version)
	v1.POST("/recognize/file", s.GetOptions, s.RecognizeFile)
	v1.POST("/recognize/url", s.GetOptions, s.RecognizeURL)
}

func (s server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s server) Ready(c *gin.Context) {
	reason, ok := s.controller.Ready(c.Request.Context())
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s server) Version(c *gin.Context) {
	version, err := s.controller.Version(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

// GetOptions reads top_k and include_raw from the query string and stores
// them on the context for the recognize handlers.
func (s server) GetOptions(c *gin.Context) {
	opts := recogniser.Options{Limit: s.defaultTopK}

	if v, ok := c.GetQuery("top_k"); ok {
		topK, err := strconv.Atoi(v)
		if err != nil || topK < 1 || topK > s.maxTopK {
			handleError(c, invalid("top_k must be an integer between 1 and %d", s.maxTopK))
			return
		}
		opts.Limit = topK
	}

	if v, ok := c.GetQuery("include_raw"); ok {
		includeRaw, err := strconv.ParseBool(v)
		if err != nil {
			handleError(c, invalid("include_raw must be a boolean"))
			return
		}
		opts.IncludeRaw = includeRaw
	}

	c.Set(optionsKey, opts)
	c.Next()
}

func (s server) RecognizeFile(c *gin.Context) {
	img, err := s.readImage(c)
	if err != nil {
		handleError(c, err)
		return
	}

	log.Info().
		Str("filename", img.Filename).
		Int("size_bytes", len(img.Data)).
		Str("content_type", img.ContentType).
		Msg("file upload received")

	s.recognize(c, recogniser.FileSource(img))
}

func (s server) RecognizeURL(c *gin.Context) {
	var body urlRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		handleError(c, invalid("request body must be a JSON object with a url field"))
		return
	}

	imageURL := strings.TrimSpace(body.URL)
	if err := validateImageURL(imageURL); err != nil {
		handleError(c, err)
		return
	}

	log.Info().Str("url", imageURL).Msg("url recognition request")
	s.recognize(c, recogniser.URLSource(imageURL))
}

func (s server) recognize(c *gin.Context, src recogniser.Source) {
	opts, ok := c.MustGet(optionsKey).(recogniser.Options)
	if !ok {
		handleError(c, errors.New("recognition options are unset"))
		return
	}

	result, err := s.controller.Recognize(c.Request.Context(), src, opts)
	if err != nil {
		handleError(c, err)
		return
	}

	c.Set(lib.RequestIDKey, result.RequestID.String())
	c.JSON(http.StatusOK, result)
}

func (s server) readImage(c *gin.Context) (recogniser.Image, error) {
	fh, err := c.FormFile(fileField)
	if err != nil {
		return recogniser.Image{}, invalid("multipart field %q is required", fileField)
	}

	// A part without a filename is a plain form value, so FormFile never
	// returns one with an empty name.
	filename := fh.Filename
	ext := strings.ToLower(filepath.Ext(filename))
	if !swag.ContainsStringsCI(s.upload.AllowedExtensions, ext) {
		return recogniser.Image{}, invalid("unsupported file extension %q, allowed: %s", ext, strings.Join(s.upload.AllowedExtensions, ", "))
	}

	contentType := defaultContentType
	if header := fh.Header.Get("Content-Type"); header != "" {
		mediaType, _, err := mime.ParseMediaType(header)
		if err != nil || !swag.ContainsStringsCI(s.upload.AllowedContentTypes, mediaType) {
			return recogniser.Image{}, invalid("unsupported content type %q, allowed: %s", header, strings.Join(s.upload.AllowedContentTypes, ", "))
		}
		contentType = mediaType
	}

	if fh.Size > s.upload.MaxFileSizeBytes {
		return recogniser.Image{}, invalid("file too large (%d bytes), maximum is %d bytes", fh.Size, s.upload.MaxFileSizeBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return recogniser.Image{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.upload.MaxFileSizeBytes+1))
	if err != nil {
		return recogniser.Image{}, err
	}
	if int64(len(data)) > s.upload.MaxFileSizeBytes {
		return recogniser.Image{}, invalid("file too large, maximum is %d bytes", s.upload.MaxFileSizeBytes)
	}
	if len(data) == 0 {
		return recogniser.Image{}, invalid("uploaded file is empty")
	}

	return recogniser.Image{
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
	}, nil
}

func validateImageURL(raw string) error {
	if raw == "" {
		return invalid("url is required")
	}
	if !strfmt.Default.Validates("uri", raw) {
		return invalid("url %q is not a valid URI", raw)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("url must be an absolute http or https URL")
	}
	return nil
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		abort(c, http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}

	var validationErr ValidationError
	var httpErr HttpError
	if errors.As(err, &validationErr) {
		abort(c, http.StatusUnprocessableEntity, gin.H{
			"error":  "validation_error",
			"detail": validationErr.Detail,
		})
		return
	}
	if ue, ok := recogniser.IsUpstreamError(err); ok {
		body := gin.H{
			"error":  "upstream_error",
			"detail": fmt.Sprintf("Upstream recognition API error: %s", ue.Error()),
		}
		if ue.RequestID != "" {
			body["request_id"] = ue.RequestID
			c.Set(lib.RequestIDKey, ue.RequestID)
		}
		abort(c, http.StatusBadGateway, body)
		return
	}
	if errors.As(err, &httpErr) {
		if httpErr.code == http.StatusServiceUnavailable {
			abort(c, httpErr.code, gin.H{"error": "not_configured", "detail": httpErr.Error()})
			return
		}
		abort(c, httpErr.code, gin.H{"error": http.StatusText(httpErr.code), "detail": httpErr.Error()})
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("unhandled error")
	_ = c.Error(err)
	abort(c, http.StatusInternalServerError, gin.H{
		"error":  "internal_server_error",
		"detail": "An unexpected error occurred. Please try again later.",
	})
}

func abort(c *gin.Context, code int, body gin.H) {
	c.AbortWithStatusJSON(code, body)
}
