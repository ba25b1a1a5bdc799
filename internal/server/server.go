package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/common"
	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/extract"
	"github.com/jo-hoe/visionbridge/internal/jobs"
	"github.com/jo-hoe/visionbridge/internal/telemetry"
)

// Capturer grabs the primary display as PNG bytes.
type Capturer interface {
	CapturePrimaryDisplay(ctx context.Context) ([]byte, error)
}

// JobRunner submits and polls inference jobs.
type JobRunner interface {
	CheckDependencies() error
	Submit(ctx context.Context, image io.Reader) (string, error)
	Poll(ctx context.Context, id string) (*jobs.Job, error)
}

type Service struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Capture Capturer
	Runner  JobRunner
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Handler(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Handler returns the router wrapped in logging, recovery and CORS.
func (svc *Service) Handler() http.Handler {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	r := chi.NewRouter()
	r.Use(corsMiddleware(svc.Cfg.Server.CORSAllowedOrigins))

	r.Get(common.PathHealthz, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, common.PathMetrics, telemetry.Handler())

	r.Get(common.PathScreenshot, svc.handleScreenshot)
	r.With(svc.limitBody).Post(common.PathPredict, svc.handlePredict)
	r.Get(common.PathPredictResult+"/{task_id}", svc.handlePredictResult)

	return loggingMiddleware(recoveryMiddleware(r, svc.Log), svc.Log)
}

func (svc *Service) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	png, err := svc.Capture.CapturePrimaryDisplay(r.Context())
	if err != nil {
		telemetry.Screenshots.WithLabelValues("error").Inc()
		svc.Log.Error("capture screenshot", "err", err)
		w.Header().Set(common.HeaderContentType, common.ContentTypeText)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "Error capturing screenshot: "+err.Error())
		return
	}
	telemetry.Screenshots.WithLabelValues("ok").Inc()
	w.Header().Set(common.HeaderContentType, common.ContentTypePNG)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type predictResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (svc *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	if err := svc.Runner.CheckDependencies(); err != nil {
		svc.Log.Error("predict unavailable", "err", err)
		writeKindError(w, err)
		return
	}

	image, closeImage, err := svc.imageFromRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large", Details: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "no image in request", Details: err.Error()})
		return
	}
	defer closeImage()

	id, err := svc.Runner.Submit(r.Context(), image)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "upload too large", Details: err.Error()})
			return
		}
		svc.Log.Error("submit job", "err", err)
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{TaskID: id, Status: string(jobs.StatusProcessing)})
}

// imageFromRequest returns the uploaded image from a multipart form (field
// "image", then "file") or from a raw body with an image/* content type.
func (svc *Service) imageFromRequest(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get(common.HeaderContentType))
	switch {
	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
			return nil, nil, err
		}
		fh := firstFile(r.MultipartForm, common.FormFieldImage, common.FormFieldFile)
		if fh == nil {
			return nil, nil, errors.New(`multipart form has no "image" or "file" field`)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	case strings.HasPrefix(mediaType, "image/"):
		return r.Body, func() {}, nil
	default:
		return nil, nil, errors.New("expected multipart/form-data or an image/* body")
	}
}

func firstFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	for _, f := range fields {
		if fhs := form.File[f]; len(fhs) > 0 {
			return fhs[0]
		}
	}
	return nil
}

type resultResponse struct {
	TaskID  string          `json:"task_id"`
	Status  string          `json:"status"`
	Result  *extract.Result `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details *string         `json:"details,omitempty"`
}

func (svc *Service) handlePredictResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	job, err := svc.Runner.Poll(r.Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	if err != nil {
		svc.Log.Error("poll job", "job_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(apperrors.KindUnexpectedFault), Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job))
}

func jobToOut(job *jobs.Job) resultResponse {
	out := resultResponse{TaskID: job.ID, Status: string(job.Status)}
	switch job.Status {
	case jobs.StatusCompleted:
		out.Result = job.Result
	case jobs.StatusFailed:
		out.Error = job.Error
		details := job.Details
		out.Details = &details
	}
	return out
}

func writeKindError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:   string(apperrors.KindOf(err)),
		Details: apperrors.DetailsOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(common.HeaderContentType, common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

// corsMiddleware lets browser front ends on other origins call the API.
// Preflight requests are answered with 204 before routing.
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	wildcard := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			switch {
			case wildcard:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && set[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
