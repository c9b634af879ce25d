package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/bulkingest/internal/common"
	"github.com/jo-hoe/bulkingest/internal/config"
	"github.com/jo-hoe/bulkingest/internal/jobs"
	"github.com/jo-hoe/bulkingest/internal/logging"
	"github.com/jo-hoe/bulkingest/internal/storage"
)

const (
	msgUploadStarted = "Bulk upload started"
	msgInvalidJobID  = "Invalid jobId"
	msgSuccess       = "Success"
	msgFileRequired  = "file is required"
	msgUnauthorized  = "unauthorized"
	msgInternal      = "internal error"
	msgSaturated     = "worker pool saturated, try again later"
	msgUnavailable   = "worker pool not accepting jobs, try again later"
	formFieldFile    = "file"
	multipartMemory  = 1 << 20
)

// Ingest is the submit/status contract the gateway forwards to.
type Ingest interface {
	Submit(payload io.Reader, actor string) (string, error)
	Status(id string) (jobs.Job, error)
}

// EngineStatus reports worker pool occupancy.
type EngineStatus interface {
	Status() jobs.PoolStatus
}

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Ingest   Ingest
	Engine   EngineStatus
	Uploader *storage.Uploader
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type uploadResponse struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

// NewRouter builds the chi router with middleware and routes.
func NewRouter(svc *Service) http.Handler {
	if svc.Log == nil {
		svc.Log = logging.Discard()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware(svc.Log))
	r.Use(middleware.Recoverer)

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(svc.withCommon)
		r.Post(common.PathBulkUpload, svc.handleBulkUpload)
		r.Get(common.PathBulkUpload+"/{jobId}/status", svc.handleStatus)
		r.Get(common.PathEngineStatus, svc.handleEngineStatus)
	})
	return r
}

// NewHTTPServer wraps NewRouter in an http.Server using the configured timeouts.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      NewRouter(svc),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

func (svc *Service) withCommon(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				writeJSON(w, http.StatusUnauthorized, envelope{Message: msgUnauthorized})
				return
			}
		}
		if limit := svc.maxUpload(); limit > 0 {
			// Leave room for multipart framing around the file part.
			r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) handleBulkUpload(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context(), svc.Log)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Message: storage.ErrTooLarge.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid form: " + err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File[formFieldFile]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, envelope{Message: msgFileRequired})
		return
	}

	src, err := svc.Uploader.OpenMultipartCSV(files[0])
	switch {
	case errors.Is(err, storage.ErrUnsupportedType):
		writeJSON(w, http.StatusUnsupportedMediaType, envelope{Message: err.Error()})
		return
	case errors.Is(err, storage.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, envelope{Message: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}
	defer func() { _ = src.Close() }()

	actor := strings.TrimSpace(r.Header.Get(common.HeaderActor))
	jobID, err := svc.Ingest.Submit(src, actor)
	if err != nil {
		if msg, ok := rejectionMessage(err); ok {
			log.Warn("bulk upload rejected", "job_id", jobID, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, envelope{
				Message: msg,
				Data:    svc.uploadResponse(jobID),
			})
			return
		}
		log.Error("bulk upload submit", "err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: msgInternal})
		return
	}
	log.Info("bulk upload accepted", "job_id", jobID, "file", files[0].Filename)
	writeJSON(w, http.StatusAccepted, envelope{
		Success: true,
		Message: msgUploadStarted,
		Data:    svc.uploadResponse(jobID),
	})
}

// rejectionMessage maps engine rejections to the 503 message.
func rejectionMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, jobs.ErrPoolSaturated):
		return msgSaturated, true
	case errors.Is(err, jobs.ErrPoolStopped), errors.Is(err, jobs.ErrPoolNotStarted):
		return msgUnavailable, true
	}
	return "", false
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobId")
	job, err := svc.Ingest.Status(id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, envelope{Message: msgInvalidJobID})
		return
	}
	if err != nil {
		logging.FromContext(r.Context(), svc.Log).Error("job status", "job_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: msgInternal})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msgSuccess, Data: job})
}

func (svc *Service) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msgSuccess, Data: svc.Engine.Status()})
}

func (svc *Service) uploadResponse(jobID string) *uploadResponse {
	if jobID == "" {
		return nil
	}
	return &uploadResponse{
		JobID:     jobID,
		StatusURL: common.PathBulkUpload + "/" + jobID + "/status",
	}
}

func (svc *Service) maxUpload() int64 {
	u := svc.Cfg.Server.MaxUploadSize
	if u > config.ByteSize(math.MaxInt64-multipartMemory) {
		return math.MaxInt64 - multipartMemory
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logging.FromContext(r.Context(), log).Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"remote", r.RemoteAddr)
		})
	}
}
