package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/italolelis/download_tracker/internal/downloader"
	"github.com/italolelis/download_tracker/internal/location"
	"github.com/italolelis/download_tracker/internal/logctx"
	"github.com/italolelis/download_tracker/internal/transfer"
)

// Coordinator is the part of the download coordinator the API drives.
type Coordinator interface {
	Add(ctx context.Context, sourceURL, fileName string, destination location.Destination) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Relocate(ctx context.Context, id string, destination location.Destination) error
	Cancel(ctx context.Context, id string) error
	Get(id string) (transfer.Snapshot, error)
	List() []transfer.Snapshot
}

type DestinationRequest struct {
	Kind location.Kind `json:"kind" validate:"required,oneof=opaque relative"`
	URL  string        `json:"url" validate:"required_if=Kind opaque,omitempty,url"`
	Root location.Root `json:"root" validate:"required_if=Kind relative,omitempty,oneof=documents temporary caches"`
	Path string        `json:"path"`
}

func (d DestinationRequest) Destination() (location.Destination, error) {
	return location.FromParts(d.Kind, d.URL, d.Root, d.Path)
}

type AddDownloadRequest struct {
	URL         string             `json:"url" validate:"required,url"`
	FileName    string             `json:"file_name" validate:"required,excludesall=/\\"`
	Destination DestinationRequest `json:"destination"`
}

type RelocateRequest struct {
	Destination DestinationRequest `json:"destination"`
}

type DownloadsHandler struct {
	coordinator Coordinator
	validator   *validator.Validate
	username    string
	password    string
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is not empty.
func NewDownloadsHandler(c Coordinator, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		coordinator: c,
		validator:   validator.New(),
		username:    username,
		password:    password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(middleware.BasicAuth("download_tracker", map[string]string{h.username: h.password}))
	}

	r.Get("/", h.List)
	r.Post("/", h.Add)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Cancel)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/resume", h.Resume)
	r.Put("/{id}/destination", h.Relocate)

	return r
}

func (h *DownloadsHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"downloads": h.coordinator.List()})
}

func (h *DownloadsHandler) Add(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req AddDownloadRequest
	if !h.decode(w, r, &req) {
		return
	}

	destination, err := req.Destination.Destination()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	id, err := h.coordinator.Add(ctx, req.URL, req.FileName, destination)
	if err != nil {
		h.fail(ctx, w, "failed to add download", err)

		return
	}

	logger.InfoContext(logctx.WithTaskID(ctx, id), "download accepted", "file_name", req.FileName)

	snapshot, err := h.coordinator.Get(id)
	if err != nil {
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})

		return
	}

	writeJSON(w, http.StatusCreated, snapshot)
}

func (h *DownloadsHandler) Get(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.coordinator.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(r.Context(), w, "failed to get download", err)

		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (h *DownloadsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "failed to pause download", h.coordinator.Pause)
}

func (h *DownloadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "failed to resume download", h.coordinator.Resume)
}

func (h *DownloadsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.coordinator.Cancel(ctx, chi.URLParam(r, "id")); err != nil {
		h.fail(ctx, w, "failed to cancel download", err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) Relocate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req RelocateRequest
	if !h.decode(w, r, &req) {
		return
	}

	destination, err := req.Destination.Destination()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if err := h.coordinator.Relocate(ctx, id, destination); err != nil {
		h.fail(ctx, w, "failed to relocate download", err)

		return
	}

	h.respondSnapshot(w, r, id)
}

func (h *DownloadsHandler) command(w http.ResponseWriter, r *http.Request, msg string, fn func(context.Context, string) error) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := fn(ctx, id); err != nil {
		h.fail(ctx, w, msg, err)

		return
	}

	h.respondSnapshot(w, r, id)
}

func (h *DownloadsHandler) respondSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	snapshot, err := h.coordinator.Get(id)
	if err != nil {
		// removed right after the command, e.g. handed off
		w.WriteHeader(http.StatusNoContent)

		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (h *DownloadsHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	logger := logctx.LoggerFromContext(r.Context())

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.WarnContext(r.Context(), "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return false
	}

	if err := h.validator.Struct(v); err != nil {
		logger.WarnContext(r.Context(), "validation failed", "err", err)
		writeError(w, http.StatusBadRequest, err.Error())

		return false
	}

	return true
}

func (h *DownloadsHandler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}

	logctx.LoggerFromContext(ctx).Log(ctx, level, msg, "err", err, "status", status)
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, transfer.ErrInvalidState), errors.Is(err, transfer.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, location.ErrUnresolvable), errors.Is(err, location.ErrUnknownRoot):
		return http.StatusUnprocessableEntity
	case errors.Is(err, downloader.ErrShutdown):
		return http.StatusServiceUnavailable
	}

	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
