package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"whisper.box/config"
	"whisper.box/internal/models"
	"whisper.box/internal/store"
	"whisper.box/web"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

// minMessageExpiry is the shortest lifetime a message can be given.
const minMessageExpiry = time.Minute

// errUnavailable is the single answer for unknown, expired and already
// revealed messages so callers cannot tell them apart.
const errUnavailable = "message unavailable"

// Store is the part of store.LocalStore the handlers depend on.
type Store interface {
	ListConfessions(ctx context.Context) []models.Confession
	AddConfession(ctx context.Context, content string) (models.Confession, error)
	ListSecretMessages(ctx context.Context) []models.SecretMessage
	GetSecretMessage(ctx context.Context, id string) (models.SecretMessage, bool)
	CreateSecretMessage(ctx context.Context, content string, expiry time.Duration) (models.SecretMessage, error)
	RevealSecretMessage(ctx context.Context, id string) (models.SecretMessage, bool, error)
	SweepExpired(ctx context.Context) store.SweepStats
}

type Handler struct {
	store    Store
	config   *config.Config
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(s Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    s,
		config:   cfg,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

type CreateConfessionRequest struct {
	Content string `json:"content" validate:"required"`
}

type CreateMessageRequest struct {
	Content     string   `json:"content" validate:"required"`
	ExpiryHours *float64 `json:"expiry_hours,omitempty" validate:"omitempty,gt=0"`
}

type CreateMessageResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MessageSummary omits the id: it is the read capability.
type MessageSummary struct {
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn string    `json:"expires_in"`
}

type PreviewResponse struct {
	ID        string    `json:"id"`
	Available bool      `json:"available"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn string    `json:"expires_in"`
}

type RevealResponse struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Viewed  bool   `json:"viewed"`
}

type ExpiryOptionsResponse struct {
	DefaultHours float64   `json:"default_hours"`
	MaxHours     float64   `json:"max_hours"`
	Choices      []float64 `json:"choices"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListConfessions(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, h.store.ListConfessions(r.Context()))
}

func (h *Handler) CreateConfession(w http.ResponseWriter, r *http.Request) {
	var req CreateConfessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.store.AddConfession(r.Context(), req.Content)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, c)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	msgs := h.store.ListSecretMessages(r.Context())

	out := make([]MessageSummary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageSummary{
			CreatedAt: m.CreatedAt,
			ExpiresAt: m.ExpiresAt,
			ExpiresIn: models.FormatRemaining(m.ExpiresAt, now),
		})
	}
	h.json(w, http.StatusOK, out)
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	expiry := h.config.Messages.DefaultExpiry
	if req.ExpiryHours != nil {
		expiry = expiryFromHours(*req.ExpiryHours, minMessageExpiry, h.config.Messages.MaxExpiry)
	}

	m, err := h.store.CreateSecretMessage(r.Context(), req.Content, expiry)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateMessageResponse{
		ID:        m.ID,
		URL:       h.config.MessageURL(m.ID),
		ExpiresAt: m.ExpiresAt,
	})
}

// ExpiryOptions lists the lifetimes the create form offers, capped at the
// configured maximum.
func (h *Handler) ExpiryOptions(w http.ResponseWriter, r *http.Request) {
	resp := ExpiryOptionsResponse{
		DefaultHours: h.config.Messages.DefaultExpiry.Hours(),
		MaxHours:     h.config.Messages.MaxExpiry.Hours(),
		Choices:      make([]float64, 0, len(models.ExpiryChoices)),
	}
	for _, d := range models.ExpiryChoices {
		if d <= h.config.Messages.MaxExpiry {
			resp.Choices = append(resp.Choices, d.Hours())
		}
	}
	h.json(w, http.StatusOK, resp)
}

// PreviewMessage reports whether a message can still be revealed without
// consuming it. Content is never included.
func (h *Handler) PreviewMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok := h.store.GetSecretMessage(r.Context(), id)
	if !ok || m.Viewed {
		h.error(w, http.StatusNotFound, errUnavailable)
		return
	}

	h.json(w, http.StatusOK, PreviewResponse{
		ID:        m.ID,
		Available: true,
		ExpiresAt: m.ExpiresAt,
		ExpiresIn: models.FormatRemaining(m.ExpiresAt, h.now()),
	})
}

func (h *Handler) RevealMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	m, ok, err := h.store.RevealSecretMessage(r.Context(), id)
	if err != nil {
		h.handleStoreError(w, r, err)
		return
	}
	if !ok || m.Content == "" {
		h.error(w, http.StatusNotFound, errUnavailable)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, RevealResponse{
		ID:      m.ID,
		Content: m.Content,
		Viewed:  m.Viewed,
	})
}

func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, "index.html")
}

func (h *Handler) CreatePage(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, "create.html")
}

func (h *Handler) ViewPage(w http.ResponseWriter, r *http.Request) {
	h.servePage(w, r, "view.html")
}

// servePage sweeps expired records before every page load.
func (h *Handler) servePage(w http.ResponseWriter, r *http.Request, filename string) {
	h.store.SweepExpired(r.Context())

	content, err := web.GetFile(filename)
	if err != nil {
		h.logger.Error("embedded page missing", slog.String("file", filename), slog.Any("error", err))
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(content)
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.error(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		h.error(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("store operation failed",
			slog.String("route", routePattern(r)),
			slog.Any("error", err),
		)
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// expiryFromHours converts a requested lifetime in hours, clamped to
// [minVal, maxVal]. The comparison against maxVal happens in hours so huge
// inputs never reach the int64 conversion.
func expiryFromHours(hours float64, minVal, maxVal time.Duration) time.Duration {
	if hours >= maxVal.Hours() {
		return maxVal
	}
	if hours <= minVal.Hours() {
		return minVal
	}
	return time.Duration(hours * float64(time.Hour))
}
