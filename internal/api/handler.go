package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Deps are the collaborators the API handlers use.
type Deps struct {
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Pipeline *pipeline.Pipeline
	Deriver  *enrich.Deriver
	Encoders *encoder.Store
	Rules    *rules.Engine
	Version  string
	Logger   *slog.Logger
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	pipeline *pipeline.Pipeline
	deriver  *enrich.Deriver
	encoders *encoder.Store
	rules    *rules.Engine
	validate *validator.Validate
	version  string
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:     d.Repo,
		cache:    d.Cache,
		bus:      d.Bus,
		pipeline: d.Pipeline,
		deriver:  d.Deriver,
		encoders: d.Encoders,
		rules:    d.Rules,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  d.Version,
		logger:   logger,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// IngestResponse is returned by POST /transactions.
type IngestResponse struct {
	TxID   string `json:"txId"`
	Status string `json:"status"`
}

// Score handles POST /score: the transaction is stored, scored
// synchronously and the verdict returned.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, profile, ok := h.admit(w, r)
	if !ok {
		return
	}

	v, err := h.pipeline.Score(ctx, tx, profile)
	if err != nil {
		h.logger.ErrorContext(ctx, "scoring failed", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "scoring_failed", "scoring failed")
		return
	}
	if v.Metadata.TraceID == "" {
		v.Metadata.TraceID = GetTraceID(ctx)
	}

	if err := h.repo.SetFraudVerdict(ctx, tx.ID, v.Prediction); err != nil {
		h.logger.ErrorContext(ctx, "failed to record verdict", "tx_id", tx.ID, "error", err)
	}

	worker.PublishVerdict(ctx, h.bus, v, tx, profile, h.logger)

	writeJSON(w, http.StatusOK, v)
}

// Ingest handles POST /transactions: the transaction is stored and queued
// for the worker.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus_unavailable", "event bus not available")
		return
	}

	tx, _, ok := h.admit(w, r)
	if !ok {
		return
	}

	if err := worker.Enqueue(ctx, h.bus, tx.ID, GetTraceID(ctx)); err != nil {
		h.logger.ErrorContext(ctx, "failed to enqueue transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "enqueue_failed", "failed to queue transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, IngestResponse{TxID: tx.ID, Status: "queued"})
}

// admit decodes, validates, enriches and stores a transaction. It writes
// the error response itself and reports whether the caller may continue.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (*domain.Transaction, *domain.Profile, bool) {
	ctx := r.Context()

	var req domain.ScoreRequest
	if !h.decode(w, r, &req) {
		return nil, nil, false
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "invalid_request", domain.ErrNonPositiveAmount.Error())
		return nil, nil, false
	}

	profile, err := h.repo.GetProfile(ctx, req.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "profile_not_found", "no profile for user "+req.UserID)
		return nil, nil, false
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load profile", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load profile")
		return nil, nil, false
	}

	tx := req.ToTransaction(profile.PayerID)
	tx.ID = uuid.New().String()
	h.deriver.Apply(ctx, tx, enrich.FromRequest(r), time.Now())

	if err := h.repo.SaveTransaction(ctx, tx); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return nil, nil, false
		}
		h.logger.ErrorContext(ctx, "failed to save transaction", "tx_id", tx.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to save transaction")
		return nil, nil, false
	}

	return tx, profile, true
}

// PutProfile handles PUT /profiles/{userID}.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	var req domain.ProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TransactionLimit != nil && req.TransactionLimit.IsNegative() {
		writeError(w, http.StatusBadRequest, "invalid_request", "transactionLimit must not be negative")
		return
	}

	p := &domain.Profile{
		UserID:           userID,
		PayerID:          req.PayerID,
		Country:          req.Country,
		TransactionLimit: req.TransactionLimit,
		Email:            req.Email,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := h.repo.SaveProfile(ctx, p); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "failed to save profile", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to save profile")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// GetProfile handles GET /profiles/{userID}.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	p, err := h.repo.GetProfile(r.Context(), userID)
	if err != nil {
		h.notFoundOr500(w, r, err, "profile_not_found", "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetTransaction retrieves a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")

	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if err != nil {
		h.notFoundOr500(w, r, err, "transaction_not_found", "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Baseline handles GET /users/{userID}/baseline. The optional asOf query
// parameter (RFC 3339) limits the history to transactions before it.
func (h *Handler) Baseline(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("asOf"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "asOf must be an RFC 3339 timestamp")
			return
		}
		asOf = t
	}

	stats, err := h.pipeline.Baseline(r.Context(), userID, asOf)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to compute baseline", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to compute baseline")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Encoders handles GET /encoders with the class counts of every table.
func (h *Handler) Encoders(w http.ResponseWriter, r *http.Request) {
	resp := map[string][]encoder.FeatureInfo{
		"global": {},
		"local":  {},
	}
	if h.encoders != nil {
		resp["global"] = h.encoders.Global.Snapshot()
		resp["local"] = h.encoders.Local.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListRules returns the behavioral rules in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.rules.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx := r.Context()

	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON request body")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeError(w, http.StatusBadRequest, "invalid_request", fe.Field()+" failed "+fe.Tag()+" validation")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, r *http.Request, err error, code, msg string) {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidInput) {
		writeError(w, http.StatusNotFound, code, msg)
		return
	}
	h.logger.ErrorContext(r.Context(), "repository lookup failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
