package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/tadp"
	"github.com/opensource-finance/heron/internal/velocity"
	"github.com/opensource-finance/heron/internal/worker"
)

const (
	maxBodyBytes        = 10 << 20
	defaultAnomalyLimit = 100

	defaultVelocityWindow = 3600
)

// Deps are the collaborators the handlers use. Only Engine is required.
type Deps struct {
	Engine  *engine.Engine
	Repo    domain.Repository
	Cache   domain.Cache
	Bus     domain.EventBus
	Worker  *worker.Worker
	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	engine   *engine.Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	worker   *worker.Worker
	sink     *worker.Sink
	velocity *velocity.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	h := &Handler{
		engine:  deps.Engine,
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		worker:  deps.Worker,
		sink:    &worker.Sink{Repo: deps.Repo, Cache: deps.Cache, Bus: deps.Bus},
		version: deps.Version,
	}
	if deps.Repo != nil {
		h.velocity = velocity.NewService(deps.Repo, deps.Cache)
	}
	return h
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	domain.Verdict
	Reasons  []string `json:"reasons"`
	Warnings []string `json:"warnings,omitempty"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /evaluate: one transaction, evaluated synchronously.
// Malformed optional fields are replaced by defaults and reported as
// warnings rather than rejecting the request.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var raw domain.RawTransaction
	if err := decodeJSON(w, r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if raw.ID == "" {
		raw.ID = uuid.New().String()
	}
	if raw.AccountID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}

	tx, err := raw.Normalize()
	warnings := warningsOf(err)

	h.sink.SaveTransaction(ctx, &tx)
	v := h.engine.Evaluate(ctx, tx)
	h.sink.Deliver(ctx, &v)

	resp := EvaluateResponse{Verdict: v, Reasons: v.Reasons(), Warnings: warnings}
	resp.Metadata.TraceID = GetTraceID(ctx)
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	slog.Info("transaction evaluated",
		"tx_id", v.TransactionID,
		"account_id", v.AccountID,
		"anomalous", v.IsAnomalous,
		"risk_score", v.RiskScore,
		"severity", tadp.HighestSeverity(&v).String(),
		"duration_ms", resp.Metadata.TotalMs,
	)

	writeJSON(w, http.StatusOK, resp)
}

// BatchResponse is the response for POST /evaluate/batch.
type BatchResponse struct {
	Count     int              `json:"count"`
	Anomalies int              `json:"anomalies"`
	Verdicts  []domain.Verdict `json:"verdicts"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// EvaluateBatch handles POST /evaluate/batch. Transactions are evaluated in
// request order and a malformed element never aborts the batch.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raws []domain.RawTransaction
	if err := decodeJSON(w, r, &raws); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of transactions")
		return
	}
	for i := range raws {
		if raws[i].ID == "" {
			raws[i].ID = uuid.New().String()
		}
		// Parse errors are reported once, by EvaluateBatch below
		tx, _ := raws[i].Normalize()
		h.sink.SaveTransaction(ctx, &tx)
	}

	verdicts, err := h.engine.EvaluateBatch(ctx, raws)

	resp := BatchResponse{Count: len(verdicts), Verdicts: verdicts, Warnings: warningsOf(err)}
	for i := range verdicts {
		if verdicts[i].IsAnomalous {
			resp.Anomalies++
		}
		h.sink.Deliver(ctx, &verdicts[i])
	}

	writeJSON(w, http.StatusOK, resp)
}

// PerformanceResponse is the response for POST /performance.
type PerformanceResponse struct {
	Count       int                `json:"count"`
	Performance domain.Performance `json:"performance"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Performance handles POST /performance: labelled transactions are replayed
// through the engine and compared with their isFraudulent labels.
func (h *Handler) Performance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var raws []domain.RawTransaction
	if err := decodeJSON(w, r, &raws); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON array of labelled transactions")
		return
	}

	labeled := make([]domain.LabeledTransaction, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		if raw.ID == "" {
			raw.ID = uuid.New().String()
		}
		lt, err := raw.Labeled()
		if err != nil {
			errs = append(errs, err)
		}
		h.sink.SaveTransaction(ctx, &lt.Transaction)
		labeled = append(labeled, lt)
	}

	perf := h.engine.EvaluatePerformance(ctx, labeled)
	writeJSON(w, http.StatusOK, PerformanceResponse{
		Count:       len(labeled),
		Performance: perf,
		Warnings:    warningsOf(errors.Join(errs...)),
	})
}

// Ingest handles POST /transactions: the payload is queued on the ingest
// topic for the worker and not evaluated inline.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var raw domain.RawTransaction
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if raw.ID == "" {
		raw.ID = uuid.New().String()
		if body, err = json.Marshal(raw); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to encode transaction")
			return
		}
	}

	if err := h.bus.Publish(r.Context(), domain.TopicTransactionIngested, body); err != nil {
		slog.Error("failed to publish transaction", "tx_id", raw.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue transaction")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transactionId": raw.ID,
		"status":        "queued",
	})
}

// Statistics handles GET /statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Statistics())
}

// GetVerdict handles GET /verdicts/{id}, reading through the cache.
func (h *Handler) GetVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if h.cache != nil {
		v, err := h.cache.GetVerdict(ctx, txID)
		if err != nil {
			slog.Warn("verdict cache lookup failed", "tx_id", txID, "error", err)
		}
		if v != nil {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}

	if h.repo == nil {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}

	v, err := h.repo.GetVerdict(ctx, txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "verdict not found")
		return
	}
	if err != nil {
		slog.Error("failed to load verdict", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load verdict")
		return
	}

	if h.cache != nil {
		if err := h.cache.SetVerdict(ctx, v, worker.DefaultVerdictTTL); err != nil {
			slog.Warn("failed to cache verdict", "tx_id", txID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, v)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	txID := chi.URLParam(r, "id")
	tx, err := h.repo.GetTransaction(r.Context(), txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		slog.Error("failed to load transaction", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transaction")
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// AccountVelocity handles GET /accounts/{id}/velocity?window=N, where N is
// the trailing window in seconds (default 3600).
func (h *Handler) AccountVelocity(w http.ResponseWriter, r *http.Request) {
	if h.velocity == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	window, err := queryInt(r, "window", defaultVelocityWindow)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "window must be a positive number of seconds")
		return
	}

	accountID := chi.URLParam(r, "id")
	sum, err := h.velocity.Summarize(r.Context(), accountID, time.Duration(window)*time.Second)
	if err != nil {
		slog.Error("failed to summarise velocity", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to summarise velocity")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListAnomalies handles GET /anomalies?limit=N. Stored anomalies are
// preferred; without a repository the engine's in-memory log is used.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAnomalyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var anomalies []domain.Verdict
	if h.repo != nil {
		stored, err := h.repo.ListAnomalies(r.Context(), limit)
		if err != nil {
			slog.Error("failed to list anomalies", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list anomalies")
			return
		}
		anomalies = make([]domain.Verdict, 0, len(stored))
		for _, v := range stored {
			anomalies = append(anomalies, *v)
		}
	} else {
		anomalies = h.engine.RecentAnomalies(limit)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	configs := h.engine.Rules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": configs,
		"count": len(configs),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.Rule(chi.URLParam(r, "id"))
	if err != nil {
		writeRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateRule handles PATCH /rules/{id}. Only the fields present in the body
// change. The new configuration is stored so it survives a restart.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var update domain.RuleUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	cfg, err := h.engine.UpdateRule(chi.URLParam(r, "id"), update)
	if err != nil {
		writeRuleError(w, err)
		return
	}

	h.persistRule(r, &cfg)
	slog.Info("rule updated", "rule_id", cfg.ID, "enabled", cfg.Enabled)
	writeJSON(w, http.StatusOK, cfg)
}

// CreateRule handles POST /rules for expression rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var cfg domain.RuleConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if cfg.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	created, err := h.engine.AddRule(cfg)
	if err != nil {
		writeRuleError(w, err)
		return
	}

	h.persistRule(r, &created)
	slog.Info("rule created", "rule_id", created.ID, "expression", created.Params.Expression)
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) persistRule(r *http.Request, cfg *domain.RuleConfig) {
	if h.repo == nil {
		return
	}
	if err := h.repo.SaveRuleConfig(r.Context(), cfg); err != nil {
		slog.Error("failed to persist rule", "rule_id", cfg.ID, "error", err)
	}
}

// Report handles GET /report?anomalies=N.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "anomalies", defaultAnomalyLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Report(limit))
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	components := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			components[name] = err.Error()
			status = "degraded"
			return
		}
		components[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	resp := map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
		"accounts":   h.engine.Accounts(),
	}
	if h.worker != nil {
		resp["worker"] = h.worker.GetStats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrRuleExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, rules.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("rule operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rule operation failed")
	}
}

// decodeJSON decodes the request body keeping numbers as json.Number so
// amounts reach decimal parsing untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// warningsOf flattens joined malformed-input errors into messages.
func warningsOf(err error) []string {
	if err == nil {
		return nil
	}
	if mie, ok := err.(*domain.MalformedInputError); ok {
		return []string{mie.Error()}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, warningsOf(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
