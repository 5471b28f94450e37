package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"express-audit/internal/check"
	"express-audit/internal/config"
	"express-audit/internal/models"
	"express-audit/internal/registry"
	"express-audit/internal/report"
	"express-audit/internal/scoring"
	"express-audit/internal/store"
	"express-audit/internal/telemetry"
)

// AuditStore is the persistence surface the API reads and writes.
type AuditStore interface {
	CreateAudit(ctx context.Context, websiteURL string, registryMaxAttempts int) (models.Audit, error)
	Snapshot(ctx context.Context, token string) (models.Audit, []models.StageResult, error)
	ReplaceRegistryStage(ctx context.Context, token, stageName string, res models.StageResult, score int, severity string) error
}

// Enqueuer hands created audits to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, token string) error
}

// Limiter guards the anonymous create endpoint.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the public express-check API.
type Server struct {
	cfg      config.Config
	store    AuditStore
	queue    Enqueuer
	limiter  Limiter
	resolver *registry.Resolver
	reports  report.Storage
	weights  scoring.Weights
}

// New constructs the API server. limiter and reports may be nil in tests.
func New(cfg config.Config, st AuditStore, q Enqueuer, limiter Limiter, resolver *registry.Resolver, reports report.Storage) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		resolver: resolver,
		reports:  reports,
		weights:  scoring.DefaultWeights(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/public", func(r chi.Router) {
		r.Post("/express-check", s.handleCreate)
		r.Get("/express-check/{token}", s.handlePoll)
		r.Get("/express-check/{token}/pdf", s.handlePDF)
		r.Post("/rkn/check", s.handleManualRegistryCheck)
	})
	return r
}

type createRequest struct {
	WebsiteURL string `json:"websiteUrl"`
}

type createResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	normalized, err := check.NormalizeURL(req.WebsiteURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientIP(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many checks, try again later")
			return
		}
	}

	audit, err := s.store.CreateAudit(r.Context(), normalized, s.cfg.RegistryMaxAttempts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create check")
		return
	}
	if err := s.queue.Enqueue(r.Context(), audit.Token); err != nil {
		log.Printf("audit %s: enqueue: %v", audit.Token, err)
		writeError(w, http.StatusInternalServerError, "failed to start check")
		return
	}
	telemetry.AuditsCreated.Inc()

	writeJSON(w, http.StatusAccepted, createResponse{Token: audit.Token})
}

type stageSummary struct {
	StageName string `json:"stageName"`
	Outcome   string `json:"outcome"`
	Details   string `json:"details,omitempty"`
}

type pollResponse struct {
	Status              string                `json:"status"`
	StageIndex          int                   `json:"stageIndex"`
	PassedCount         int                   `json:"passedCount"`
	WarningCount        int                   `json:"warningCount"`
	FailedCount         int                   `json:"failedCount"`
	RegistryAttempt     int                   `json:"registryAttempt,omitempty"`
	RegistryMaxAttempts int                   `json:"registryMaxAttempts,omitempty"`
	ScorePercent        *int                  `json:"scorePercent,omitempty"`
	Severity            *string               `json:"severity,omitempty"`
	Summary             []stageSummary        `json:"summary,omitempty"`
	BriefResults        []models.StageResult  `json:"briefResults,omitempty"`
	RKNCheck            *models.RegistryCheck `json:"rknCheck,omitempty"`
	HostingInfo         *models.HostingInfo   `json:"hostingInfo,omitempty"`
	Error               string                `json:"error,omitempty"`
}

// handlePoll is a pure read: it never advances the audit and is safe at any
// polling rate.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	audit, results, err := s.store.Snapshot(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load check")
		return
	}

	resp := pollResponse{
		Status:       audit.Status,
		StageIndex:   audit.StageIndex,
		PassedCount:  audit.PassedCount,
		WarningCount: audit.WarningCount,
		FailedCount:  audit.FailedCount,
	}
	if audit.RegistryAttempt > 0 {
		resp.RegistryAttempt = audit.RegistryAttempt
		resp.RegistryMaxAttempts = audit.RegistryMaxAttempts
	}
	if audit.Status == models.StatusFailed && audit.LastError != nil {
		resp.Error = *audit.LastError
	}

	// Result fields beyond the counters appear only on completion.
	if audit.Status == models.StatusCompleted {
		resp.ScorePercent = audit.ScorePercent
		resp.Severity = audit.Severity
		resp.BriefResults = results
		for _, res := range results {
			resp.Summary = append(resp.Summary, stageSummary{
				StageName: res.StageName,
				Outcome:   res.Outcome,
				Details:   res.Evidence.Details,
			})
			if res.Evidence.Registry != nil {
				resp.RKNCheck = res.Evidence.Registry
			}
			if res.Evidence.Hosting != nil {
				resp.HostingInfo = res.Evidence.Hosting
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePDF streams the express brief. Rendering is lazy: the first download
// renders and caches the artifact, later ones hit the cache.
func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	audit, results, err := s.store.Snapshot(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load check")
		return
	}
	if audit.Status != models.StatusCompleted {
		writeError(w, http.StatusNotFound, "check is not completed")
		return
	}

	key := audit.Token + ".pdf"
	var data []byte
	if s.reports != nil {
		data, err = s.reports.Get(r.Context(), key)
		if err != nil && !errors.Is(err, report.ErrNotCached) {
			log.Printf("audit %s: report cache get: %v", token, err)
		}
	}
	if data == nil {
		data, err = report.Render(audit, results)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to render report")
			return
		}
		if s.reports != nil {
			if err := s.reports.Put(r.Context(), key, data); err != nil {
				log.Printf("audit %s: report cache put: %v", token, err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="express-check.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type manualCheckRequest struct {
	INN   string `json:"inn"`
	Token string `json:"token,omitempty"`
}

// handleManualRegistryCheck is the follow-up path for audits whose registry
// stage could not auto-resolve: the caller supplies an INN, the lookup runs
// synchronously, and when a completed audit is referenced its registry stage
// is re-scored in place without re-running the other stages.
func (s *Server) handleManualRegistryCheck(w http.ResponseWriter, r *http.Request) {
	var req manualCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	inn := strings.ReplaceAll(strings.TrimSpace(req.INN), " ", "")
	if !models.ValidINN(inn) {
		writeError(w, http.StatusBadRequest, "INN must be 10 or 12 digits")
		return
	}

	checkRes, err := s.resolver.Resolve(r.Context(), inn, "", nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry lookup failed")
		return
	}
	checkRes.UsedKey = models.UsedKeyManual
	telemetry.RegistryResults.WithLabelValues(checkRes.Status).Inc()

	if req.Token != "" {
		if err := s.rescoreRegistryStage(r.Context(), req.Token, checkRes); err != nil {
			log.Printf("audit %s: manual rescore: %v", req.Token, err)
		}
	}

	writeJSON(w, http.StatusOK, checkRes)
}

// rescoreRegistryStage merges a manual registry result into a completed
// audit: only the registry stage outcome changes, and the score is
// recomputed over the updated result set.
func (s *Server) rescoreRegistryStage(ctx context.Context, token string, checkRes models.RegistryCheck) error {
	audit, results, err := s.store.Snapshot(ctx, token)
	if err != nil {
		return err
	}
	if audit.Status != models.StatusCompleted {
		return errors.New("audit is not completed")
	}

	var updated *models.StageResult
	for i, res := range results {
		if res.StageName != check.StageRegistry {
			continue
		}
		prev := res.Evidence.Registry
		if prev != nil && prev.Status == models.RegistryPassed {
			// A definitive automatic pass is never overwritten manually.
			return nil
		}
		results[i] = models.StageResult{
			StageName: check.StageRegistry,
			Outcome:   check.RegistryOutcome(checkRes),
			Evidence: models.Evidence{
				Details:  checkRes.Details,
				Registry: &checkRes,
			},
		}
		updated = &results[i]
		break
	}
	if updated == nil {
		return errors.New("audit has no registry stage")
	}

	sum := scoring.Aggregate(results, s.weights)
	return s.store.ReplaceRegistryStage(ctx, token, check.StageRegistry, *updated, sum.Score, sum.Severity)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
