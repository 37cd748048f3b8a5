// Package httpapi exposes the request-level service façade: the one-shot
// command endpoints, confirmation, search, context, messaging, health,
// metrics, and the streaming websocket mount.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neosignal/assistantproxy/internal/domain"
	"github.com/neosignal/assistantproxy/internal/errs"
	"github.com/neosignal/assistantproxy/internal/pipeline"
	"github.com/neosignal/assistantproxy/internal/ratelimit"
	"github.com/neosignal/assistantproxy/internal/session"
)

// Version is the service version reported by /healthz.
const Version = "2.0.0"

// Server wires the pipeline, adapters, and session layer into the HTTP
// surface. All collaborators are injected at construction; handlers
// never reach for process-wide state.
type Server struct {
	orchestrator *pipeline.Orchestrator
	composer     *pipeline.Composer
	home         pipeline.HomeAutomation
	searcher     pipeline.Searcher
	habr         pipeline.HabrSearcher
	telegram     TelegramSender
	sessions     *session.Handler
	sessionCount func() int

	db      *sql.DB
	metrics *Metrics
	logger  *slog.Logger

	modelLimiter *ratelimit.Limiter
	habrLimiter  *ratelimit.Limiter

	registry *prometheus.Registry
}

// TelegramSender is the messaging adapter surface this server consumes.
type TelegramSender interface {
	SendMessage(ctx context.Context, text, parseMode string, disablePreview bool) (bool, error)
}

// Options bundles Server's collaborators.
type Options struct {
	Orchestrator *pipeline.Orchestrator
	Composer     *pipeline.Composer
	Home         pipeline.HomeAutomation
	Searcher     pipeline.Searcher
	Habr         pipeline.HabrSearcher
	Telegram     TelegramSender
	Sessions     *session.Handler
	SessionCount func() int
	DB           *sql.DB
	ModelLimiter *ratelimit.Limiter
	HabrLimiter  *ratelimit.Limiter
	Logger       *slog.Logger
}

func NewServer(opts Options) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		orchestrator: opts.Orchestrator,
		composer:     opts.Composer,
		home:         opts.Home,
		searcher:     opts.Searcher,
		habr:         opts.Habr,
		telegram:     opts.Telegram,
		sessions:     opts.Sessions,
		sessionCount: opts.SessionCount,
		db:           opts.DB,
		metrics:      NewMetrics(registry),
		logger:       opts.Logger,
		modelLimiter: opts.ModelLimiter,
		habrLimiter:  opts.HabrLimiter,
		registry:     registry,
	}

	if s.sessions != nil {
		s.sessions.OnConnect = func() { s.metrics.ActiveSessions.Inc() }
		s.sessions.OnDisconnect = func() { s.metrics.ActiveSessions.Dec() }
		s.sessions.OnMessage = func(direction, msgType string) {
			s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
		}
	}
	return s
}

// Routes builds the ServeMux for the full HTTP surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/command", s.handleCommand)
	mux.HandleFunc("POST /v1/command/stream", s.handleCommandStream)
	mux.HandleFunc("POST /v1/confirm", s.handleConfirm)
	mux.HandleFunc("GET /v1/context", s.handleContext)
	mux.HandleFunc("POST /v1/search", s.handleSearch)
	mux.HandleFunc("GET /v1/habr/search", s.handleHabrSearch)
	mux.HandleFunc("POST /v1/telegram/send", s.handleTelegramSend)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.sessions != nil {
		mux.Handle("/v1/realtime/ws", s.sessions)
	}
	return mux
}

type commandRequest struct {
	UserID         string `json:"user_id"`
	Command        string `json:"command"`
	IncludeContext *bool  `json:"include_context,omitempty"`
	IncludeAudio   bool   `json:"include_audio,omitempty"`
}

type commandResponse struct {
	Type              string          `json:"type"`
	Response          string          `json:"response"`
	Intent            string          `json:"intent,omitempty"`
	Actions           []domain.Action `json:"actions,omitempty"`
	NeedsConfirmation bool            `json:"needs_confirmation,omitempty"`
	AudioURL          string          `json:"audio_url,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and command are required")
		return
	}

	if s.modelLimiter != nil {
		if allowed, wait := s.modelLimiter.Check("model_api"); !allowed {
			s.rateLimited(w, &errs.RateLimited{Name: "model_api", Wait: wait})
			return
		}
	}

	start := time.Now()
	channel := pipeline.ChannelText
	if req.IncludeAudio {
		channel = pipeline.ChannelVoice
	}

	response := s.orchestrator.Process(r.Context(), pipeline.Request{
		UserID:       req.UserID,
		Command:      req.Command,
		Channel:      channel,
		IncludeAudio: req.IncludeAudio,
	})

	status := "success"
	if response.Type == domain.PlanErrorResponse {
		status = "error"
	}
	s.metrics.CommandsTotal.WithLabelValues(response.Intent, status).Inc()
	s.metrics.CommandDuration.WithLabelValues(response.Intent).Observe(time.Since(start).Seconds())

	out := commandResponse{
		Type:              string(response.Type),
		Response:          response.Text,
		Intent:            response.Intent,
		Actions:           response.Actions,
		NeedsConfirmation: response.NeedsConfirmation,
		Metadata:          response.Pipeline,
	}
	if response.Audio != nil {
		out.AudioURL = audioDataURL(response.Audio)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// audioDataURL inlines synthesized audio as a data URL; the surface has
// no blob store, and clients of a one-shot command want the bytes now.
func audioDataURL(audio *pipeline.Audio) string {
	mime := "audio/pcm"
	switch audio.Format {
	case "mp3":
		mime = "audio/mpeg"
	case "opus", "ogg":
		mime = "audio/ogg"
	case "wav":
		mime = "audio/wav"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(audio.Data)
}

// handleCommandStream runs the pipeline and replays the response text as
// server-sent stream_chunk events, terminated by a stream_complete. The
// pipeline itself runs to completion first; the text is packed into chunks
// of at most 160 bytes, cut at the last sentence end (or space) that fits,
// so a voice client can begin synthesis before the final chunk lands.
func (s *Server) handleCommandStream(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "user_id and command are required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.composer == nil {
		s.writeError(w, http.StatusNotImplemented, "streaming not configured")
		return
	}

	response := s.orchestrator.Process(r.Context(), pipeline.Request{
		UserID:  req.UserID,
		Command: req.Command,
		Channel: pipeline.ChannelText,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	chunks := make(chan string)
	go func() {
		defer close(chunks)
		for _, chunk := range pipeline.SplitForSynthesis(response.Text, 160) {
			select {
			case chunks <- chunk:
			case <-r.Context().Done():
				return
			}
		}
	}()

	for chunk := range s.composer.ComposeStream(r.Context(), chunks, pipeline.ChannelText) {
		payload, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

type confirmRequest struct {
	UserID    string            `json:"user_id"`
	Plan      domain.ActionPlan `json:"plan"`
	Confirmed bool              `json:"confirmed"`
}

type confirmResponse struct {
	Success bool                  `json:"success"`
	Message string                `json:"message"`
	Results []domain.ActionResult `json:"results,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	response := s.orchestrator.ProcessConfirmation(r.Context(), req.UserID, req.Plan, req.Confirmed, pipeline.ChannelText)

	out := confirmResponse{Success: true, Message: response.Text}
	if response.Execution != nil {
		out.Success = response.Execution.Success
		out.Results = response.Execution.Results
	}

	status := "success"
	if !out.Success {
		status = "error"
	}
	s.metrics.CommandsTotal.WithLabelValues(req.Plan.Intent+"_confirm", status).Inc()
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.home.GetContext(r.Context())
	if err != nil {
		s.logger.Error("context fetch failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"config":             snapshot.Config,
		"total_entities":     snapshot.TotalEntities,
		"areas":              snapshot.Areas,
		"entities_by_domain": snapshot.EntitiesByDomain,
	})
}

type searchRequest struct {
	Query       string `json:"query"`
	RecencyDays *int   `json:"recency_days,omitempty"`
	Category    string `json:"category,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 5
	}

	start := time.Now()
	result, err := s.searcher.Search(r.Context(), req.Query, req.Category, req.RecencyDays, "", req.MaxResults)
	if err != nil {
		s.metrics.SearchesTotal.WithLabelValues("unknown", "error").Inc()
		s.logger.Error("search failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.SearchesTotal.WithLabelValues(result.Category, "success").Inc()
	s.logger.Info("search completed", "category", result.Category, "duration_ms", time.Since(start).Milliseconds())

	s.writeJSON(w, http.StatusOK, map[string]any{
		"answer":   result.Answer,
		"sources":  result.Sources,
		"category": result.Category,
		"recency":  result.Recency,
		"metadata": result.Policy,
	})
}

func (s *Server) handleHabrSearch(w http.ResponseWriter, r *http.Request) {
	if s.habrLimiter != nil {
		if allowed, wait := s.habrLimiter.Check("habr_scrape"); !allowed {
			s.rateLimited(w, &errs.RateLimited{Name: "habr_scrape", Wait: wait})
			return
		}
	}

	query := r.URL.Query().Get("query")
	tags := splitComma(r.URL.Query().Get("tags"))
	hubs := splitComma(r.URL.Query().Get("hubs"))
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}

	articles, err := s.habr.Search(r.Context(), query, tags, hubs, days, limit)
	if err != nil {
		s.metrics.HabrSearchesTotal.WithLabelValues("error").Inc()
		s.logger.Error("habr search failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.HabrSearchesTotal.WithLabelValues("success").Inc()
	if articles == nil {
		articles = []domain.Article{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"articles": articles,
		"count":    len(articles),
	})
}

type telegramSendRequest struct {
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

func (s *Server) handleTelegramSend(w http.ResponseWriter, r *http.Request) {
	var req telegramSendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ParseMode == "" {
		req.ParseMode = "Markdown"
	}

	callCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	success, err := s.telegram.SendMessage(callCtx, req.Text, req.ParseMode, false)
	if err != nil {
		s.metrics.TelegramTotal.WithLabelValues("error").Inc()
		s.logger.Error("telegram send failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.TelegramTotal.WithLabelValues("success").Inc()
	s.writeJSON(w, http.StatusOK, map[string]any{"success": success})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"database":      true,
		"pipeline":      true,
		"memory":        true,
		"homeassistant": true,
	}

	if s.db != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		checks["database"] = s.db.PingContext(pingCtx) == nil
		cancel()
	}
	checks["memory"] = checks["database"]

	for _, status := range s.orchestrator.HealthCheck() {
		if status != "healthy" {
			checks["pipeline"] = false
		}
	}

	haCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	if _, err := s.home.GetContext(haCtx); err != nil {
		checks["homeassistant"] = false
	}
	cancel()

	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}

	if healthy {
		s.metrics.SystemHealthy.Set(1)
	} else {
		s.metrics.SystemHealthy.Set(0)
	}
	if checks["database"] {
		s.metrics.DatabaseHealthy.Set(1)
	} else {
		s.metrics.DatabaseHealthy.Set(0)
	}
	if s.sessionCount != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessionCount()))
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": Version,
		"checks":  checks,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}

func (s *Server) rateLimited(w http.ResponseWriter, err *errs.RateLimited) {
	s.metrics.RateLimited.WithLabelValues(err.Name).Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(err.Wait.Seconds())+1))
	s.writeError(w, http.StatusTooManyRequests, err.Error())
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
