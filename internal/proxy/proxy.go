// Package proxy implements the OpenAI-compatible front door: it analyzes
// each chat request, blocks or hardens it, forwards to the upstream LLM,
// and records the outcome.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"promptguard/internal/alert"
	"promptguard/internal/config"
	"promptguard/internal/dashboard"
	"promptguard/internal/harden"
	"promptguard/internal/redaction"
	"promptguard/internal/storage"
	"promptguard/internal/telemetry"
	"promptguard/internal/threat"
)

const blockedContent = "🛡️ Blocked by PromptGuard."

// maxStoredText caps how much user/assistant text is kept per event.
const maxStoredText = 2000

// Proxy handles the client-facing HTTP surface.
type Proxy struct {
	config    *config.Config
	engine    *threat.Engine
	hardener  *harden.Hardener
	feed      *dashboard.Feed
	upstream  *UpstreamClient
	telemetry *telemetry.Provider
	redactor  redaction.Redactor
	store     *storage.SQLiteStore // nil when history storage is disabled
	alerts    *alert.Publisher     // nil when alerts are disabled
	mux       *http.ServeMux
}

// New creates a proxy handler. Telemetry may be nil; a noop provider is
// substituted.
func New(cfg *config.Config, engine *threat.Engine, hardener *harden.Hardener, feed *dashboard.Feed, tp *telemetry.Provider) *Proxy {
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	p := &Proxy{
		config:    cfg,
		engine:    engine,
		hardener:  hardener,
		feed:      feed,
		upstream:  NewUpstreamClient(cfg.Upstream.BaseURL, cfg.Upstream.Model),
		telemetry: tp,
		redactor:  redaction.Noop{},
		mux:       http.NewServeMux(),
	}

	p.mux.HandleFunc("/v1/chat/completions", p.handleChatCompletions)
	p.mux.HandleFunc("/v1/models", p.handleModels)
	p.mux.HandleFunc("/health", p.handleHealth)

	return p
}

// SetStorage enables persistent verdict history.
func (p *Proxy) SetStorage(s *storage.SQLiteStore) {
	p.store = s
}

// SetAlerts enables Redis alert publishing.
func (p *Proxy) SetAlerts(a *alert.Publisher) {
	p.alerts = a
}

// SetRedactor replaces the redactor applied to stored text.
func (p *Proxy) SetRedactor(r redaction.Redactor) {
	p.redactor = r
}

// ServeHTTP implements http.Handler
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers so browser dashboards can talk to us directly
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID")

	if r.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	p.mux.ServeHTTP(w, r)
}

// chatRequest is the subset of the OpenAI request body the proxy inspects.
// The full body is forwarded as a raw map so unknown fields survive.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []threat.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	User     string           `json:"user"`
}

// handleChatCompletions handles POST /v1/chat/completions
func (p *Proxy) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	apiKey := clientAPIKey(r)
	if apiKey == "" {
		apiKey = p.config.Upstream.APIKey
	}
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized,
			"No API key provided. Set Authorization header or configure upstream.api_key.")
		return
	}

	sessionID := p.sessionID(r, req)

	ctx, span := p.telemetry.StartRequestSpan(r.Context(), sessionID, r.Method, r.URL.Path)

	res := p.engine.Analyze(sessionID, req.Messages)
	p.telemetry.RecordVerdict(ctx, res)

	if p.alerts != nil {
		if err := p.alerts.Publish(ctx, res); err != nil {
			slog.Warn("alert publish failed", "session_id", sessionID, "error", err)
		}
	}

	userText := displayUserText(req.Messages)

	if res.Verdict == threat.VerdictBlock {
		slog.Info("request blocked",
			"session_id", sessionID,
			"score", res.Score,
			"stage", res.Stage,
			"reason", res.BlockReason,
		)

		p.recordEvent(ctx, sessionID, userText, res, "BLOCKED", 0, TokenUsage{})
		p.telemetry.EndRequestSpan(span, http.StatusOK, 0, 0, 0, nil)

		writeJSON(w, http.StatusOK, blockedCompletion())
		return
	}

	hardened := p.hardener.Harden(req.Messages, res)
	raw["messages"] = hardened

	upstreamStart := time.Now()
	respBody, err := p.upstream.Complete(ctx, raw, apiKey)
	callMs := time.Since(upstreamStart).Milliseconds()
	if err != nil {
		slog.Error("upstream request failed", "session_id", sessionID, "error", err)
		p.telemetry.EndRequestSpan(span, http.StatusBadGateway, callMs, 0, 0, err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Upstream LLM error: %v", err))
		return
	}

	aiText := extractResponseText(respBody)
	usage := ExtractTokenUsage(respBody)

	p.recordEvent(ctx, sessionID, userText, res, aiText, callMs, usage)
	p.telemetry.EndRequestSpan(span, http.StatusOK, callMs, usage.PromptTokens, usage.CompletionTokens, nil)

	slog.Debug("request proxied",
		"session_id", sessionID,
		"verdict", res.Verdict,
		"score", res.Score,
		"call_ms", callMs,
		"total_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBody); err != nil {
		slog.Warn("write failed", "error", err)
	}
}

// sessionID resolves the session identity: header first, then the OpenAI
// "user" field, then a shared default bucket.
func (p *Proxy) sessionID(r *http.Request, req chatRequest) string {
	if id := r.Header.Get(p.config.Session.Header); id != "" {
		return id
	}
	if req.User != "" {
		return req.User
	}
	return "default"
}

// clientAPIKey extracts the bearer token from the Authorization header.
func clientAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	auth = strings.TrimPrefix(auth, "Bearer ")
	return strings.TrimSpace(auth)
}

// displayUserText returns the newest user message content for the event
// feed. Structured content is flattened to its text parts.
func displayUserText(messages []threat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if s, ok := messages[i].Content.(string); ok {
			return s
		}
		return messages[i].Text()
	}
	return ""
}

// recordEvent pushes the analyzed request onto the dashboard feed and, when
// enabled, into persistent history. Stored text is redacted and truncated.
func (p *Proxy) recordEvent(ctx context.Context, sessionID, userText string, res threat.Result, aiText string, callMs int64, usage TokenUsage) {
	userText = clip(p.redactor.Redact(userText), maxStoredText)
	aiText = clip(p.redactor.Redact(aiText), maxStoredText)

	event := p.feed.Append(dashboard.Event{
		SessionID:   sessionID,
		UserMessage: userText,
		Threat:      res,
		AIResponse:  aiText,
		CallMs:      callMs,
	})

	if p.store == nil {
		return
	}
	record := storage.VerdictRecord{
		ID:             event.ID,
		Timestamp:      event.Timestamp,
		SessionID:      sessionID,
		Verdict:        string(res.Verdict),
		Score:          res.Score,
		Stage:          res.Stage,
		StageIndex:     res.StageIndex,
		TriggeredRules: res.TriggeredRules,
		BlockReason:    res.BlockReason,
		CreativeMode:   res.CreativeMode,
		UserMessage:    userText,
		AIResponse:     aiText,
		CallMs:         callMs,
		TokensIn:       usage.PromptTokens,
		TokensOut:      usage.CompletionTokens,
	}
	if err := p.store.SaveVerdict(ctx, record); err != nil {
		slog.Error("failed to persist verdict", "id", event.ID, "error", err)
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// blockedCompletion is the canned response returned in place of the
// upstream call when a request is blocked. The shape matches a normal
// chat completion so SDK clients keep working.
func blockedCompletion() map[string]any {
	return map[string]any{
		"id":      "chatcmpl-blocked",
		"object":  "chat.completion",
		"created": 0,
		"model":   "promptguard",
		"choices": []map[string]any{{
			"index": 0,
			"message": map[string]any{
				"role":    "assistant",
				"content": blockedContent,
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
}

// handleModels handles GET /v1/models. A static list keeps IDE clients
// happy when they probe the endpoint before sending completions.
func (p *Proxy) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "gpt-4o", "object": "model", "created": 1700000000, "owned_by": "promptguard"},
			{"id": "gpt-4-turbo", "object": "model", "created": 1700000000, "owned_by": "promptguard"},
			{"id": "gpt-3.5-turbo", "object": "model", "created": 1700000000, "owned_by": "promptguard"},
		},
	})
}

// handleHealth handles GET /health
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": "0.1.0",
		"events":  p.feed.Stats().Total,
	})
}

// writeError writes an OpenAI-style error body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "proxy_error",
			"code":    status,
		},
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
