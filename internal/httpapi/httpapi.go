// Package httpapi implements the session lifecycle HTTP surface (spec
// §4.6): mint, interrupt, history, health, the WS upgrade route, and the
// supplemental legacy single-turn respond route. Grounded on
// internal/handler/router.go + internal/handler/speech/handler.go's
// chi.Router route-registration style.
package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nsxzhou/realtime-voice-gateway/internal/config"
	"github.com/nsxzhou/realtime-voice-gateway/internal/journal"
	"github.com/nsxzhou/realtime-voice-gateway/internal/legacy"
	"github.com/nsxzhou/realtime-voice-gateway/internal/relay"
	"github.com/nsxzhou/realtime-voice-gateway/internal/session"
	"github.com/nsxzhou/realtime-voice-gateway/pkg/respond"
)

// sessionExpiry is the advisory-only lifetime reported by POST /session.
const sessionExpiry = 30 * time.Minute

// Handler wires the registry, journal, relay, operator defaults, and
// optional legacy chat pipeline into the HTTP surface.
type Handler struct {
	registry *session.Registry
	journal  *journal.Journal
	relay    *relay.Relay
	defaults config.SessionDefaults
	legacy   *legacy.Service
}

// New builds the HTTP handler set. legacySvc may be nil when the legacy
// chat model is not configured; POST /legacy/respond then returns 503.
func New(registry *session.Registry, j *journal.Journal, rl *relay.Relay, defaults config.SessionDefaults, legacySvc *legacy.Service) *Handler {
	return &Handler{registry: registry, journal: j, relay: rl, defaults: defaults, legacy: legacySvc}
}

// Router assembles the chi router (spec §4.6, §6).
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/session", h.mintSession)
	r.Post("/interrupt", h.interrupt)
	r.Post("/legacy/respond", h.legacyRespond)
	r.Get("/history", h.listHistory)
	r.Get("/history/{id}", h.sessionHistory)
	r.Get("/health", h.health)
	r.Get("/ws", h.relay.HandleWS)

	return r
}

type sessionConfigRequest struct {
	BotName            string `json:"botName,omitempty"`
	SystemRole         string `json:"systemRole,omitempty"`
	SpeakingStyle      string `json:"speakingStyle,omitempty"`
	Speaker            string `json:"speaker,omitempty"`
	City               string `json:"city,omitempty"`
	RecvTimeoutSeconds int    `json:"recvTimeoutSeconds,omitempty"`
	InputModality      string `json:"inputModality,omitempty"`
	OutputAudioFormat  string `json:"outputAudioFormat,omitempty"`
	OutputSampleRate   int    `json:"outputSampleRate,omitempty"`
}

func (h *Handler) mintSession(w http.ResponseWriter, r *http.Request) {
	var req sessionConfigRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Error(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	cfg := h.resolveConfig(req)
	id := uuid.NewString()
	h.registry.Create(id, cfg)
	h.journal.Append(id, "session_opened", map[string]any{"source": "api", "config": req})

	respond.JSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"wsPath":    "/ws?sessionId=" + url.QueryEscape(id),
		"expiresAt": time.Now().UTC().Add(sessionExpiry).Format(time.RFC3339),
	})
}

func (h *Handler) resolveConfig(req sessionConfigRequest) session.Config {
	cfg := session.ConfigFromDefaults(h.defaults)
	if req.BotName != "" {
		cfg.BotName = req.BotName
	}
	if req.SystemRole != "" {
		cfg.SystemRole = req.SystemRole
	}
	if req.SpeakingStyle != "" {
		cfg.SpeakingStyle = req.SpeakingStyle
	}
	if req.Speaker != "" {
		cfg.Speaker = req.Speaker
	}
	if req.City != "" {
		cfg.City = req.City
	}
	if req.RecvTimeoutSeconds != 0 {
		cfg.RecvTimeoutSeconds = req.RecvTimeoutSeconds
	}
	if req.InputModality != "" {
		cfg.InputModality = req.InputModality
	}
	if req.OutputAudioFormat != "" {
		cfg.OutputAudioFormat = req.OutputAudioFormat
	}
	if req.OutputSampleRate != 0 {
		cfg.OutputSampleRate = req.OutputSampleRate
	}
	return cfg
}

type interruptRequest struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) interrupt(w http.ResponseWriter, r *http.Request) {
	var req interruptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_json")
		return
	}

	sess, err := h.registry.Get(req.SessionID)
	if err != nil {
		respond.JSON(w, http.StatusOK, map[string]any{"ok": true, "interrupted": false})
		return
	}

	client := sess.Upstream()
	if client == nil {
		respond.JSON(w, http.StatusOK, map[string]any{"ok": true, "interrupted": false})
		return
	}

	sess.SetState(session.StateInterrupting)
	if err := client.RestartSession(r.Context()); err != nil {
		sess.SetState(session.StateReady)
		respond.Error(w, http.StatusInternalServerError, "interrupt_failed")
		return
	}
	sess.SetState(session.StateReady)

	h.journal.Append(sess.ID, "session_interrupted", map[string]any{"source": "api"})
	_ = sess.WriteJSON(map[string]any{
		"type":    "server.event",
		"event":   450,
		"payload": map[string]any{"source": "interrupt_api"},
	})

	respond.JSON(w, http.StatusOK, map[string]any{"ok": true, "interrupted": true})
}

type legacyRespondRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

func (h *Handler) legacyRespond(w http.ResponseWriter, r *http.Request) {
	if h.legacy == nil {
		respond.Error(w, http.StatusServiceUnavailable, "legacy_model_not_configured")
		return
	}

	var req legacyRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid_json")
		return
	}

	sess, err := h.registry.Get(req.SessionID)
	if err != nil {
		respond.Error(w, http.StatusNotFound, "session_not_found")
		return
	}

	reply, err := h.legacy.Respond(r.Context(), sess, req.Text)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "legacy_respond_failed")
		return
	}

	respond.JSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "text": reply})
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	metas, err := h.journal.List()
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "history_unavailable")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

func (h *Handler) sessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.journal.Events(id)
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, "history_unavailable")
		return
	}
	if len(events) == 0 {
		respond.Error(w, http.StatusNotFound, "session_not_found")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"sessionId": id, "events": events})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]any{"ok": true, "now": time.Now().UTC().Format(time.RFC3339)})
}
