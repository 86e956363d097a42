package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opspulse-backend/internal/bus"
	"opspulse-backend/internal/config"
	"opspulse-backend/internal/dispatch"
	"opspulse-backend/internal/event"
	"opspulse-backend/internal/heal"
	"opspulse-backend/internal/rules"
	"opspulse-backend/internal/storage"
	"opspulse-backend/internal/ws"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Handler struct {
	Repo       *storage.Repository
	Publisher  *event.Publisher
	Dispatcher *dispatch.Dispatcher
	Rules      *rules.Engine
	Heal       *heal.Engine
	Bus        *bus.Bus
	Hub        *ws.Hub
	Cfg        func() *config.Config
	Log        *slog.Logger
	Timeout    time.Duration
}

type errorResponse struct {
	Ok      bool   `json:"ok"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(Identity)
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.handleEventPublish)
		r.Get("/", h.handleEventQuery)
		r.Get("/stats", h.handleEventStats)
		r.Get("/stream", h.handleEventStream)
	})
	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleRuleList)
		r.Get("/{id}", h.handleRuleGet)
		r.Post("/", h.requireRole(RoleOperator, h.handleRuleCreate))
		r.Put("/{id}", h.requireRole(RoleOperator, h.handleRuleUpdate))
		r.Delete("/{id}", h.requireRole(RoleOperator, h.handleRuleDelete))
		r.Post("/{id}/enable", h.requireRole(RoleOperator, h.handleRuleEnable))
		r.Post("/{id}/disable", h.requireRole(RoleOperator, h.handleRuleDisable))
		r.Post("/{id}/evaluate", h.requireRole(RoleOperator, h.handleRuleEvaluate))
	})
	r.Route("/deliveries", func(r chi.Router) {
		r.Get("/", h.handleDeliveryList)
		r.Get("/{id}", h.handleDeliveryGet)
		r.Post("/{id}/replay", h.requireRole(RoleOperator, h.handleDeliveryReplay))
		r.Post("/replay", h.requireRole(RoleOperator, h.handleDeliveryBulkReplay))
	})
	r.Route("/heal", func(r chi.Router) {
		r.Post("/run", h.requireRole(RoleAdmin, h.handleHealRun))
		r.Get("/actions", h.requireRole(RoleAdmin, h.handleHealActions))
		r.Get("/actions/last", h.requireRole(RoleAdmin, h.handleHealLastAction))
		r.Post("/cooldowns/clear", h.requireRole(RoleAdmin, h.handleHealCooldownClear))
		r.Get("/config", h.requireRole(RoleAdmin, h.handleHealConfig))
	})
	r.Get("/audit", h.requireRole(RoleOperator, h.handleAuditQuery))
}

// Caller is the identity the platform gateway resolved for this request.
// Role checking itself happens upstream; we only honor the result.
type Caller struct {
	ID    string
	Roles []string
}

// HasRole reports whether the caller carries the role. Admin passes every
// check.
func (c Caller) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

type contextKey string

const callerKey contextKey = "caller"

func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := Caller{ID: r.Header.Get("X-Caller-Id")}
		if roles := r.Header.Get("X-Caller-Roles"); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				caller.Roles = append(caller.Roles, strings.TrimSpace(role))
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

func CallerFrom(ctx context.Context) Caller {
	caller, _ := ctx.Value(callerKey).(Caller)
	return caller
}

func (h *Handler) requireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !CallerFrom(r.Context()).HasRole(role) {
			writeJSON(w, http.StatusForbidden, map[string]any{"ok": false, "message": "requires " + role + " role"})
			return
		}
		next(w, r)
	}
}

// audit records a mutating call. Best-effort: a failed audit write is logged,
// the mutation itself already happened.
func (h *Handler) audit(ctx context.Context, caller Caller, action, entity, entityID string, detail map[string]any) {
	data, err := json.Marshal(detail)
	if err != nil {
		data = []byte(`{}`)
	}
	rec := storage.AuditRecord{
		Actor:    caller.ID,
		Role:     strings.Join(caller.Roles, ","),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Detail:   data,
	}
	if err := h.Repo.InsertAudit(ctx, rec); err != nil {
		h.Log.Error("audit write failed", "action", action, "entity_id", entityID, "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, fallback int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}

func queryTime(r *http.Request, key string) (time.Time, bool, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}
