package audit

import (
	"context"
	"errors"
	"strings"

	"hkit.org/internal/auth"
	"hkit.org/internal/cache"
	"hkit.org/internal/domain"
	"hkit.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	clientIPKey  ctxKey = "audit_client_ip"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientIP records the caller address persisted with audit trail entries.
func WithClientIP(ctx context.Context, ip string) context.Context {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromContext returns the caller address recorded by WithClientIP.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	e := obs.Logger().Info().Str("type", "audit").Str("event", event)
	if rid := RequestIDFromContext(ctx); rid != "" {
		e = e.Str("request_id", rid)
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e = e.Str("user_id", userID)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Send()
	return nil
}

// Trail persists console actions as audit log rows and mirrors them to the log.
type Trail struct {
	store interface {
		AppendAuditLog(ctx context.Context, entry domain.AuditLog) (domain.AuditLog, error)
	}
	cache cache.Cache
}

type TrailOption func(*Trail)

// WithCache drops cached audit log lists whenever a row is appended.
func WithCache(c cache.Cache) TrailOption {
	return func(t *Trail) { t.cache = c }
}

func NewTrail(store domain.AuditLogStore, opts ...TrailOption) *Trail {
	t := &Trail{store: store}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record stores an entry for actor. Failures are logged only; an audit write
// never fails the action it describes.
func (t *Trail) Record(ctx context.Context, actor auth.Session, action, resource string, actionErr error, facilityID *int64) {
	status := "success"
	if actionErr != nil {
		status = "failed"
	}
	user := "anonymous"
	if actor.Authenticated() {
		user = actor.Identity.Email
	}
	fields := map[string]any{"resource": resource, "status": status, "user": user}
	if actionErr != nil {
		fields["error"] = actionErr.Error()
	}
	_ = LogEvent(ctx, action, fields)
	if t == nil || t.store == nil {
		return
	}
	entry := domain.AuditLog{
		User:       user,
		Action:     action,
		Resource:   resource,
		IP:         ClientIPFromContext(ctx),
		Status:     status,
		FacilityID: facilityID,
		ActorKind:  domain.ActorUser,
	}
	if _, err := t.store.AppendAuditLog(ctx, entry); err != nil {
		obs.Logger().Warn().Err(err).Str("action", action).Msg("audit trail write failed")
		return
	}
	cache.Invalidate(ctx, t.cache, cache.KindAuditLogs)
}
