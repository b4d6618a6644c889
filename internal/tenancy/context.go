package tenancy

import "context"

type ctxKey string

const (
	tenantKey      ctxKey = "textback.tenant_id"
	correlationKey ctxKey = "textback.correlation_id"
)

// WithTenantID stores the tenant id in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantIDFromContext extracts the tenant id if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(tenantKey)
	if val == nil {
		return "", false
	}
	tenantID, ok := val.(string)
	return tenantID, ok && tenantID != ""
}

// WithCorrelationID stores the correlation id tying one caller interaction together.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// CorrelationIDFromContext extracts the correlation id if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(correlationKey)
	if val == nil {
		return "", false
	}
	correlationID, ok := val.(string)
	return correlationID, ok && correlationID != ""
}

// CorrelationID returns the correlation id, or the empty string when the
// context carries none. Convenient for call sites that treat absence as
// "uncorrelated".
func CorrelationID(ctx context.Context) string {
	id, _ := CorrelationIDFromContext(ctx)
	return id
}
