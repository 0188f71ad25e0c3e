package context

import "context"

type ContextKey string

var (
	RequestIDKey   = ContextKey("X-Request-Id")
	TenantIDKey    = ContextKey("X-Tenant-Id")
	UserIDKey      = ContextKey("X-User-Id")
	IntegrationKey = ContextKey("X-Integration")
	EnvironmentKey = ContextKey("X-Environment")
	JobIDKey       = ContextKey("X-Job-Id")
)

func getString(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

func GetTenantID(ctx context.Context) string {
	return getString(ctx, TenantIDKey)
}

func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	return getString(ctx, UserIDKey)
}

// SetCheck tags the context with the integration and environment being checked
func SetCheck(ctx context.Context, integration, environment string) context.Context {
	ctx = context.WithValue(ctx, IntegrationKey, integration)
	return context.WithValue(ctx, EnvironmentKey, environment)
}

func GetIntegration(ctx context.Context) string {
	return getString(ctx, IntegrationKey)
}

func GetEnvironment(ctx context.Context) string {
	return getString(ctx, EnvironmentKey)
}

func SetJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

func GetJobID(ctx context.Context) string {
	return getString(ctx, JobIDKey)
}

// Fields returns the identifiers carried by the context as log fields
func Fields(ctx context.Context) map[string]any {
	fields := map[string]any{}
	for name, key := range map[string]ContextKey{
		"request_id":  RequestIDKey,
		"tenant_id":   TenantIDKey,
		"integration": IntegrationKey,
		"environment": EnvironmentKey,
		"job_id":      JobIDKey,
	} {
		if v := getString(ctx, key); v != "" {
			fields[name] = v
		}
	}
	return fields
}
