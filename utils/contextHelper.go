package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/verify_backend/appctx"
)

var (
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyRole          = appctx.ContextKeyRole
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyClientHash    = appctx.ContextKeyClientHash
)

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserId)
}

func GetRoleFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetClientHashFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyClientHash)
}

// IsAdminInContext reports whether the caller's token carried the admin role.
func IsAdminInContext(ctx context.Context) bool {
	role, _ := GetRoleFromContext(ctx)
	return role == RoleAdmin
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetRoleInContext(ctx context.Context, role string) context.Context {
	return appctx.Set(ctx, ContextKeyRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetClientHashInContext(ctx context.Context, clientHash string) context.Context {
	return appctx.Set(ctx, ContextKeyClientHash, clientHash)
}
