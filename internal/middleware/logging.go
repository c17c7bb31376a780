// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"

	"keysync-service/internal/domain"
)

// 操作結果
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// OperationLog は鍵・アクセス操作のログ1件を表す。
type OperationLog struct {
	Operation     string
	PrincipalID   string
	ResourceClass domain.ResourceClass
	Version       uint64
	Result        string
}

// WriteOperationLog は操作ログを出力する。ハッシュチェーンの監査ログとは別に運用向けに残す。
func WriteOperationLog(ctx context.Context, l OperationLog) {
	attrs := []any{
		"operation", l.Operation,
		"principal_id", l.PrincipalID,
		"result", l.Result,
	}
	if l.ResourceClass != "" {
		attrs = append(attrs, "resource_class", string(l.ResourceClass))
	}
	if l.Version != 0 {
		attrs = append(attrs, "version", l.Version)
	}
	if l.Result == ResultFailed {
		slog.WarnContext(ctx, "operation failed", attrs...)
		return
	}
	slog.InfoContext(ctx, "operation completed", attrs...)
}
