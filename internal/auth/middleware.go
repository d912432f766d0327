package auth

import (
	"net/http"
	"time"

	xerrors "Oracle-Relay/internal/errors"
	loggerpkg "Oracle-Relay/pkg/logger"
)

// MiddlewareConfig 配置签名认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredRoles 是访问该路由所需的角色。
	RequiredRoles []Role
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于校验签名与角色。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := s.audit
			if logger == nil {
				logger = loggerpkg.Audit()
			}
			subject, err := s.AuthenticateRequest(r.Context(), r)
			if err == nil {
				err = subject.Authorize(cfg.RequiredRoles...)
			}
			if err != nil {
				status := xerrors.AttributesOf(xerrors.CodeOf(err)).HTTPStatus
				if status == 0 {
					status = http.StatusUnauthorized
				}
				writeError(w, status, err)
				attrs := []any{
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				}
				if subject != nil {
					attrs = append(attrs, "signer", subject.Address.Hex())
				}
				logger.Warn("access_denied", attrs...)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"signer", subject.Address.Hex(),
			)
		})
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	code := xerrors.CodeOf(err)
	_, _ = w.Write([]byte(`{"code":"` + string(code) + `","message":"` + http.StatusText(status) + `"}`))
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
