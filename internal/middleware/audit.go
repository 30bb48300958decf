package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyvault/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ContextAuditLog = "audit_log"

// maxAuditBody caps each captured body.
const maxAuditBody = 4 << 10

// bodyLogWriter 包装 ResponseWriter 以捕获响应体
type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyLogWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// AuditMiddleware writes one http.request entry per call to the global audit log.
func AuditMiddleware(auditSvc *service.AuditService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.New().String()
		c.Header("X-Request-ID", reqID)

		// reads only carry ids in the path; bodies are kept for mutations
		capture := c.Request.Method != http.MethodGet

		// 1. 读取请求体 (并写回以便后续 Bind 使用)
		var reqBodyBytes []byte
		if capture && c.Request.Body != nil {
			reqBodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(reqBodyBytes))
		}

		// 2. 初始化审计上下文, handlers may add business fields
		auditCtx := map[string]any{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
		}
		c.Set(ContextAuditLog, auditCtx)

		// 3. 包装 ResponseWriter 以捕获响应
		blw := &bodyLogWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		if capture {
			c.Writer = blw
		}

		c.Next()

		// 4. 填充剩余信息 (在请求结束后)
		entry := model.AuditEntry{
			ID:        reqID,
			Action:    model.ActionHTTPRequest,
			Timestamp: start.UTC(),
			Context:   auditCtx,
		}
		if actor, ok := ActorFrom(c); ok {
			entry.Actor = actor.ID
		}
		if strings.HasPrefix(c.FullPath(), "/v1/wallets/:id") {
			entry.WalletID = c.Param("id")
		}
		if strings.HasPrefix(c.FullPath(), "/v1/withdrawals/:id") {
			entry.RequestID = c.Param("id")
		}
		status := c.Writer.Status()
		if len(c.Errors) > 0 {
			appErr := apperrors.Wrap(c.Errors.Last().Err)
			entry.ReasonCode = appErr.Reason
			status = appErr.HTTPStatus
		}
		entry.Success = status < 400
		entry.Details = fmt.Sprintf("%s %s -> %d", c.Request.Method, c.Request.URL.Path, status)

		auditCtx["status"] = status
		auditCtx["latency_ms"] = time.Since(start).Milliseconds()
		if body := redactAuditBody(c.Request.URL.Path, reqBodyBytes); body != "" {
			auditCtx["request_body"] = body
		}
		if body := redactAuditBody(c.Request.URL.Path, blw.body.Bytes()); body != "" {
			auditCtx["response_body"] = body
		}

		// 5. 异步发送日志
		auditSvc.Log(entry)
	}
}

// AddAuditContext 辅助函数：允许 Handler 向审计日志添加业务上下文
func AddAuditContext(c *gin.Context, key string, value any) {
	if val, exists := c.Get(ContextAuditLog); exists {
		if ctx, ok := val.(map[string]any); ok {
			ctx[key] = value
		}
	}
}

func redactAuditBody(path string, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	out := string(body)
	if isSensitivePath(path) {
		redacted, ok := redactJSON(body)
		if !ok {
			return "[redacted]"
		}
		out = string(redacted)
	}
	if len(out) > maxAuditBody {
		out = out[:maxAuditBody] + "...(truncated)"
	}
	return out
}

func isSensitivePath(path string) bool {
	switch {
	case strings.HasPrefix(path, "/v1/withdrawals"):
		return true
	case strings.HasPrefix(path, "/v1/signers"):
		return true
	case strings.HasPrefix(path, "/v1/wallets"):
		return true
	default:
		return false
	}
}

func redactJSON(body []byte) ([]byte, bool) {
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false
	}
	redactValue(&data)
	out, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func redactValue(v *any) {
	switch raw := (*v).(type) {
	case map[string]any:
		for key, val := range raw {
			if isSensitiveKey(key) {
				raw[key] = "***"
				continue
			}
			vv := val
			redactValue(&vv)
			raw[key] = vv
		}
	case []any:
		for i, val := range raw {
			vv := val
			redactValue(&vv)
			raw[i] = vv
		}
	}
}

func isSensitiveKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "api_key",
		"private_key",
		"signature",
		"signatures",
		"sig",
		"admin_key",
		"secret",
		"password":
		return true
	default:
		return false
	}
}
