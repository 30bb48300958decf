package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if exists; (nil,false) if newly locked by caller.
	GetOrLock(key, fingerprint string) (*model.IdempotencyRecord, bool)
	Save(key, fingerprint string, status int, body []byte)
	Unlock(key string)
}

// InMemIdempotencyStore backs single-node deployments without redis.
type InMemIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*model.IdempotencyRecord // Key: ActorID + ":" + IdempotencyKey
}

func NewInMemIdempotencyStore(ttl time.Duration) *InMemIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemIdempotencyStore{
		ttl:     ttl,
		records: make(map[string]*model.IdempotencyRecord),
	}
}

// GetOrLock 尝试获取记录。如果不存在，则锁定并返回 nil（表示你是第一个）。
// 如果正在处理，返回 Processing=true。如果已完成，返回完整记录。
func (s *InMemIdempotencyStore) GetOrLock(key, fingerprint string) (*model.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if rec, ok := s.records[key]; ok && now.Sub(rec.CreatedAt) < s.ttl {
		return rec, true
	}

	s.records[key] = &model.IdempotencyRecord{
		Processing:  true,
		Fingerprint: fingerprint,
		CreatedAt:   now,
	}
	return nil, false
}

func (s *InMemIdempotencyStore) Save(key, fingerprint string, status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &model.IdempotencyRecord{
		Status:      status,
		Body:        body,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
	}
}

func (s *InMemIdempotencyStore) Unlock(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// IdempotencyMiddleware replays the stored response for a repeated
// X-Idempotency-Key from the same actor.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. 检查 Header
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" {
			c.Next()
			return
		}

		// 2. 获取操作人 (确保在 Auth 之后)
		actor, ok := ActorFrom(c)
		if !ok {
			c.Next()
			return
		}
		fullKey := actor.ID + ":" + idemKey
		fp, err := requestFingerprint(c)
		if err != nil {
			c.Error(apperrors.WithReasonCause(apperrors.ErrValidation, "invalid_body", "request body could not be read", err))
			c.Abort()
			return
		}

		// 3. 检查存储
		record, hit := store.GetOrLock(fullKey, fp)
		if hit {
			if record.Processing {
				c.Error(apperrors.WithReason(apperrors.ErrConflict, "request_in_progress", "a request with this idempotency key is in progress"))
				c.Abort()
				return
			}
			if record.Fingerprint != fp {
				c.Error(apperrors.WithReason(apperrors.ErrConflict, "idempotency_key_reused", "idempotency key was used for a different request"))
				c.Abort()
				return
			}
			c.Header("Idempotent-Replay", "true")
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		// 4. 捕获响应
		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 5. 服务器内部错误允许重试，所以解锁但不保存结果
		// errors are rendered later by ErrorHandler, so nothing was captured for them
		if !c.Writer.Written() {
			store.Unlock(fullKey)
			return
		}
		if c.Writer.Status() < 500 {
			store.Save(fullKey, fp, c.Writer.Status(), w.body)
		} else {
			store.Unlock(fullKey)
		}
	}
}

// requestFingerprint hashes method, path and body, restoring the body for binding.
func requestFingerprint(c *gin.Context) (string, error) {
	var body []byte
	if c.Request.Body != nil {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			return "", err
		}
		body = raw
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	}
	h := sha256.New()
	h.Write([]byte(c.Request.Method + " " + c.Request.URL.Path + "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
