package model

import "time"

type IdempotencyRecord struct {
	Status     int       `json:"status"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
	Processing bool      `json:"processing"` // 正在处理中，用于防止并发竞争
	// Fingerprint hashes method, path and body; a key reused for a different
	// payload is refused instead of replayed.
	Fingerprint string `json:"fingerprint"`
}
