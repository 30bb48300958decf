package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/pkg/logger"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/google/uuid"
)

// AuditService is the global append-only audit log. Entries land in a ring buffer
// synchronously and are persisted asynchronously to the repo and JSONL file.
type AuditService struct {
	logChan chan *model.AuditEntry
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type AuditRepo interface {
	Insert(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditEntry, error)
	Count(ctx context.Context, f repository.AuditFilter) (int, error)
}

// NewAuditService starts the writer goroutine. logDir may be empty to skip the file sink.
func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	var f *os.File
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, err
		}
		// 简单的按日轮转文件
		filename := filepath.Join(logDir, "audit-"+time.Now().Format("2006-01-02")+".jsonl")
		var err error
		f, err = os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
	}

	svc := &AuditService{
		logChan: make(chan *model.AuditEntry, 1000), // 缓冲区 1000
		logFile: f,
		buffer:  newAuditBuffer(5000),
		repo:    repo,
	}

	svc.wg.Add(1)
	go svc.processLogs()

	return svc, nil
}

func (s *AuditService) Log(entry model.AuditEntry) {
	if s == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	e := entry.Clone()
	s.buffer.Add(&e)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.logChan <- &e:
	default:
		// 缓冲区满，丢弃持久化以保护主流程; the ring buffer still has it
		logger.Warn("audit log channel full, dropping persistence", "action", e.Action, "wallet_id", e.WalletID)
	}
}

func (s *AuditService) List(ctx context.Context, f repository.AuditFilter) ([]*model.AuditEntry, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, f)
		if err == nil {
			return records, nil
		}
		logger.Warn("audit repo list failed, serving from buffer", "error", err)
	}
	return s.buffer.List(f), nil
}

// Count returns how many entries match f; unlike List it is not paged.
func (s *AuditService) Count(ctx context.Context, f repository.AuditFilter) (int, error) {
	if s.repo != nil {
		n, err := s.repo.Count(ctx, f)
		if err == nil {
			return n, nil
		}
		logger.Warn("audit repo count failed, counting the buffer", "error", err)
	}
	return s.buffer.Count(f), nil
}

func (s *AuditService) processLogs() {
	defer s.wg.Done()
	var encoder *json.Encoder
	if s.logFile != nil {
		encoder = json.NewEncoder(s.logFile)
	}
	for entry := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), entry); err != nil {
				logger.Error("failed to write audit entry to repo", "error", err, "id", entry.ID)
			}
		}
		if encoder != nil {
			if err := encoder.Encode(entry); err != nil {
				logger.Error("failed to write audit entry to file", "error", err, "id", entry.ID)
			}
		}
	}
}

// Close drains pending entries and closes the file sink.
func (s *AuditService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.logChan)
	s.mu.Unlock()

	s.wg.Wait()
	if s.logFile != nil {
		s.logFile.Close()
	}
}

type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditEntry
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditEntry, 0, maxSize),
	}
}

func (b *auditBuffer) Add(entry *model.AuditEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, entry)
		return
	}
	b.records[b.nextIndex] = entry
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

// List returns matching entries newest first.
func (b *auditBuffer) List(f repository.AuditFilter) []*model.AuditEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	limit := f.NormalizedLimit()
	results := make([]*model.AuditEntry, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		entry := b.records[idx]
		if entry == nil || !f.Match(entry) {
			continue
		}
		cp := entry.Clone()
		results = append(results, &cp)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (b *auditBuffer) Count(f repository.AuditFilter) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, entry := range b.records {
		if entry != nil && f.Match(entry) {
			n++
		}
	}
	return n
}
