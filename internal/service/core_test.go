package service

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/GoPolymarket/polyvault/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_FiltersByWallet(t *testing.T) {
	hub := NewEventHub()
	all, cancelAll := hub.Subscribe("", 4)
	one, cancelOne := hub.Subscribe("w1", 4)
	assert.Equal(t, 2, hub.Subscribers())

	hub.Publish(model.Event{Type: model.EventWalletFrozen, WalletID: "w1"})
	hub.Publish(model.Event{Type: model.EventWalletFrozen, WalletID: "w2"})

	assert.Len(t, all, 2)
	require.Len(t, one, 1)
	assert.Equal(t, "w1", (<-one).WalletID)

	cancelOne()
	cancelOne()
	_, open := <-one
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())
	cancelAll()
	assert.Zero(t, hub.Subscribers())
}

func TestEventHub_DropsWhenFull(t *testing.T) {
	hub := NewEventHub()
	ch, cancel := hub.Subscribe("", 1)
	defer cancel()

	hub.Publish(model.Event{Type: model.EventRequestSubmitted, RequestID: "a"})
	hub.Publish(model.Event{Type: model.EventRequestSubmitted, RequestID: "b"})
	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).RequestID)

	var nilHub *EventHub
	assert.NotPanics(t, func() { nilHub.Publish(model.Event{}) })
}

func TestLockSet_SerializesAndCleansUp(t *testing.T) {
	s := newLockSet()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("wallet:a")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, s.locks)

	// distinct keys never block each other
	a := s.Lock("x")
	b := s.Lock("y")
	b()
	a()
}

func TestAuditService_BufferAndFile(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewAuditService(dir, nil)
	require.NoError(t, err)

	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for i, action := range []string{model.ActionWalletCreated, model.ActionSignerAdded, model.ActionWalletFrozen} {
		svc.Log(model.AuditEntry{WalletID: "w1", Actor: "ops", Action: action, Success: true, Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	svc.Log(model.AuditEntry{WalletID: "w2", Actor: "ops", Action: model.ActionWalletCreated})

	entries, err := svc.List(t.Context(), repository.AuditFilter{WalletID: "w1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, model.ActionWalletFrozen, entries[0].Action)
	assert.NotEmpty(t, entries[0].ID)

	from := base.Add(30 * time.Second)
	entries, err = svc.List(t.Context(), repository.AuditFilter{WalletID: "w1", From: &from, Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ActionWalletFrozen, entries[0].Action)

	svc.Close()
	svc.Close()
	// logging after close keeps the buffer but skips persistence
	svc.Log(model.AuditEntry{WalletID: "w3", Action: model.ActionWalletCreated})

	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e model.AuditEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 4, lines)
}

func TestAuditBuffer_Wraps(t *testing.T) {
	b := newAuditBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(&model.AuditEntry{ID: string(rune('a' + i))})
	}
	var ids []string
	for _, e := range b.List(repository.AuditFilter{}) {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"e", "d", "c"}, ids)
}
