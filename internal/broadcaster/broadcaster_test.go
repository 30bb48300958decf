package broadcaster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTransfer() model.Transfer {
	return model.Transfer{
		RequestID:   "req-1",
		WalletID:    "wallet-1",
		Asset:       "USDC",
		Amount:      model.NewAmount(100),
		Fee:         model.NewAmount(1),
		Destination: "0xdest",
	}
}

func TestHTTPRelaySubmit(t *testing.T) {
	var got submitPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "req-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(submitResponse{TxHash: "0xabc"})
	}))
	defer srv.Close()

	relay := NewHTTPRelay(srv.URL, time.Second)
	sigs := []model.TransferSignature{{SignerID: "s1", Signature: "0x01"}}
	hash, err := relay.Submit(context.Background(), sampleTransfer(), sigs)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", hash)
	assert.Equal(t, "100", got.Transfer.Amount.String())
	assert.Len(t, got.Signatures, 1)
}

func TestHTTPRelayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(submitResponse{Error: "node unavailable"})
	}))
	defer srv.Close()

	_, err := NewHTTPRelay(srv.URL, time.Second).Submit(context.Background(), sampleTransfer(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBroadcast))
	assert.Contains(t, err.Error(), "node unavailable")
}

func TestMemoryBroadcaster(t *testing.T) {
	m := NewMemory()
	h1, err := m.Submit(context.Background(), sampleTransfer(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h1)

	m.FailNext(errors.New("boom"))
	_, err = m.Submit(context.Background(), sampleTransfer(), nil)
	assert.ErrorIs(t, err, ErrBroadcast)

	assert.Len(t, m.Submissions(), 1)
}

func TestMemoryBroadcasterReplaysSameRequest(t *testing.T) {
	m := NewMemory()
	h1, err := m.Submit(context.Background(), sampleTransfer(), nil)
	require.NoError(t, err)

	h2, err := m.Submit(context.Background(), sampleTransfer(), nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, m.Submissions(), 1)

	other := sampleTransfer()
	other.RequestID = "req-2"
	h3, err := m.Submit(context.Background(), other, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, m.Submissions(), 2)
}
