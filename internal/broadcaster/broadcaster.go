package broadcaster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/GoPolymarket/polyvault/internal/model"
)

// ErrBroadcast wraps every failure reported by a broadcaster. A failed submit has
// no on-chain effect.
var ErrBroadcast = errors.New("broadcast failed")

type submitPayload struct {
	Transfer   model.Transfer            `json:"transfer"`
	Signatures []model.TransferSignature `json:"signatures"`
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// HTTPRelay posts signed transfers to an external relay endpoint.
type HTTPRelay struct {
	url        string
	httpClient *http.Client
}

func NewHTTPRelay(url string, timeout time.Duration) *HTTPRelay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRelay{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

// Submit sends one request; it never retries.
func (r *HTTPRelay) Submit(ctx context.Context, transfer model.Transfer, sigs []model.TransferSignature) (string, error) {
	body, err := json.Marshal(submitPayload{Transfer: transfer, Signatures: sigs})
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", ErrBroadcast, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", transfer.RequestID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out submitResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("%w: relay status %d: %s", ErrBroadcast, resp.StatusCode, msg)
	}
	if out.TxHash == "" {
		return "", fmt.Errorf("%w: relay returned no tx hash", ErrBroadcast)
	}
	return out.TxHash, nil
}
