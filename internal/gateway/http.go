package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boxdhq/boxd-control-plane/internal/metrics"
)

// HTTPBroker talks to the remote-access gateway's control API. Calls carry a
// short timeout: a hung gateway delays one request, never the pool.
type HTTPBroker struct {
	baseURL   string
	sharedKey string
	client    *http.Client
}

func NewHTTPBroker(baseURL, sharedKey string) *HTTPBroker {
	return &HTTPBroker{
		baseURL:   strings.TrimRight(baseURL, "/"),
		sharedKey: sharedKey,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

type createConnectionPayload struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	Address     string `json:"address"`
	Credentials string `json:"credentials"`
}

func (b *HTTPBroker) CreateConnection(ctx context.Context, req ConnectionRequest) ([]byte, error) {
	body, err := json.Marshal(createConnectionPayload{
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		Address:     req.Address,
		Credentials: req.Credentials,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := b.do(ctx, http.MethodPost, "/api/v1/connections", body)
	observeCall("create_connection", start, err)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (b *HTTPBroker) DeleteConnection(ctx context.Context, sessionID string) error {
	start := time.Now()
	_, err := b.do(ctx, http.MethodDelete, "/api/v1/connections/"+sessionID, nil)
	observeCall("delete_connection", start, err)
	return err
}

func (b *HTTPBroker) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Gateway-Auth", b.sharedKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return raw, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: gateway returned %d", ErrUnreachable, resp.StatusCode)
	}
	return raw, nil
}

func observeCall(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("boxd_gateway_calls_total", labels)
	metrics.Default().ObserveHistogram("boxd_gateway_latency_ms", float64(time.Since(start).Milliseconds()), labels)
}
