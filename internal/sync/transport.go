package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// TransferStats reports what one exchange cost on the wire
type TransferStats struct {
	BytesSent     int64
	BytesReceived int64
	Compressed    bool
	Connectivity  Connectivity
	Duration      time.Duration
}

// Transport pushes mutation batches to the central store and pulls remote
// changes back. At most one exchange runs at a time; callers hitting a busy
// transport get ErrExchangeInFlight instead of queueing up a second one.
type Transport struct {
	routes          *RouteManager
	deviceID        string
	exchangeTimeout time.Duration

	mu       sync.Mutex
	inFlight bool

	tokenMu sync.RWMutex
	token   string
}

// NewTransport creates a transport bound to a route manager
func NewTransport(routes *RouteManager, deviceID string, exchangeTimeout time.Duration) *Transport {
	if exchangeTimeout <= 0 {
		exchangeTimeout = 30 * time.Second
	}
	return &Transport{
		routes:          routes,
		deviceID:        deviceID,
		exchangeTimeout: exchangeTimeout,
	}
}

// SetToken installs the device JWT used for authenticated requests
func (t *Transport) SetToken(token string) {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()
	t.token = token
}

func (t *Transport) currentToken() string {
	t.tokenMu.RLock()
	defer t.tokenMu.RUnlock()
	return t.token
}

// ProbeConnectivity checks the configured routes in priority order
func (t *Transport) ProbeConnectivity() (Connectivity, *SyncRoute) {
	return t.routes.Probe()
}

// Exchange sends one batch of mutations to the central store. On a metered
// link the body is gzip compressed. A timeout or network failure fails the
// whole batch; there are no partial results from a dead connection.
func (t *Transport) Exchange(ctx context.Context, mutations []WireMutation) (*PushResponse, *TransferStats, error) {
	if err := t.begin(); err != nil {
		return nil, nil, err
	}
	defer t.end()

	connectivity, route := t.routes.Probe()
	if connectivity == ConnectivityOffline || route == nil {
		return nil, nil, ErrOffline
	}

	payload, err := json.Marshal(PushRequest{Mutations: mutations})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal push batch: %w", err)
	}

	body := payload
	compressed := false
	if connectivity == ConnectivityMetered {
		if gz, gzErr := compressBody(payload); gzErr == nil && len(gz) < len(payload) {
			body = gz
			compressed = true
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, route.URL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.currentToken())
	req.Header.Set("X-Device-ID", t.deviceID)
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	start := time.Now()
	resp, err := routeClient(route).Do(req)
	if err != nil {
		return nil, nil, &TransientError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	stats := &TransferStats{
		BytesSent:    int64(len(body)),
		Compressed:   compressed,
		Connectivity: connectivity,
		Duration:     time.Since(start),
	}

	respBody, err := readResponseBody(resp)
	if err != nil {
		return nil, stats, &TransientError{Op: "push", Err: err}
	}
	stats.BytesReceived = int64(len(respBody))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, stats, fmt.Errorf("push rejected (HTTP %d): %w", resp.StatusCode, ErrAuthentication)
	case resp.StatusCode >= 400:
		return nil, stats, &TransientError{Op: "push", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var pushResp PushResponse
	if err := json.Unmarshal(respBody, &pushResp); err != nil {
		return nil, stats, &TransientError{Op: "push", Err: fmt.Errorf("malformed push response: %w", err)}
	}

	log.Printf("📦 Pushed %d mutations via %s: %d accepted, %d rejected (%d bytes, compressed=%v)",
		len(mutations), route.Name, len(pushResp.Accepted), len(pushResp.Rejected), stats.BytesSent, compressed)
	return &pushResp, stats, nil
}

// Pull fetches remote changes since the given checkpoint
func (t *Transport) Pull(ctx context.Context, since string) (*PullResponse, *TransferStats, error) {
	if err := t.begin(); err != nil {
		return nil, nil, err
	}
	defer t.end()

	connectivity, route := t.routes.Probe()
	if connectivity == ConnectivityOffline || route == nil {
		return nil, nil, ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, t.exchangeTimeout)
	defer cancel()

	pullURL := route.URL + "/sync/pull"
	if since != "" {
		pullURL += "?since=" + url.QueryEscape(since)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pullURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.currentToken())
	req.Header.Set("X-Device-ID", t.deviceID)
	if connectivity == ConnectivityMetered {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	start := time.Now()
	resp, err := routeClient(route).Do(req)
	if err != nil {
		return nil, nil, &TransientError{Op: "pull", Err: err}
	}
	defer resp.Body.Close()

	stats := &TransferStats{
		Connectivity: connectivity,
		Duration:     time.Since(start),
	}

	respBody, err := readResponseBody(resp)
	if err != nil {
		return nil, stats, &TransientError{Op: "pull", Err: err}
	}
	stats.BytesReceived = int64(len(respBody))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, stats, fmt.Errorf("pull rejected (HTTP %d): %w", resp.StatusCode, ErrAuthentication)
	case resp.StatusCode >= 400:
		return nil, stats, &TransientError{Op: "pull", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var pullResp PullResponse
	if err := json.Unmarshal(respBody, &pullResp); err != nil {
		return nil, stats, &TransientError{Op: "pull", Err: fmt.Errorf("malformed pull response: %w", err)}
	}

	log.Printf("📥 Pulled %d records via %s (checkpoint %q -> %q)",
		len(pullResp.Records), route.Name, since, pullResp.NextCheckpoint)
	return &pullResp, stats, nil
}

func (t *Transport) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight {
		return ErrExchangeInFlight
	}
	t.inFlight = true
	return nil
}

func (t *Transport) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
}

func routeClient(route *SyncRoute) *http.Client {
	timeout := time.Duration(route.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Transparent decompression is off so pull bodies stay gzip when the
	// server honors Accept-Encoding; readResponseBody inflates them.
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:       10,
			IdleConnTimeout:    90 * time.Second,
			DisableCompression: true,
		},
	}
}

func readResponseBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip response: %w", err)
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}

func compressBody(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
