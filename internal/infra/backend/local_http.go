package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// LocalHTTPTransport calls a local inference sidecar over HTTP.
type LocalHTTPTransport struct {
	endpoint   string
	httpClient *http.Client
}

// NewLocalHTTPTransport creates a sidecar client. Generation can take many
// minutes, so the client has no timeout of its own; the attempt context
// bounds each call.
func NewLocalHTTPTransport(baseURL string) *LocalHTTPTransport {
	return &LocalHTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + "/generate",
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    2,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

type localResponse struct {
	Artifact string `json:"artifact"`
	Error    string `json:"error,omitempty"`
}

// Generate posts the request and returns the artifact path reported by the sidecar.
func (t *LocalHTTPTransport) Generate(ctx context.Context, in LocalRequest) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("local call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out localResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode != http.StatusOK {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(truncate(string(body), 256))
		}
		cause := fmt.Errorf("http %d: %s", resp.StatusCode, msg)
		switch {
		case resp.StatusCode == http.StatusServiceUnavailable, resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusTooManyRequests:
			return "", domain.NewBackendError(domain.BackendLocal, domain.KindResourceBusy, "sidecar busy", cause)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return "", domain.NewBackendError(domain.BackendLocal, domain.KindPermanent, "sidecar rejected job", cause)
		default:
			return "", domain.NewBackendError(domain.BackendLocal, domain.KindTransient, "sidecar failed", cause)
		}
	}

	if out.Artifact == "" {
		return "", fmt.Errorf("parse response: no artifact in %q", truncate(string(body), 128))
	}
	return out.Artifact, nil
}
