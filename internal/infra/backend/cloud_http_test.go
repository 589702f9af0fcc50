package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/routing"
)

func writeImage(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCloudHTTPTransport_StartAndPoll(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1beta/models/veo-test:predictLongRunning":
			var body predictRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if len(body.Instances) != 1 || body.Instances[0].Image == nil || body.Instances[0].Image.MimeType != "image/png" {
				t.Errorf("unexpected instances %+v", body.Instances)
			}
			if body.Parameters["aspectRatio"] != "16:9" {
				t.Errorf("parameters = %v", body.Parameters)
			}
			w.Write([]byte(`{"name":"models/veo-test/operations/abc123"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1beta/models/veo-test/operations/abc123":
			w.Write([]byte(`{"name":"models/veo-test/operations/abc123","done":true,
				"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"` + srv.URL + `/files/abc123"}}]}}}`))
		case r.URL.Path == "/files/abc123":
			w.Write([]byte("video-bytes"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	outDir := t.TempDir()
	tr := NewCloudHTTPTransport(CloudHTTPConfig{BaseURL: srv.URL, APIKey: "test-key", OutputDir: outDir})
	ctx := context.Background()

	op, err := tr.Start(ctx, CloudRequest{
		Model:      "veo-test",
		InputAsset: writeImage(t, "frame.png", 128),
		Params:     domain.Params{Prompt: "sea", AspectRatio: "16:9"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if op != "models/veo-test/operations/abc123" {
		t.Fatalf("operation = %q", op)
	}

	status, err := tr.Poll(ctx, op)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !status.Done || status.Err != nil {
		t.Fatalf("status = %+v", status)
	}
	if want := filepath.Join(outDir, "abc123.mp4"); status.Artifact != want {
		t.Errorf("artifact = %q, want %q", status.Artifact, want)
	}
	data, err := os.ReadFile(status.Artifact)
	if err != nil || string(data) != "video-bytes" {
		t.Errorf("artifact content = %q, %v", data, err)
	}
}

func TestCloudHTTPTransport_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).",
			"status":"RESOURCE_EXHAUSTED","details":[
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37s"}]}}`)
	}))
	defer srv.Close()

	tr := NewCloudHTTPTransport(CloudHTTPConfig{BaseURL: srv.URL, APIKey: "k"})
	_, err := tr.Start(context.Background(), CloudRequest{Model: "veo-test", InputAsset: writeImage(t, "a.jpg", 10)})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != codes.ResourceExhausted || apiErr.HTTPStatus != 429 {
		t.Errorf("code = %v http = %d", apiErr.Code, apiErr.HTTPStatus)
	}
	if apiErr.RetryDelay != 37*time.Second {
		t.Errorf("retry delay = %v, want 37s", apiErr.RetryDelay)
	}
	if kind := routing.Classify(err); kind != domain.KindRateLimited {
		t.Errorf("Classify = %v, want rate_limited", kind)
	}
	if d := routing.RetryAfter(err); d != 37*time.Second {
		t.Errorf("RetryAfter = %v, want 37s", d)
	}
}

func TestCloudHTTPTransport_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	}))
	defer srv.Close()

	tr := NewCloudHTTPTransport(CloudHTTPConfig{BaseURL: srv.URL})
	_, err := tr.Poll(context.Background(), "operations/x")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != codes.Unavailable || apiErr.RetryDelay != 12*time.Second {
		t.Errorf("got %+v", apiErr)
	}
	if kind := routing.Classify(err); kind != domain.KindTransient {
		t.Errorf("Classify = %v, want transient", kind)
	}
}

func TestCloudHTTPTransport_OperationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"name":"operations/x","done":true,"error":{"code":3,"message":"prompt blocked"}}`)
	}))
	defer srv.Close()

	tr := NewCloudHTTPTransport(CloudHTTPConfig{BaseURL: srv.URL})
	op, err := tr.Poll(context.Background(), "operations/x")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if kind := routing.Classify(op.Err); kind != domain.KindPermanent {
		t.Errorf("operation error kind = %v, want permanent (%v)", kind, op.Err)
	}
}

func TestCloudHTTPTransport_ValidatesInput(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	tr := NewCloudHTTPTransport(CloudHTTPConfig{BaseURL: srv.URL, MaxInputBytes: 64})
	cases := map[string]string{
		"missing":     filepath.Join(t.TempDir(), "nope.png"),
		"unsupported": writeImage(t, "frame.gif", 10),
		"too large":   writeImage(t, "big.png", 65),
		"directory":   t.TempDir(),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Start(context.Background(), CloudRequest{Model: "veo-test", InputAsset: path})
			be, ok := domain.AsBackendError(err)
			if !ok || be.Kind != domain.KindPermanent {
				t.Fatalf("err = %v, want permanent", err)
			}
		})
	}
	if called {
		t.Error("invalid input reached the server")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := map[string]time.Duration{
		"":                              0,
		"30":                            30 * time.Second,
		"garbage":                       0,
		"Thu, 01 Jan 2026 00:01:00 GMT": time.Minute,
	}
	for in, want := range tests {
		if got := parseRetryAfter(in, now); got != want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}
