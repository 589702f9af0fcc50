package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/vietddude/genrelay/internal/core/domain"
	"github.com/vietddude/genrelay/internal/infra/filelock"
)

// DefaultCloudBaseURL is the public generative language endpoint.
const DefaultCloudBaseURL = "https://generativelanguage.googleapis.com"

// CloudHTTPConfig configures the REST transport.
type CloudHTTPConfig struct {
	BaseURL       string
	APIKey        string
	MaxInputBytes int64
	OutputDir     string // generated videos are downloaded here when set
	Timeout       time.Duration
}

// CloudHTTPTransport talks to a long-running-operation REST API.
type CloudHTTPTransport struct {
	cfg        CloudHTTPConfig
	httpClient *http.Client
}

// NewCloudHTTPTransport creates the REST transport.
func NewCloudHTTPTransport(cfg CloudHTTPConfig) *CloudHTTPTransport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCloudBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &CloudHTTPTransport{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type inlineImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type predictInstance struct {
	Prompt string       `json:"prompt,omitempty"`
	Image  *inlineImage `json:"image,omitempty"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

type operationResponse struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *apiErrorDetail `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
			FilteredCount   int      `json:"raiMediaFilteredCount"`
			FilteredReasons []string `json:"raiMediaFilteredReasons"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// Validate checks req without touching the network.
func (t *CloudHTTPTransport) Validate(req CloudRequest) error {
	_, err := t.validate(req)
	return err
}

func (t *CloudHTTPTransport) validate(req CloudRequest) (string, error) {
	mime, err := ValidateInput(domain.BackendCloud, req.InputAsset, t.cfg.MaxInputBytes)
	if err != nil {
		return "", err
	}
	if req.Model == "" {
		return "", domain.NewBackendError(domain.BackendCloud, domain.KindPermanent, "model is not configured", nil)
	}
	return mime, nil
}

// Start validates the input asset and starts a prediction.
func (t *CloudHTTPTransport) Start(ctx context.Context, req CloudRequest) (string, error) {
	mime, err := t.validate(req)
	if err != nil {
		return "", err
	}

	image, err := os.ReadFile(req.InputAsset)
	if err != nil {
		return "", domain.NewBackendError(domain.BackendCloud, domain.KindPermanent, "read input asset", err)
	}

	body := predictRequest{
		Instances: []predictInstance{{
			Prompt: req.Params.Prompt,
			Image: &inlineImage{
				BytesBase64Encoded: base64.StdEncoding.EncodeToString(image),
				MimeType:           mime,
			},
		}},
		Parameters: predictParameters(req.Params),
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:predictLongRunning", t.cfg.BaseURL, url.PathEscape(req.Model))
	var op operationResponse
	if err := t.do(ctx, http.MethodPost, endpoint, body, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", fmt.Errorf("start operation: response has no operation name")
	}
	return op.Name, nil
}

// Poll fetches the state of operation and downloads the artifact once done.
func (t *CloudHTTPTransport) Poll(ctx context.Context, operation string) (*Operation, error) {
	endpoint := fmt.Sprintf("%s/v1beta/%s", t.cfg.BaseURL, strings.TrimLeft(operation, "/"))
	var op operationResponse
	if err := t.do(ctx, http.MethodGet, endpoint, nil, &op); err != nil {
		return nil, err
	}

	out := &Operation{Name: operation, Done: op.Done}
	if !op.Done {
		return out, nil
	}
	if op.Error != nil {
		out.Err = op.Error.toAPIError(0)
		return out, nil
	}
	if op.Response == nil || len(op.Response.GenerateVideoResponse.GeneratedSamples) == 0 {
		msg := "operation finished without a video"
		if op.Response != nil && len(op.Response.GenerateVideoResponse.FilteredReasons) > 0 {
			msg = "video filtered: " + strings.Join(op.Response.GenerateVideoResponse.FilteredReasons, "; ")
		}
		out.Err = domain.NewBackendError(domain.BackendCloud, domain.KindPermanent, msg, nil)
		return out, nil
	}

	uri := op.Response.GenerateVideoResponse.GeneratedSamples[0].Video.URI
	if t.cfg.OutputDir == "" {
		out.Artifact = uri
		return out, nil
	}

	artifact, err := t.download(ctx, uri, filepath.Join(t.cfg.OutputDir, path.Base(operation)+".mp4"))
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	out.Artifact = artifact
	return out, nil
}

func (t *CloudHTTPTransport) do(ctx context.Context, method, endpoint string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", t.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cloud call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp.StatusCode, resp.Header.Get("Retry-After"), body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (t *CloudHTTPTransport) download(ctx context.Context, uri, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-goog-api-key", t.cfg.APIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read video: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp.StatusCode, resp.Header.Get("Retry-After"), data)
	}

	if err := filelock.WriteAtomic(dest, data, 0o644); err != nil {
		return "", err
	}
	return dest, nil
}

func predictParameters(p domain.Params) map[string]any {
	params := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		params[k] = v
	}
	if p.DurationSeconds > 0 {
		params["durationSeconds"] = p.DurationSeconds
	}
	if p.AspectRatio != "" {
		params["aspectRatio"] = p.AspectRatio
	}
	if p.Resolution != "" {
		params["resolution"] = p.Resolution
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// APIError is a decoded error envelope of the cloud API.
type APIError struct {
	HTTPStatus int
	Code       codes.Code
	Message    string
	RetryDelay time.Duration
	Details    []*anypb.Any
}

func (e *APIError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("cloud api %d %s: %s", e.HTTPStatus, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud api %s: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status, zero for errors reported inside an operation.
func (e *APIError) StatusCode() int { return e.HTTPStatus }

// GRPCStatus exposes the envelope as a gRPC status, details included.
func (e *APIError) GRPCStatus() *status.Status {
	return status.FromProto(&spb.Status{
		Code:    int32(e.Code),
		Message: e.Message,
		Details: e.Details,
	})
}

// RetryAfter returns the server retry hint.
func (e *APIError) RetryAfter() time.Duration { return e.RetryDelay }

type apiErrorDetail struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Status  codes.Code        `json:"status"`
	Details []json.RawMessage `json:"details"`
}

func (d *apiErrorDetail) toAPIError(httpStatus int) *APIError {
	e := &APIError{HTTPStatus: httpStatus, Code: d.Status, Message: d.Message}

	// operation errors carry a numeric google.rpc.Code instead of a name
	if e.Code == codes.OK && httpStatus == 0 && d.Code > 0 && d.Code < 17 {
		e.Code = codes.Code(d.Code)
	}
	if e.Code == codes.OK {
		e.Code = codeFromHTTP(httpStatus)
	}

	for _, raw := range d.Details {
		var detail anypb.Any
		if err := protojson.Unmarshal(raw, &detail); err != nil {
			continue // unregistered detail type
		}
		e.Details = append(e.Details, &detail)

		var info errdetails.RetryInfo
		if detail.MessageIs(&info) {
			if err := detail.UnmarshalTo(&info); err == nil && info.GetRetryDelay() != nil {
				e.RetryDelay = info.GetRetryDelay().AsDuration()
			}
		}
	}
	return e
}

func decodeAPIError(httpStatus int, retryAfter string, body []byte) *APIError {
	var envelope struct {
		Error *apiErrorDetail `json:"error"`
	}
	var e *APIError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		e = envelope.Error.toAPIError(httpStatus)
	} else {
		e = &APIError{
			HTTPStatus: httpStatus,
			Code:       codeFromHTTP(httpStatus),
			Message:    strings.TrimSpace(truncate(string(body), 512)),
		}
	}
	if e.RetryDelay == 0 {
		e.RetryDelay = parseRetryAfter(retryAfter, time.Now())
	}
	return e
}

func codeFromHTTP(httpStatus int) codes.Code {
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case httpStatus == http.StatusBadRequest:
		return codes.InvalidArgument
	case httpStatus == http.StatusUnauthorized:
		return codes.Unauthenticated
	case httpStatus == http.StatusForbidden:
		return codes.PermissionDenied
	case httpStatus == http.StatusNotFound:
		return codes.NotFound
	case httpStatus == http.StatusRequestTimeout || httpStatus == http.StatusGatewayTimeout:
		return codes.DeadlineExceeded
	case httpStatus == http.StatusNotImplemented:
		return codes.Unimplemented
	case httpStatus == http.StatusServiceUnavailable || httpStatus == http.StatusBadGateway:
		return codes.Unavailable
	case httpStatus >= 500:
		return codes.Internal
	}
	return codes.Unknown
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
