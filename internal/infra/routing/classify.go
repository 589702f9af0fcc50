package routing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/genrelay/internal/core/domain"
)

type grpcStatusError interface {
	GRPCStatus() *status.Status
}

type httpStatusError interface {
	StatusCode() int
}

type retryAfterError interface {
	RetryAfter() time.Duration
}

// Classify determines the failure kind of err.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindNone
	}

	if be, ok := domain.AsBackendError(err); ok && be.Kind != domain.KindNone {
		return be.Kind
	}

	if errors.Is(err, context.Canceled) {
		return domain.KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTransient
	}

	var gs grpcStatusError
	if errors.As(err, &gs) {
		if kind, ok := kindForCode(gs.GRPCStatus().Code()); ok {
			return kind
		}
	}

	var hs httpStatusError
	if errors.As(err, &hs) {
		if kind, ok := kindForHTTP(hs.StatusCode()); ok {
			return kind
		}
	}

	return classifyMessage(err.Error())
}

func kindForCode(c codes.Code) (domain.ErrorKind, bool) {
	switch c {
	case codes.OK:
		return domain.KindNone, false
	case codes.Canceled:
		return domain.KindCanceled, true
	case codes.ResourceExhausted:
		return domain.KindRateLimited, true
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.Unauthenticated, codes.NotFound, codes.Unimplemented, codes.OutOfRange,
		codes.AlreadyExists:
		return domain.KindPermanent, true
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded, codes.Aborted,
		codes.Unknown, codes.DataLoss:
		return domain.KindTransient, true
	}
	return domain.KindNone, false
}

func kindForHTTP(code int) (domain.ErrorKind, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return domain.KindRateLimited, true
	case code == http.StatusRequestTimeout:
		return domain.KindTransient, true
	case code == http.StatusBadRequest, code == http.StatusUnauthorized,
		code == http.StatusForbidden, code == http.StatusNotFound,
		code == http.StatusUnprocessableEntity:
		return domain.KindPermanent, true
	case code >= 500 && code <= 599:
		return domain.KindTransient, true
	}
	return domain.KindNone, false
}

var (
	rateLimitPatterns = []string{
		"429", "too many requests", "quota", "rate limit", "rate-limit",
		"resource_exhausted", "resource exhausted", "count exceeded",
	}
	busyPatterns = []string{
		"device busy", "resource busy", "device is busy",
	}
	permanentPatterns = []string{
		"invalid", "unauthorized", "forbidden", "permission denied",
		"api key not valid", "safety", "content policy", "unsupported",
	}
)

func classifyMessage(msg string) domain.ErrorKind {
	s := strings.ToLower(msg)
	if containsAny(s, rateLimitPatterns) {
		return domain.KindRateLimited
	}
	if containsAny(s, busyPatterns) {
		return domain.KindResourceBusy
	}
	if containsAny(s, permanentPatterns) {
		return domain.KindPermanent
	}
	// Default to retry (network, 5xx, etc)
	return domain.KindTransient
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// RetryAfter extracts a server-provided retry hint from err, or zero.
func RetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	if be, ok := domain.AsBackendError(err); ok && be.RetryAfter > 0 {
		return be.RetryAfter
	}
	var ra retryAfterError
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			return d
		}
	}
	var gs grpcStatusError
	if errors.As(err, &gs) {
		for _, d := range gs.GRPCStatus().Details() {
			if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
				return info.GetRetryDelay().AsDuration()
			}
		}
	}
	return 0
}
