package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be rendered to clients as the
// structured envelope {error_code, error_message}. Status carries the
// HTTP status and is not serialized.
type GatewayError struct {
	Status     int    `json:"-"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"error_message"`
	Details    string `json:"error_details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrorCode, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error envelope to the response. Base singletons
// are pre-serialized to avoid allocations on the hot path.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Stable error code families: AUTH (identification), SUB
// (authorization), RATE (quota), CRD (credits), VAL (validation),
// UPS (upstream), GTW (config), REQ (transport), ISE (internal).
var (
	ErrTokenMissing = &GatewayError{
		Status:    http.StatusUnauthorized,
		ErrorCode: "AUTH001",
		Message:   "authentication token missing",
	}

	ErrTokenInvalid = &GatewayError{
		Status:    http.StatusUnauthorized,
		ErrorCode: "AUTH002",
		Message:   "authentication token invalid",
	}

	ErrTokenExpired = &GatewayError{
		Status:    http.StatusUnauthorized,
		ErrorCode: "AUTH003",
		Message:   "authentication token expired",
	}

	ErrTokenRevoked = &GatewayError{
		Status:    http.StatusUnauthorized,
		ErrorCode: "AUTH004",
		Message:   "authentication token revoked",
	}

	ErrRoleDenied = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "SUB001",
		Message:   "role not permitted for this API",
	}

	ErrIPDenied = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "SUB003",
		Message:   "client address not permitted",
	}

	ErrGeoDenied = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "SUB004",
		Message:   "client region not permitted",
	}

	ErrSubscriptionDenied = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "SUB005",
		Message:   "no subscription or group access for this API",
	}

	ErrRateLimited = &GatewayError{
		Status:    http.StatusTooManyRequests,
		ErrorCode: "RATE001",
		Message:   "rate limit exceeded",
	}

	ErrThrottleQueueFull = &GatewayError{
		Status:    http.StatusTooManyRequests,
		ErrorCode: "RATE002",
		Message:   "throttle queue full",
	}

	ErrInsufficientCredits = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "CRD001",
		Message:   "insufficient_credits",
	}

	ErrValidationFailed = &GatewayError{
		Status:    http.StatusUnprocessableEntity,
		ErrorCode: "VAL001",
		Message:   "request validation failed",
	}

	ErrUpstreamConnect = &GatewayError{
		Status:    http.StatusBadGateway,
		ErrorCode: "UPS001",
		Message:   "upstream connection failed",
	}

	ErrUpstreamTimeout = &GatewayError{
		Status:    http.StatusGatewayTimeout,
		ErrorCode: "UPS002",
		Message:   "upstream request timed out",
	}

	ErrCircuitOpen = &GatewayError{
		Status:    http.StatusServiceUnavailable,
		ErrorCode: "UPS003",
		Message:   "upstream circuit open",
	}

	ErrAPINotFound = &GatewayError{
		Status:    http.StatusNotFound,
		ErrorCode: "GTW001",
		Message:   "API not found",
	}

	ErrEndpointNotFound = &GatewayError{
		Status:    http.StatusNotFound,
		ErrorCode: "GTW002",
		Message:   "endpoint not found",
	}

	ErrAPIInactive = &GatewayError{
		Status:    http.StatusForbidden,
		ErrorCode: "GTW003",
		Message:   "API is not active",
	}

	ErrBodyTooLarge = &GatewayError{
		Status:    http.StatusRequestEntityTooLarge,
		ErrorCode: "REQ001",
		Message:   "request body too large",
	}

	ErrMalformedBody = &GatewayError{
		Status:    http.StatusBadRequest,
		ErrorCode: "REQ002",
		Message:   "malformed request body",
	}

	ErrUnsupportedMedia = &GatewayError{
		Status:    http.StatusUnsupportedMediaType,
		ErrorCode: "REQ003",
		Message:   "unsupported media type",
	}

	ErrInternal = &GatewayError{
		Status:    http.StatusInternalServerError,
		ErrorCode: "ISE001",
		Message:   "internal server error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrTokenMissing, ErrTokenInvalid, ErrTokenExpired, ErrTokenRevoked,
		ErrRoleDenied, ErrIPDenied, ErrGeoDenied, ErrSubscriptionDenied,
		ErrRateLimited, ErrThrottleQueueFull, ErrInsufficientCredits,
		ErrValidationFailed, ErrUpstreamConnect, ErrUpstreamTimeout,
		ErrCircuitOpen, ErrAPINotFound, ErrEndpointNotFound, ErrAPIInactive,
		ErrBodyTooLarge, ErrMalformedBody, ErrUnsupportedMedia, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:    status,
		ErrorCode: code,
		Message:   message,
	}
}

// Wrap wraps an error with an envelope.
func Wrap(err error, status int, code, message string) *GatewayError {
	return &GatewayError{
		Status:     status,
		ErrorCode:  code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying extra detail text.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy carrying the request ID.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Status:     e.Status,
		ErrorCode:  e.ErrorCode,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
