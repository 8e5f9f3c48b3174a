package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/and161185/kilnkeeper/internal/errs"
)

// Envelope codes.
const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInternal        = "INTERNAL"
)

// Envelope is the uniform response body.
type Envelope struct {
	OK        bool           `json:"ok"`
	Data      map[string]any `json:"data,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"requestId"`
}

// Response is an envelope plus the HTTP status a transport should report.
type Response struct {
	Envelope   Envelope
	HTTPStatus int
	RequestID  string
}

func okResponse(reqID string, data map[string]any) Response {
	return Response{
		Envelope:   Envelope{OK: true, Data: data, RequestID: reqID},
		HTTPStatus: http.StatusOK,
		RequestID:  reqID,
	}
}

func errResponse(reqID string, status int, code, msg string, details map[string]any) Response {
	return Response{
		Envelope:   Envelope{Code: code, Message: msg, Details: details, RequestID: reqID},
		HTTPStatus: status,
		RequestID:  reqID,
	}
}

// statusResponse is errResponse with the generic code for status.
func statusResponse(reqID string, status int, msg string, details map[string]any) Response {
	return errResponse(reqID, status, codeForStatus(status), msg, details)
}

// codeForStatus names the envelope code for a deny status.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidArgument
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// classify maps a handler error to (status, code). ok is false for errors
// that must surface as an opaque 500.
func classify(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument, true
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthenticated, true
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, true
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, true
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrVersionConflict), errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, CodeConflict, true
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited, true
	default:
		return http.StatusInternalServerError, CodeInternal, false
	}
}

// errorResponse renders err. Known errors carry their reason in details;
// unknown ones never leak their text.
func errorResponse(reqID string, err error) (Response, bool) {
	status, code, ok := classify(err)
	if !ok {
		return statusResponse(reqID, status, "internal error", nil), false
	}
	msg := err.Error()
	var details map[string]any
	if reason, d, found := errs.Reason(err); found {
		details = make(map[string]any, len(d)+1)
		for k, v := range d {
			details[k] = v
		}
		details["reason"] = reason
		var re *errs.ReasonError
		if errors.As(err, &re) && re.Message != "" {
			msg = re.Message
		}
	}
	return errResponse(reqID, status, code, msg, details), true
}

// toData renders a handler result as a plain JSON object, the form both
// transports and the idempotency store carry.
func toData(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
