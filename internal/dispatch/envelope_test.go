package dispatch

import (
	"net/http"
	"testing"
)

func TestStatusResponse_CodeFollowsStatus(t *testing.T) {
	cases := map[int]string{
		http.StatusBadRequest:          CodeInvalidArgument,
		http.StatusUnauthorized:        CodeUnauthenticated,
		http.StatusForbidden:           CodeForbidden,
		http.StatusNotFound:            CodeNotFound,
		http.StatusConflict:            CodeConflict,
		http.StatusTooManyRequests:     CodeRateLimited,
		http.StatusInternalServerError: CodeInternal,
		http.StatusTeapot:              CodeInternal,
	}
	for status, want := range cases {
		r := statusResponse("req_1", status, "m", nil)
		if r.HTTPStatus != status || r.Envelope.Code != want || r.Envelope.OK {
			t.Fatalf("%d: got %d %s", status, r.HTTPStatus, r.Envelope.Code)
		}
		if r.RequestID != "req_1" || r.Envelope.RequestID != "req_1" {
			t.Fatalf("%d: request id not propagated: %+v", status, r)
		}
	}
}
