package api

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

// plainReader hides the underlying *strings.Reader so httptest.NewRequest
// leaves Content-Length unset, the way chunked requests arrive.
type plainReader struct{ r io.Reader }

func (p plainReader) Read(b []byte) (int, error) { return p.r.Read(b) }

func TestDecodeOptionalBodyChunked(t *testing.T) {
	req := httptest.NewRequest("POST", "/models/m1/runs", plainReader{strings.NewReader(`{"date":"2024-06-10"}`)})
	if req.ContentLength > 0 {
		t.Fatalf("content length = %d, fixture should have none", req.ContentLength)
	}
	var body triggerRunRequest
	if err := decodeOptionalBody(req, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Date != "2024-06-10" {
		t.Fatalf("date = %q, body was dropped", body.Date)
	}
}

func TestDecodeOptionalBodyEmpty(t *testing.T) {
	req := httptest.NewRequest("POST", "/models/m1/runs", nil)
	var body triggerRunRequest
	if err := decodeOptionalBody(req, &body); err != nil {
		t.Fatalf("decode empty body: %v", err)
	}
	if body.Date != "" || body.RunAt != nil {
		t.Fatalf("body = %+v, want zero value", body)
	}
}

func TestDecodeOptionalBodyInvalidJSON(t *testing.T) {
	req := httptest.NewRequest("POST", "/models/m1/runs", strings.NewReader(`{"date":`))
	var body triggerRunRequest
	if err := decodeOptionalBody(req, &body); err == nil {
		t.Fatal("expected decode error")
	}
}
