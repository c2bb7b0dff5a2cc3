package proxy

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"acp/internal/action"
)

type stubGate struct {
	verdict action.Verdict
	calls   []action.Action
}

func (s *stubGate) Evaluate(ctx context.Context, a action.Action) action.Verdict {
	s.calls = append(s.calls, a)
	return s.verdict
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "[proxy-test] ", log.LstdFlags)
}

func TestHandleHTTPDeniedReturns403(t *testing.T) {
	gate := &stubGate{verdict: action.Verdict{Decision: action.DecisionDeny, Reason: "not approved"}}
	p := New(gate, testLogger())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be reached for a denied request")
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	req.RequestURI = ""
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if len(gate.calls) != 1 {
		t.Fatalf("expected one gate evaluation, got %d", len(gate.calls))
	}
	if gate.calls[0].Method != http.MethodGet {
		t.Errorf("expected method GET recorded in action, got %s", gate.calls[0].Method)
	}
}

func TestHandleHTTPAllowedForwards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	gate := &stubGate{verdict: action.Verdict{Decision: action.DecisionAllow, Reason: "ok"}}
	p := New(gate, testLogger())

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	req.RequestURI = ""
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected upstream status forwarded, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("expected upstream body forwarded, got %q", rec.Body.String())
	}
}

func TestSplitHostPortDefaults(t *testing.T) {
	host, port := splitHostPort("Example.COM", 80)
	if host != "example.com" || port != 80 {
		t.Errorf("expected example.com:80, got %s:%d", host, port)
	}

	host, port = splitHostPort("example.com:8443", 443)
	if host != "example.com" || port != 8443 {
		t.Errorf("expected example.com:8443, got %s:%d", host, port)
	}
}
