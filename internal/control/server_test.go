package control

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"acp/internal/action"
)

type fakeGate struct {
	asks     []action.PendingAsk
	resolved map[string]bool
}

func (f *fakeGate) PendingAsks() []action.PendingAsk { return f.asks }

func (f *fakeGate) Resolve(host string, approved bool, reason string) bool {
	if f.resolved == nil {
		f.resolved = make(map[string]bool)
	}
	for _, a := range f.asks {
		if a.ID == host {
			f.resolved[host] = approved
			return true
		}
	}
	return false
}

func newTestServer(t *testing.T, g Gate) (*Server, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "control.sock")
	s := New(Config{
		SocketPath: socketPath,
		Gate:       g,
		AuditPath:  filepath.Join(t.TempDir(), "audit.log"),
		RuntimeUID: os.Getuid(),
		Logger:     log.New(os.Stderr, "[control-test] ", log.LstdFlags),
		StartedAt:  time.Now(),
	})
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()

	return s, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}
}

func httpClientFor(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}
}

func TestHandleStatusReportsPendingCount(t *testing.T) {
	g := &fakeGate{asks: []action.PendingAsk{{ID: "a.example"}, {ID: "b.example"}}}
	s, cleanup := newTestServer(t, g)
	defer cleanup()

	client := httpClientFor(s.cfg.SocketPath)
	resp, err := client.Get("http://control/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		PendingCount int `json:"pending_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.PendingCount != 2 {
		t.Errorf("expected pending_count 2, got %d", body.PendingCount)
	}
}

func TestHandleAsksListsPending(t *testing.T) {
	g := &fakeGate{asks: []action.PendingAsk{{ID: "pending.example"}}}
	s, cleanup := newTestServer(t, g)
	defer cleanup()

	client := httpClientFor(s.cfg.SocketPath)
	resp, err := client.Get("http://control/asks")
	if err != nil {
		t.Fatalf("GET /asks: %v", err)
	}
	defer resp.Body.Close()

	var asks []action.PendingAsk
	if err := json.NewDecoder(resp.Body).Decode(&asks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(asks) != 1 || asks[0].ID != "pending.example" {
		t.Errorf("expected one pending ask for pending.example, got %+v", asks)
	}
}

func TestHandleAskResolveApprove(t *testing.T) {
	g := &fakeGate{asks: []action.PendingAsk{{ID: "stuck.example"}}}
	s, cleanup := newTestServer(t, g)
	defer cleanup()

	client := httpClientFor(s.cfg.SocketPath)
	resp, err := client.Post("http://control/asks/stuck.example/approve", "application/json", nil)
	if err != nil {
		t.Fatalf("POST approve: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !g.resolved["stuck.example"] {
		t.Error("expected Resolve(approved=true) to have been called")
	}
}

func TestHandleAskResolveUnknownHostReturns404(t *testing.T) {
	g := &fakeGate{}
	s, cleanup := newTestServer(t, g)
	defer cleanup()

	client := httpClientFor(s.cfg.SocketPath)
	resp, err := client.Post("http://control/asks/nothing.example/deny", "application/json", nil)
	if err != nil {
		t.Fatalf("POST deny: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown host, got %d", resp.StatusCode)
	}
}
