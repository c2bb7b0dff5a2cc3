package audit

import (
	"os"
	"path/filepath"
	"testing"

	"acp/internal/action"
)

func TestSinkWritesAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")

	sink, err := New(logPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries := []action.AuditEntry{
		{
			Action:  action.Action{Kind: action.KindHTTP, Host: "api.example.com", Method: "GET", Port: 443},
			Verdict: action.Verdict{Decision: action.DecisionAllow, Reason: "safe host allowlist"},
		},
		{
			Action:  action.Action{Kind: action.KindHTTP, Host: "evil.example", Method: "CONNECT", Port: 443},
			Verdict: action.Verdict{Decision: action.DecisionDeny, Reason: "blocked domain"},
		},
	}

	for _, e := range entries {
		if err := sink.Log(e); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	readBack, err := ReadLog(logPath)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(readBack) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(readBack))
	}
	for i, e := range readBack {
		if e.Action.Host != entries[i].Action.Host {
			t.Errorf("entry %d: expected host %q, got %q", i, entries[i].Action.Host, e.Action.Host)
		}
		if e.Verdict.Decision != entries[i].Verdict.Decision {
			t.Errorf("entry %d: expected decision %q, got %q", i, entries[i].Verdict.Decision, e.Verdict.Decision)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d: timestamp was not stamped", i)
		}
	}
}

func TestSinkDisabledWithEmptyPath(t *testing.T) {
	sink, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sink.Close()

	if err := sink.Log(action.AuditEntry{}); err != nil {
		t.Errorf("Log on disabled sink: %v", err)
	}
}

func TestReadLogNonexistentFile(t *testing.T) {
	entries, err := ReadLog("/nonexistent/path/audit.jsonl")
	if err != nil {
		t.Errorf("expected no error for nonexistent file, got %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil entries, got %v", entries)
	}
}

func TestSinkCreatesNestedDirectory(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "nested", "dir", "audit.jsonl")

	sink, err := New(logPath)
	if err != nil {
		t.Fatalf("New with nested path: %v", err)
	}
	defer sink.Close()

	if _, err := os.Stat(filepath.Dir(logPath)); os.IsNotExist(err) {
		t.Error("audit log directory was not created")
	}
}
