package supervisor

import "testing"

func TestResolveUserRejectsRoot(t *testing.T) {
	_, err := ResolveUser("root")
	if err == nil {
		t.Fatal("expected root (uid 0) to be rejected")
	}
	if _, ok := err.(*InvalidUserError); !ok {
		t.Errorf("expected *InvalidUserError, got %T: %v", err, err)
	}
}

func TestResolveUserUnknownName(t *testing.T) {
	_, err := ResolveUser("no-such-user-acp-test")
	if err == nil {
		t.Fatal("expected unknown username to error")
	}
	if _, ok := err.(*InvalidUserError); !ok {
		t.Errorf("expected *InvalidUserError, got %T: %v", err, err)
	}
}
