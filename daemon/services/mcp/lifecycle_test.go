package mcp

import "testing"

func TestNegotiateVersionEchoesSupported(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18", "2025-03-26"}, Capabilities{}, false)
	if v := l.NegotiateVersion("2025-03-26"); v != "2025-03-26" {
		t.Fatalf("expected echo of supported version, got %s", v)
	}
}

func TestNegotiateVersionFallsBackToLatest(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18", "2025-03-26"}, Capabilities{}, false)
	if v := l.NegotiateVersion("1999-01-01"); v != "2025-06-18" {
		t.Fatalf("expected fallback to latest, got %s", v)
	}
}

func TestHandleInitializeTransitionsToInitialized(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{"tools": nil}, false)
	result, err := l.HandleInitialize(InitializeParams{ProtocolVersion: "2025-06-18"}, &Implementation{Name: "srv", Version: "1.0"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected negotiated version: %s", result.ProtocolVersion)
	}
	if l.State() != StateInitialized {
		t.Fatalf("expected Initialized, got %s", l.State())
	}
}

func TestHandleInitializeRejectsWhenAlreadyInitialized(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, false)
	if _, err := l.HandleInitialize(InitializeParams{ProtocolVersion: "2025-06-18"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.HandleInitialize(InitializeParams{ProtocolVersion: "2025-06-18"}, nil); err == nil {
		t.Fatal("expected error re-initializing")
	}
}

func TestHandleInitializeHookRejection(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, false)
	l.SetInitializeHook(func(InitializeParams) error { return NewError(InvalidRequest, "rejected") })
	if _, err := l.HandleInitialize(InitializeParams{ProtocolVersion: "2025-06-18"}, nil); err == nil {
		t.Fatal("expected hook rejection to propagate")
	}
	if l.State() != StateUninitialized {
		t.Fatalf("expected rollback to Uninitialized, got %s", l.State())
	}
}

func TestCheckServerStrictBlocksBeforeInitialized(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, true)
	if err := l.CheckServerStrict("tools/list"); err == nil {
		t.Fatal("expected strict mode to reject request before initialized")
	}
	if err := l.CheckServerStrict("initialize"); err != nil {
		t.Fatalf("expected initialize to be allowed, got %v", err)
	}
	if err := l.CheckServerStrict("ping"); err != nil {
		t.Fatalf("expected ping to be allowed, got %v", err)
	}
}

func TestCheckClientStrictGatesOnCapability(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, true)
	if _, err := l.HandleInitialize(InitializeParams{ProtocolVersion: "2025-06-18", Capabilities: Capabilities{"sampling": nil}}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.CheckClientStrict("sampling"); err != nil {
		t.Fatalf("expected capability check to pass, got %v", err)
	}
	if err := l.CheckClientStrict("roots"); err == nil {
		t.Fatal("expected capability check to fail for unadvertised capability")
	}
}

func TestCompleteClientInitializeRejectsUnsupportedVersion(t *testing.T) {
	l := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, false)
	l.MarkInitializing()
	err := l.CompleteClientInitialize(InitializeResult{ProtocolVersion: "2099-01-01"})
	if err == nil {
		t.Fatal("expected rejection of unsupported negotiated version")
	}
}
