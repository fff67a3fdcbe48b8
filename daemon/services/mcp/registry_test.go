package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
)

func TestRegistryRequestDispatch(t *testing.T) {
	r := NewRegistry()
	r.HandleRequest("echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	h, ok := r.Request("echo")
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	result, err := h(context.Background(), json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"a":1}` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestRegistryRequestReplacement(t *testing.T) {
	r := NewRegistry()
	r.HandleRequest("m", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	r.HandleRequest("m", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`2`), nil
	})
	h, _ := r.Request("m")
	result, _ := h(context.Background(), nil)
	if string(result) != "2" {
		t.Fatalf("expected second registration to win, got %s", result)
	}
}

func TestRegistryNotificationFanout(t *testing.T) {
	r := NewRegistry()
	var calls int32
	r.HandleNotification("n", func(_ context.Context, _ json.RawMessage) { atomic.AddInt32(&calls, 1) })
	r.HandleNotification("n", func(_ context.Context, _ json.RawMessage) { atomic.AddInt32(&calls, 1) })

	r.Dispatch(context.Background(), "n", nil)

	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected both handlers invoked, got %d calls", calls)
	}
}

func TestRegistryNotificationPanicIsolated(t *testing.T) {
	r := NewRegistry()
	var ran bool
	r.HandleNotification("n", func(_ context.Context, _ json.RawMessage) { panic("boom") })
	r.HandleNotification("n", func(_ context.Context, _ json.RawMessage) { ran = true })

	r.Dispatch(context.Background(), "n", nil)

	if !ran {
		t.Fatal("expected second handler to run despite first panicking")
	}
}

func TestRegistryHasRequest(t *testing.T) {
	r := NewRegistry()
	if r.HasRequest("missing") {
		t.Fatal("expected false for unregistered method")
	}
	r.HandleRequest("present", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) { return nil, nil })
	if !r.HasRequest("present") {
		t.Fatal("expected true for registered method")
	}
}
