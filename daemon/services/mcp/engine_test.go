package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// inMemoryTransport connects two Peers within a single process by handing
// frames directly to the peer transport instance: the two ends share
// a channel pair and each Start goroutine pumps frames to the other
// side's message handler.
type inMemoryTransport struct {
	outbound      chan []byte
	peerTransport *inMemoryTransport

	messageHandler func(ctx context.Context, frame []byte)
	closeHandler   func()
	errorHandler   func(error)

	done chan struct{}
}

func newInMemoryPair() (*inMemoryTransport, *inMemoryTransport) {
	a := &inMemoryTransport{outbound: make(chan []byte, 16), done: make(chan struct{})}
	b := &inMemoryTransport{outbound: make(chan []byte, 16), done: make(chan struct{})}
	a.peerTransport = b
	b.peerTransport = a
	return a, b
}

func (t *inMemoryTransport) Start(ctx context.Context) error {
	go func() {
		for {
			select {
			case frame := <-t.outbound:
				if t.peerTransport.messageHandler != nil {
					t.peerTransport.messageHandler(ctx, frame)
				}
			case <-t.done:
				return
			}
		}
	}()
	return nil
}

func (t *inMemoryTransport) Send(_ context.Context, frame []byte) error {
	t.outbound <- frame
	return nil
}

func (t *inMemoryTransport) Close() error {
	close(t.done)
	if t.closeHandler != nil {
		t.closeHandler()
	}
	return nil
}

func (t *inMemoryTransport) SetMessageHandler(h func(ctx context.Context, frame []byte)) { t.messageHandler = h }
func (t *inMemoryTransport) SetCloseHandler(h func())                                    { t.closeHandler = h }
func (t *inMemoryTransport) SetErrorHandler(h func(error))                               { t.errorHandler = h }

func newTestPeerPair(t *testing.T) (client *Peer, server *Peer) {
	t.Helper()
	clientTransport, serverTransport := newInMemoryPair()

	serverRegistry := NewRegistry()
	serverRegistry.HandleRequest("echo", func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})
	serverLifecycle := NewLifecycle([]string{"2025-06-18"}, Capabilities{"tools": json.RawMessage(`{}`)}, false)
	server = NewPeer(RoleServer, serverTransport, serverRegistry, serverLifecycle, &Implementation{Name: "test-server", Version: "1.0"})

	clientRegistry := NewRegistry()
	clientLifecycle := NewLifecycle([]string{"2025-06-18"}, Capabilities{}, false)
	client = NewPeer(RoleClient, clientTransport, clientRegistry, clientLifecycle, &Implementation{Name: "test-client", Version: "1.0"})

	// A server-role Peer's transport pump must be running before the
	// client sends anything; Connect on a non-client peer only starts the
	// transport, it does not drive a handshake.
	if _, err := server.Connect(context.Background(), nil, Capabilities{}, ""); err != nil {
		t.Fatalf("failed to start server transport: %v", err)
	}

	return client, server
}

func TestEngineInitializeHandshake(t *testing.T) {
	client, server := newTestPeerPair(t)
	defer client.Disconnect()
	defer server.Disconnect()

	result, err := client.Connect(context.Background(), &Implementation{Name: "test-client", Version: "1.0"}, Capabilities{}, "2025-06-18")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Fatalf("unexpected negotiated version: %s", result.ProtocolVersion)
	}
	if server.Lifecycle().State() != StateInitialized {
		t.Fatalf("expected server Initialized, got %s", server.Lifecycle().State())
	}
}

func TestEngineRequestResponseRoundTrip(t *testing.T) {
	client, server := newTestPeerPair(t)
	defer client.Disconnect()
	defer server.Disconnect()

	if _, err := client.Connect(context.Background(), &Implementation{Name: "c", Version: "1"}, Capabilities{}, "2025-06-18"); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	send, err := client.Send("echo", json.RawMessage(`{"hello":"world"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	result, err := send.Result()
	if err != nil {
		t.Fatalf("unexpected error in result: %v", err)
	}
	if string(result) != `{"hello":"world"}` {
		t.Fatalf("unexpected echoed result: %s", result)
	}
}

func TestEngineMethodNotFound(t *testing.T) {
	client, server := newTestPeerPair(t)
	defer client.Disconnect()
	defer server.Disconnect()

	if _, err := client.Connect(context.Background(), &Implementation{Name: "c", Version: "1"}, Capabilities{}, "2025-06-18"); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	send, err := client.Send("nonexistent", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error sending: %v", err)
	}
	if _, err := send.Result(); err == nil {
		t.Fatal("expected MethodNotFound error")
	}
}

func TestEngineNotificationDelivery(t *testing.T) {
	client, server := newTestPeerPair(t)
	defer client.Disconnect()
	defer server.Disconnect()

	received := make(chan struct{}, 1)
	server.Registry().HandleNotification("notifications/custom", func(context.Context, json.RawMessage) {
		received <- struct{}{}
	})

	if _, err := client.Connect(context.Background(), &Implementation{Name: "c", Version: "1"}, Capabilities{}, "2025-06-18"); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	if err := client.Notify("notifications/custom", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestEngineDisconnectDrainsPending(t *testing.T) {
	client, server := newTestPeerPair(t)
	defer server.Disconnect()

	server.Registry().HandleRequest("hang", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if _, err := client.Connect(context.Background(), &Implementation{Name: "c", Version: "1"}, Capabilities{}, "2025-06-18"); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	send, err := client.Send("hang", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("unexpected error disconnecting: %v", err)
	}

	if _, err := send.Result(); !IsTransportError(err) {
		t.Fatalf("expected transport error on disconnect, got %v", err)
	}
}
