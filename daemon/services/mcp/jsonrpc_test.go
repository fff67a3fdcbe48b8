package mcp

import "testing"

func TestClassifyRequest(t *testing.T) {
	c, err := Classify([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindRequest {
		t.Fatalf("expected KindRequest, got %v", c.Kind)
	}
	if c.Request.Method != "ping" {
		t.Fatalf("expected method ping, got %q", c.Request.Method)
	}
}

func TestClassifyNotification(t *testing.T) {
	c, err := Classify([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindNotification {
		t.Fatalf("expected KindNotification, got %v", c.Kind)
	}
}

func TestClassifyResponse(t *testing.T) {
	c, err := Classify([]byte(`{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindResponse {
		t.Fatalf("expected KindResponse, got %v", c.Kind)
	}
}

func TestClassifyErrorResponse(t *testing.T) {
	c, err := Classify([]byte(`{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"not found"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindResponse || c.Response.Error == nil {
		t.Fatalf("expected error response, got %+v", c)
	}
}

func TestClassifyBatch(t *testing.T) {
	c, err := Classify([]byte(`[{"jsonrpc":"2.0","id":1,"method":"a"},{"jsonrpc":"2.0","method":"b"}]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindBatch || len(c.Batch) != 2 {
		t.Fatalf("expected batch of 2, got %+v", c)
	}
	if c.Batch[0].Kind != KindRequest || c.Batch[1].Kind != KindNotification {
		t.Fatalf("unexpected batch element kinds: %+v", c.Batch)
	}
}

func TestClassifyEmptyBatchRejected(t *testing.T) {
	if _, err := Classify([]byte(`[]`)); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestClassifyMalformedRejected(t *testing.T) {
	if _, err := Classify([]byte(`{"jsonrpc":"2.0"}`)); err == nil {
		t.Fatal("expected error for message matching no shape")
	}
}

func TestClassifyInvalidJSON(t *testing.T) {
	if _, err := Classify([]byte(`not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	strID := NewStringID("abc")
	data, err := strID.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RequestID
	if err := decoded.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != strID {
		t.Fatalf("expected %+v, got %+v", strID, decoded)
	}

	intID := NewIntID(42)
	data, err = intID.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decodedInt RequestID
	if err := decodedInt.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decodedInt != intID {
		t.Fatalf("expected %+v, got %+v", intID, decodedInt)
	}
}

func TestRequestIDKeyDistinguishesVariants(t *testing.T) {
	strID := NewStringID("1")
	intID := NewIntID(1)
	if strID.Key() == intID.Key() {
		t.Fatal("expected string and integer ids with same text to have distinct keys")
	}
}

func TestEncodeBatch(t *testing.T) {
	req, _ := EncodeRequest(Request{ID: NewIntID(1), Method: "a"})
	note, _ := EncodeNotification(Notification{Method: "b"})
	batch := EncodeBatch([][]byte{req, note})

	c, err := Classify(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Kind != KindBatch || len(c.Batch) != 2 {
		t.Fatalf("expected round-tripped batch of 2, got %+v", c)
	}
}
