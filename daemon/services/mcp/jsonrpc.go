// Package mcp implements the core runtime of a Model Context Protocol peer:
// JSON-RPC message classification, request tracking, lifecycle negotiation,
// progress/timeout coordination, and the Streamable HTTP server transport.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the jsonrpc version string carried on every message.
const ProtocolVersion = "2.0"

// RequestID is a tagged request identifier: either a 64-bit integer or a
// string. Zero value is the integer variant with Num == 0, which is a
// legitimate id, so the zero value does not mean "no id"; an absent id
// is represented by a nil *RequestID (as in wireMessage).
type RequestID struct {
	Str   string
	Num   int64
	IsStr bool
}

// NewIntID builds an integer-valued RequestID.
func NewIntID(n int64) RequestID { return RequestID{Num: n} }

// NewStringID builds a string-valued RequestID.
func NewStringID(s string) RequestID { return RequestID{Str: s, IsStr: true} }

// Key returns a value suitable for use as a map key, distinguishing the
// integer and string variants even when their textual forms collide.
func (id RequestID) Key() any {
	if id.IsStr {
		return "s:" + id.Str
	}
	return fmt.Sprintf("i:%d", id.Num)
}

func (id RequestID) String() string {
	if id.IsStr {
		return id.Str
	}
	return fmt.Sprintf("%d", id.Num)
}

// MarshalJSON renders the id as a bare JSON number or string.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.IsStr {
		return json.Marshal(id.Str)
	}
	return json.Marshal(id.Num)
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*id = RequestID{Num: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RequestID{Str: s, IsStr: true}
		return nil
	}
	return fmt.Errorf("invalid request id: %s", string(data))
}

// ErrorObject is the JSON-RPC {code, message, data?} error shape.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Request is an inbound or outbound JSON-RPC request.
type Request struct {
	ID     RequestID       `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is a JSON-RPC message with a method and no id.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response: exactly one of Result or Error is set.
type Response struct {
	ID     RequestID       `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// wireMessage is the on-the-wire shape used both to marshal outbound
// messages and to classify inbound ones without committing to a type
// up front.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Kind enumerates the classified shape of a single JSON-RPC payload.
type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindNotification
	KindResponse
	KindBatch
)

// Classified is the result of classifying one JSON value. Exactly one of
// the typed fields is populated according to Kind; Batch holds a
// Classified per array element when Kind is KindBatch.
type Classified struct {
	Kind         Kind
	Request      *Request
	Notification *Notification
	Response     *Response
	Batch        []Classified
}

// Classify inspects a raw JSON-RPC payload and determines its shape. A
// bare object classifies to Request, Notification, or Response; a JSON
// array classifies to Batch, with each element classified recursively.
// Malformed JSON or a shape that matches none of the above returns
// ParseError.
func Classify(raw []byte) (Classified, error) {
	trimmed := skipWhitespace(raw)
	if len(trimmed) == 0 {
		return Classified{}, NewError(ParseError, "empty message")
	}
	if trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return Classified{}, NewError(ParseError, "invalid batch: "+err.Error())
		}
		if len(elems) == 0 {
			return Classified{}, NewError(InvalidRequest, "empty batch")
		}
		items := make([]Classified, 0, len(elems))
		for _, e := range elems {
			c, err := Classify(e)
			if err != nil {
				return Classified{}, err
			}
			items = append(items, c)
		}
		return Classified{Kind: KindBatch, Batch: items}, nil
	}

	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Classified{}, NewError(ParseError, "invalid json-rpc message: "+err.Error())
	}

	switch {
	case w.ID != nil && (w.Result != nil || w.Error != nil) && w.Method == "":
		return Classified{Kind: KindResponse, Response: &Response{ID: *w.ID, Result: w.Result, Error: w.Error}}, nil
	case w.ID != nil && w.Method != "":
		return Classified{Kind: KindRequest, Request: &Request{ID: *w.ID, Method: w.Method, Params: w.Params}}, nil
	case w.ID == nil && w.Method != "":
		return Classified{Kind: KindNotification, Notification: &Notification{Method: w.Method, Params: w.Params}}, nil
	default:
		return Classified{}, NewError(ParseError, "message matches neither request, notification, nor response shape")
	}
}

// EncodeRequest serializes a request as a full JSON-RPC 2.0 object.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(wireMessage{JSONRPC: ProtocolVersion, ID: &r.ID, Method: r.Method, Params: r.Params})
}

// EncodeNotification serializes a notification as a full JSON-RPC 2.0 object.
func EncodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(wireMessage{JSONRPC: ProtocolVersion, Method: n.Method, Params: n.Params})
}

// EncodeResponse serializes a response as a full JSON-RPC 2.0 object.
func EncodeResponse(r Response) ([]byte, error) {
	return json.Marshal(wireMessage{JSONRPC: ProtocolVersion, ID: &r.ID, Result: r.Result, Error: r.Error})
}

// EncodeBatch serializes a slice of encoded request/notification bytes as
// a single JSON array.
func EncodeBatch(items [][]byte) []byte {
	out := make([]byte, 0, 2+len(items)*2)
	out = append(out, '[')
	for i, item := range items {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, item...)
	}
	out = append(out, ']')
	return out
}

func skipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
