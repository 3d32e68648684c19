// Package transport moves encoded tasks between nodes. It knows nothing about
// task semantics: a Request carries a protocol version, a task code and the
// encoded payload; a Response carries the encoded result or a wire failure.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var (
	// ErrUnreachable is returned when the target node cannot be contacted.
	ErrUnreachable = errors.New("node unreachable")
	// ErrUnknownNode is returned when no address is known for a node.
	ErrUnknownNode = errors.New("unknown node")
	ErrClosed      = errors.New("transport closed")
)

// Request is one task invocation on a remote node.
type Request struct {
	Version int    `codec:"version"`
	Code    int    `codec:"code"`
	From    string `codec:"from"`
	TxID    string `codec:"tx_id,omitempty"`
	Payload []byte `codec:"payload"`
}

// WireFailure is a failure raised by the receiving node, as seen by the sender.
type WireFailure struct {
	Kind      string `codec:"kind"`
	Message   string `codec:"message"`
	Index     string `codec:"index,omitempty"`
	Key       string `codec:"key,omitempty"`
	Transient bool   `codec:"transient"`
}

func (f *WireFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Response is the reply to a Request. Exactly one of Payload and Failure is
// meaningful.
type Response struct {
	Payload []byte       `codec:"payload"`
	Failure *WireFailure `codec:"failure,omitempty"`
}

// Transport sends requests to nodes identified by id.
type Transport interface {
	Send(ctx context.Context, node string, req Request) (Response, error)
	// ProtocolVersion returns the highest task protocol version the node speaks.
	ProtocolVersion(ctx context.Context, node string) (int, error)
}

// Handler serves requests on the receiving node.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
	ProtocolVersion() int
}

// HandlerFunc adapts a function to Handler for a fixed protocol version.
type HandlerFunc struct {
	Version int
	Fn      func(ctx context.Context, req Request) Response
}

func (h HandlerFunc) Handle(ctx context.Context, req Request) Response { return h.Fn(ctx, req) }
func (h HandlerFunc) ProtocolVersion() int                             { return h.Version }

var handle = &codec.MsgpackHandle{}

func encode(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, handle).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

func decode(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, handle).Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func EncodeRequest(r Request) ([]byte, error)   { return encode(&r) }
func EncodeResponse(r Response) ([]byte, error) { return encode(&r) }

func DecodeRequest(data []byte) (Request, error) {
	var r Request
	err := decode(data, &r)
	return r, err
}

func DecodeResponse(data []byte) (Response, error) {
	var r Response
	err := decode(data, &r)
	return r, err
}
