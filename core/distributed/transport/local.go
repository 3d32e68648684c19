package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local is an in-process Transport. Requests are encoded and decoded on the
// way through so handlers never share memory with the sender.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	down     map[string]bool
	delay    map[string]time.Duration
	sent     map[string][]Request
}

func NewLocal() *Local {
	return &Local{
		handlers: make(map[string]Handler),
		down:     make(map[string]bool),
		delay:    make(map[string]time.Duration),
		sent:     make(map[string][]Request),
	}
}

// Register attaches the handler serving node.
func (l *Local) Register(node string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[node] = h
}

// SetDown makes node unreachable until it is set up again.
func (l *Local) SetDown(node string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[node] = down
}

// SetDelay holds every request to node for d before it is handled.
func (l *Local) SetDelay(node string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay[node] = d
}

// Sent returns the requests delivered to node, in delivery order.
func (l *Local) Sent(node string) []Request {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Request, len(l.sent[node]))
	copy(out, l.sent[node])
	return out
}

func (l *Local) target(node string) (Handler, time.Duration, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[node]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	if l.down[node] {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnreachable, node)
	}
	return h, l.delay[node], nil
}

func (l *Local) Send(ctx context.Context, node string, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	h, delay, err := l.target(node)
	if err != nil {
		return Response{}, err
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	raw, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	in, err := DecodeRequest(raw)
	if err != nil {
		return Response{}, err
	}

	l.mu.Lock()
	l.sent[node] = append(l.sent[node], in)
	l.mu.Unlock()

	raw, err = EncodeResponse(h.Handle(ctx, in))
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(raw)
}

func (l *Local) ProtocolVersion(ctx context.Context, node string) (int, error) {
	h, _, err := l.target(node)
	if err != nil {
		return 0, err
	}
	return h.ProtocolVersion(), ctx.Err()
}
