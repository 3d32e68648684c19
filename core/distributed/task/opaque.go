package task

import "context"

// OpaqueTask is the envelope for task kinds whose body is interpreted by a
// handler outside the coordination layer (record CRUD, SQL, scripts, stats).
type OpaqueTask struct {
	code    Code
	Payload []byte
}

func opaque(code Code) Constructor {
	return func() RemoteTask { return &OpaqueTask{code: code} }
}

// NewOpaqueTask builds an outbound opaque task with an already encoded body.
func NewOpaqueTask(code Code, payload []byte) *OpaqueTask {
	return &OpaqueTask{code: code, Payload: payload}
}

func (t *OpaqueTask) Code() Code   { return t.code }
func (t *OpaqueTask) Name() string { return t.code.String() }

func (t *OpaqueTask) Encode() ([]byte, error) {
	out := make([]byte, len(t.Payload))
	copy(out, t.Payload)
	return out, nil
}

func (t *OpaqueTask) Decode(payload []byte) error {
	t.Payload = make([]byte, len(payload))
	copy(t.Payload, payload)
	return nil
}

func (t *OpaqueTask) Execute(ctx context.Context, node Node) (any, error) {
	return node.HandleOpaque(ctx, t)
}
