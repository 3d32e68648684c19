package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodtx/config/certs"
)

func echoHandler(version int) Handler {
	return HandlerFunc{Version: version, Fn: func(_ context.Context, req Request) Response {
		if req.Code < 0 {
			return Response{Failure: &WireFailure{Kind: "protocol", Message: "negative code"}}
		}
		return Response{Payload: append([]byte(req.From+":"), req.Payload...)}
	}}
}

func TestCodec_RoundTrip(t *testing.T) {
	in := Request{Version: 1, Code: 7, From: "n1", TxID: "tx", Payload: []byte{0x00, 0xff, 0x10}}
	raw, err := EncodeRequest(in)
	require.NoError(t, err)
	out, err := DecodeRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	resp := Response{Failure: &WireFailure{Kind: "constraint_violation", Message: "dup", Index: "ix", Key: "k"}}
	raw, err = EncodeResponse(resp)
	require.NoError(t, err)
	back, err := DecodeResponse(raw)
	require.NoError(t, err)
	require.NotNil(t, back.Failure)
	assert.Equal(t, *resp.Failure, *back.Failure)
	assert.EqualError(t, back.Failure, "constraint_violation: dup")
}

func TestLocal_SendAndFaults(t *testing.T) {
	l := NewLocal()
	l.Register("n2", echoHandler(1))
	ctx := context.Background()

	resp, err := l.Send(ctx, "n2", Request{From: "n1", Code: 7, Payload: []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, "n1:hi", string(resp.Payload))
	assert.Len(t, l.Sent("n2"), 1)

	resp, err = l.Send(ctx, "n2", Request{From: "n1", Code: -1})
	require.NoError(t, err)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, "protocol", resp.Failure.Kind)

	v, err := l.ProtocolVersion(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = l.Send(ctx, "n9", Request{})
	require.ErrorIs(t, err, ErrUnknownNode)

	l.SetDown("n2", true)
	_, err = l.Send(ctx, "n2", Request{})
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = l.ProtocolVersion(ctx, "n2")
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Len(t, l.Sent("n2"), 2)

	l.SetDown("n2", false)
	l.SetDelay("n2", time.Second)
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Send(tctx, "n2", Request{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVersionCache(t *testing.T) {
	c, err := NewVersionCache(2)
	require.NoError(t, err)
	c.Put("a", 0)
	c.Put("b", 1)
	c.Put("c", 1)

	_, ok := c.Get("a")
	assert.False(t, ok, "least recently used entry is evicted")
	v, ok := c.Get("c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Forget("c")
	_, ok = c.Get("c")
	assert.False(t, ok)
}

func TestPeerManager_ReusesClientPerAddress(t *testing.T) {
	m := NewPeerManager(nil, nil, time.Second)
	a1, err := m.Client("127.0.0.1:1")
	require.NoError(t, err)
	a2, err := m.Client("127.0.0.1:1")
	require.NoError(t, err)
	b, err := m.Client("127.0.0.1:2")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Forget("127.0.0.1:2"))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Close())
	_, err = m.Client("127.0.0.1:1")
	require.ErrorIs(t, err, ErrClosed)
}

func TestHTTP3_RoundTrip(t *testing.T) {
	pki, err := certs.NewDevPKI("localhost", "127.0.0.1")
	require.NoError(t, err)
	serverTLS, clientTLS := pki.TLSConfigs()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	srv, err := NewServer(ServerConfig{Addr: "127.0.0.1:0", TLS: serverTLS}, echoHandler(1), logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Close(context.Background())

	versions, err := NewVersionCache(8)
	require.NoError(t, err)
	tr := NewHTTP3Transport(
		NewPeerManager(clientTLS, nil, 5*time.Second),
		StaticResolver{"n2": srv.Addr()},
		versions,
		logger,
	)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := tr.Send(ctx, "n2", Request{Version: 1, Code: 7, From: "n1", Payload: []byte("over quic")})
	require.NoError(t, err)
	assert.Nil(t, resp.Failure)
	assert.Equal(t, "n1:over quic", string(resp.Payload))

	v, err := tr.ProtocolVersion(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	cached, ok := versions.Get("n2")
	require.True(t, ok)
	assert.Equal(t, 1, cached)

	_, err = tr.Send(ctx, "n3", Request{})
	require.ErrorIs(t, err, ErrUnknownNode)
}
