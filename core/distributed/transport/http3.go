package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
)

const (
	TasksPath   = "/tasks"
	VersionPath = "/version"

	defaultMaxBodyBytes = 16 << 20
	contentType         = "application/msgpack"
)

type versionInfo struct {
	Version int `codec:"version"`
}

// ServerConfig configures the HTTP/3 endpoint of a node.
type ServerConfig struct {
	Addr           string       // e.g. ":7443"
	TLS            *tls.Config  // required for HTTP/3
	QUIC           *quic.Config // optional
	MaxBodyBytes   int64        // cap on one request body; 0 = 16 MiB
	MaxConcurrency int          // max concurrent task handlers; 0 = unlimited
}

// Server serves Handler over HTTP/3.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  *zap.Logger
	server  *http3.Server
	conn    net.PacketConn
	sem     chan struct{}
	wg      sync.WaitGroup
	started int32
	closed  int32
}

func NewServer(cfg ServerConfig, h Handler, logger *zap.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, errors.New("server address is required")
	}
	if cfg.TLS == nil {
		return nil, errors.New("TLS configuration is required for HTTP/3")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsConf := cfg.TLS.Clone()
	tlsConf.NextProtos = []string{http3.NextProtoH3}

	s := &Server{cfg: cfg, handler: h, logger: logger.Named("transport")}
	if cfg.MaxConcurrency > 0 {
		s.sem = make(chan struct{}, cfg.MaxConcurrency)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(TasksPath, s.serveTasks)
	mux.HandleFunc(VersionPath, s.serveVersion)
	s.server = &http3.Server{
		Addr:       cfg.Addr,
		TLSConfig:  tlsConf,
		Handler:    mux,
		QUICConfig: cfg.QUIC,
	}
	return s, nil
}

// Start begins listening on UDP and serving HTTP/3.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("server already started")
	}
	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen UDP %s: %w", s.cfg.Addr, err)
	}
	s.conn = conn
	s.logger.Info("Listening for tasks (HTTP/3)", zap.String("addr", conn.LocalAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(conn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP/3 serve error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.conn == nil {
		return s.cfg.Addr
	}
	return s.conn.LocalAddr().String()
}

// Close stops the server and waits for the serve loop, bounded by ctx.
func (s *Server) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	err := s.server.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		s.logger.Warn("Close timed out", zap.Error(ctx.Err()))
		return ctx.Err()
	case <-done:
	}
	s.logger.Info("Task server closed")
	return err
}

func (s *Server) acquire() func() {
	if s.sem == nil {
		return func() {}
	}
	s.sem <- struct{}{}
	return func() { <-s.sem }
}

func (s *Server) serveTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	release := s.acquire()
	defer release()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		s.logger.Warn("Failed to read task request", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		s.logger.Warn("Malformed task request", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	out, err := EncodeResponse(s.handler.Handle(r.Context(), req))
	if err != nil {
		s.logger.Error("Failed to encode task response", zap.Int("code", req.Code), zap.Error(err))
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) serveVersion(w http.ResponseWriter, r *http.Request) {
	out, err := encode(&versionInfo{Version: s.handler.ProtocolVersion()})
	if err != nil {
		http.Error(w, "encode version", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(out)
}

// AddressResolver maps node ids to host:port addresses.
type AddressResolver interface {
	Address(node string) (string, bool)
}

// StaticResolver is a fixed node→address table.
type StaticResolver map[string]string

func (s StaticResolver) Address(node string) (string, bool) {
	a, ok := s[node]
	return a, ok
}

// HTTP3Transport sends requests to peers over HTTP/3.
type HTTP3Transport struct {
	peers    *PeerManager
	resolver AddressResolver
	versions *VersionCache
	logger   *zap.Logger
	maxBody  int64
}

func NewHTTP3Transport(peers *PeerManager, resolver AddressResolver, versions *VersionCache, logger *zap.Logger) *HTTP3Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP3Transport{
		peers:    peers,
		resolver: resolver,
		versions: versions,
		logger:   logger.Named("transport"),
		maxBody:  defaultMaxBodyBytes,
	}
}

func (t *HTTP3Transport) do(ctx context.Context, node, method, path string, body []byte) ([]byte, error) {
	addr, ok := t.resolver.Address(node)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	client, err := t.peers.Client(addr)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, "https://"+addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("send to %s: %w", node, ctx.Err())
		}
		if t.versions != nil {
			t.versions.Forget(node)
		}
		t.logger.Debug("Peer request failed", zap.String("node", node), zap.String("addr", addr), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, node, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", node, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s answered %s: %s", node, resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

func (t *HTTP3Transport) Send(ctx context.Context, node string, req Request) (Response, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	data, err := t.do(ctx, node, http.MethodPost, TasksPath, body)
	if err != nil {
		return Response{}, err
	}
	return DecodeResponse(data)
}

func (t *HTTP3Transport) ProtocolVersion(ctx context.Context, node string) (int, error) {
	if t.versions != nil {
		if v, ok := t.versions.Get(node); ok {
			return v, nil
		}
	}
	data, err := t.do(ctx, node, http.MethodGet, VersionPath, nil)
	if err != nil {
		return 0, err
	}
	var info versionInfo
	if err := decode(data, &info); err != nil {
		return 0, err
	}
	if t.versions != nil {
		t.versions.Put(node, info.Version)
	}
	return info.Version, nil
}

func (t *HTTP3Transport) Close() error { return t.peers.Close() }
