package transport

import (
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/multierr"
)

type peerClient struct {
	address string
	rt      *http3.Transport
	client  *http.Client
}

// PeerManager keeps one HTTP/3 client per peer address. QUIC multiplexes
// concurrent requests over the client's connection, so no pooling beyond one
// client per address is needed.
type PeerManager struct {
	mu      sync.RWMutex
	peers   map[string]*peerClient
	tls     *tls.Config
	quic    *quic.Config
	timeout time.Duration
	closed  bool
}

// NewPeerManager creates a manager. timeout bounds every request made
// through its clients; requests also honor their context deadline.
func NewPeerManager(tlsConf *tls.Config, quicConf *quic.Config, timeout time.Duration) *PeerManager {
	return &PeerManager{
		peers:   make(map[string]*peerClient),
		tls:     tlsConf,
		quic:    quicConf,
		timeout: timeout,
	}
}

// Client returns the HTTP client for address, creating it on first use.
func (m *PeerManager) Client(address string) (*http.Client, error) {
	p, err := m.get(address)
	if err != nil {
		return nil, err
	}
	return p.client, nil
}

func (m *PeerManager) get(address string) (*peerClient, error) {
	m.mu.RLock()
	p, ok := m.peers[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	// Double-check after acquiring write lock
	if p, ok = m.peers[address]; ok {
		return p, nil
	}
	rt := &http3.Transport{TLSClientConfig: m.tls, QUICConfig: m.quic}
	p = &peerClient{
		address: address,
		rt:      rt,
		client:  &http.Client{Transport: rt, Timeout: m.timeout},
	}
	m.peers[address] = p
	return p, nil
}

// Forget drops the client for address so the next Get dials again.
func (m *PeerManager) Forget(address string) error {
	m.mu.Lock()
	p, ok := m.peers[address]
	delete(m.peers, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.rt.Close()
}

// Len reports the number of live clients.
func (m *PeerManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Close shuts every client down. Later calls to Client fail with ErrClosed.
func (m *PeerManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for addr, p := range m.peers {
		err = multierr.Append(err, p.rt.Close())
		delete(m.peers, addr)
	}
	m.closed = true
	return err
}
