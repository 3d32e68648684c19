// Package certs builds the mutual TLS configuration of the node transport,
// either from PEM files or from a freshly generated development CA.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CAFile         = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"

	nextProtoH3 = "h3"
)

// LoadServerTLSConfig loads the server's certificate and key, and the CA cert.
// It configures the server to require and verify client certificates.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	pool, err := loadPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return serverConfig(serverCert, pool), nil
}

// LoadClientTLSConfig loads the client's certificate and key, and the CA cert
// used to verify servers.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	pool, err := loadPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return clientConfig(clientCert, pool), nil
}

// LoadDir loads the server and client configurations from the standard file
// names inside dir.
func LoadDir(dir string) (server, client *tls.Config, err error) {
	ca := filepath.Join(dir, CAFile)
	server, err = LoadServerTLSConfig(ca, filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	if err != nil {
		return nil, nil, err
	}
	client, err = LoadClientTLSConfig(ca, filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile))
	if err != nil {
		return nil, nil, err
	}
	return server, client, nil
}

func loadPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to append CA cert to pool")
	}
	return pool, nil
}

func serverConfig(cert tls.Certificate, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		NextProtos:   []string{nextProtoH3},
		MinVersion:   tls.VersionTLS13,
	}
}

func clientConfig(cert tls.Certificate, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		NextProtos:   []string{nextProtoH3},
		MinVersion:   tls.VersionTLS13,
	}
}

// DevPKI is a development CA with one server and one client certificate.
type DevPKI struct {
	caCert     *x509.Certificate
	caKey      *ecdsa.PrivateKey
	serverCert *x509.Certificate
	serverKey  *ecdsa.PrivateKey
	clientCert *x509.Certificate
	clientKey  *ecdsa.PrivateKey
}

// NewDevPKI generates a CA and a server certificate valid for hosts (DNS
// names or IP addresses) plus a client certificate, all signed by the CA.
func NewDevPKI(hosts ...string) (*DevPKI, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	p := &DevPKI{}
	var err error
	if p.caKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, err
	}
	if p.caCert, err = createCACertificate(p.caKey); err != nil {
		return nil, err
	}
	if p.serverKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, err
	}
	if p.serverCert, err = createSignedCertificate(p.serverKey, hosts, p.caCert, p.caKey, true); err != nil {
		return nil, err
	}
	if p.clientKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return nil, err
	}
	if p.clientCert, err = createSignedCertificate(p.clientKey, []string{"client"}, p.caCert, p.caKey, false); err != nil {
		return nil, err
	}
	return p, nil
}

// TLSConfigs returns in-memory server and client configurations.
func (p *DevPKI) TLSConfigs() (server, client *tls.Config) {
	pool := x509.NewCertPool()
	pool.AddCert(p.caCert)
	server = serverConfig(tls.Certificate{
		Certificate: [][]byte{p.serverCert.Raw},
		PrivateKey:  p.serverKey,
		Leaf:        p.serverCert,
	}, pool)
	client = clientConfig(tls.Certificate{
		Certificate: [][]byte{p.clientCert.Raw},
		PrivateKey:  p.clientKey,
		Leaf:        p.clientCert,
	}, pool)
	return server, client
}

// WriteDir writes every certificate and key as PEM under dir, using the names
// LoadDir expects.
func (p *DevPKI) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := []struct {
		name string
		cert *x509.Certificate
		key  *ecdsa.PrivateKey
	}{
		{CAFile, p.caCert, nil},
		{CAKeyFile, nil, p.caKey},
		{ServerCertFile, p.serverCert, nil},
		{ServerKeyFile, nil, p.serverKey},
		{ClientCertFile, p.clientCert, nil},
		{ClientKeyFile, nil, p.clientKey},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		var err error
		if f.cert != nil {
			err = saveCert(path, f.cert)
		} else {
			err = saveKey(path, f.key)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// createCACertificate creates a self-signed CA certificate.
func createCACertificate(privateKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"gojodtx dev CA"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}

// createSignedCertificate creates a server or client cert signed by a CA.
func createSignedCertificate(
	privateKey *ecdsa.PrivateKey,
	hosts []string,
	caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey,
	isServer bool,
) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	// SANs (must be set or Go rejects certs)
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	if isServer {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certBytes)
}

// saveCert saves a certificate to a PEM file.
func saveCert(filename string, cert *x509.Certificate) error {
	certOut, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// saveKey saves a private key to a PEM file.
func saveKey(filename string, key *ecdsa.PrivateKey) error {
	keyOut, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
