// Package certs generates a CA together with server and client certificates
// for mTLS between buildctl and buildserver. Client certificates carry the
// requester name as CN and the role as OU.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	CACertFile     = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

// Client describes a client certificate to generate.
type Client struct {
	Name string
	Role string
}

// CertFile returns the file name of the client certificate.
func (c Client) CertFile() string {
	return fmt.Sprintf("client-%s.crt", c.Name)
}

// KeyFile returns the file name of the client private key.
func (c Client) KeyFile() string {
	return fmt.Sprintf("client-%s.key", c.Name)
}

// Options for Generate.
type Options struct {
	// Hosts the server certificate is valid for, DNS names or IPs.
	Hosts    []string
	Clients  []Client
	Validity time.Duration
}

type keyPair struct {
	cert *x509.Certificate
	der  []byte
	key  *ecdsa.PrivateKey
}

// Generate writes a CA, a server certificate and one certificate per client
// into dir.
func Generate(dir string, opts Options) error {
	if opts.Validity <= 0 {
		opts.Validity = 365 * 24 * time.Hour
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	ca, err := newKeyPair(&x509.Certificate{
		Subject:               pkix.Name{CommonName: "buildworker CA"},
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, opts.Validity, nil)
	if err != nil {
		return fmt.Errorf("generate CA: %w", err)
	}

	if err := ca.write(dir, CACertFile, CAKeyFile); err != nil {
		return err
	}

	serverTmpl := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "buildserver"},
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			serverTmpl.IPAddresses = append(serverTmpl.IPAddresses, ip)
		} else {
			serverTmpl.DNSNames = append(serverTmpl.DNSNames, h)
		}
	}

	server, err := newKeyPair(serverTmpl, opts.Validity, ca)
	if err != nil {
		return fmt.Errorf("generate server cert: %w", err)
	}

	if err := server.write(dir, ServerCertFile, ServerKeyFile); err != nil {
		return err
	}

	for _, c := range opts.Clients {
		client, err := newKeyPair(&x509.Certificate{
			Subject: pkix.Name{
				CommonName:         c.Name,
				OrganizationalUnit: []string{c.Role},
			},
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}, opts.Validity, ca)
		if err != nil {
			return fmt.Errorf("generate client cert %s: %w", c.Name, err)
		}

		if err := client.write(dir, c.CertFile(), c.KeyFile()); err != nil {
			return err
		}
	}

	return nil
}

// newKeyPair creates a certificate from tmpl signed by parent, or self-signed
// if parent is nil.
func newKeyPair(
	tmpl *x509.Certificate,
	validity time.Duration,
	parent *keyPair,
) (*keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl.SerialNumber = serial
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(validity)

	signer, signerKey := tmpl, key
	if parent != nil {
		signer, signerKey = parent.cert, parent.key
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, signer, &key.PublicKey, signerKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	return &keyPair{cert: cert, der: der, key: key}, nil
}

func (k *keyPair) write(dir, certFile, keyFile string) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(k.key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: k.der})
	if err := os.WriteFile(filepath.Join(dir, certFile), certPEM, 0644); err != nil {
		return fmt.Errorf("write %s: %w", certFile, err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, keyFile), keyPEM, 0600); err != nil {
		return fmt.Errorf("write %s: %w", keyFile, err)
	}

	return nil
}
