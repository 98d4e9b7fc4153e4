// Package keystore loads server credentials and trust anchors from
// password-protected container files (PKCS#12 or PEM bundles).
package keystore

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// CredentialError reports a failure to load credentials from a container.
// It aborts listener startup before any socket is bound.
type CredentialError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *CredentialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("keystore %s: %s: %v", e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("keystore %s: %s", e.Path, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// IsCredentialError reports whether err is, or wraps, a CredentialError.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}

func credErr(path, reason string, cause error) *CredentialError {
	return &CredentialError{Path: path, Reason: reason, Cause: cause}
}

// Store holds the server credential loaded from one keystore container:
// leaf certificate, private key and any intermediate chain. The Store owns
// the decrypted key material for its lifetime; Close drops it.
type Store struct {
	mu     sync.Mutex
	path   string
	cert   *tls.Certificate
	leaf   *x509.Certificate
	closed bool
}

// Load reads the container at path, decrypting it with secret. PKCS#12
// (modern PBES2 and legacy PBE) and PEM bundles are recognized by content,
// not extension. A PEM bundle must hold one unencrypted private key plus
// the certificate chain, leaf first; its secret is ignored.
func Load(path, secret string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, credErr(path, "container not readable", err)
	}

	var cert tls.Certificate
	if isPEM(data) {
		cert, err = loadPEM(path, data)
	} else {
		cert, err = loadPKCS12(path, data, secret)
	}
	if err != nil {
		return nil, err
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, credErr(path, "leaf certificate not parseable", err)
		}
		cert.Leaf = leaf
	}

	return &Store{path: path, cert: &cert, leaf: leaf}, nil
}

func loadPKCS12(path string, data []byte, secret string) (tls.Certificate, error) {
	key, leaf, chain, err := pkcs12.DecodeChain(data, secret)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return tls.Certificate{}, credErr(path, "incorrect keystore secret", err)
		}
		return tls.Certificate{}, credErr(path, "unrecognized or corrupt container", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return tls.Certificate{}, credErr(path, "container key cannot be used for TLS", nil)
	}
	if !keyMatchesCertificate(signer, leaf) {
		return tls.Certificate{}, credErr(path, "private key does not match certificate", nil)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  signer,
		Leaf:        leaf,
	}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func loadPEM(path string, data []byte) (tls.Certificate, error) {
	var certPEM, keyPEM []byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case block.Type == "ENCRYPTED PRIVATE KEY" || block.Headers["Proc-Type"] != "":
			return tls.Certificate{}, credErr(path, "encrypted PEM keys are not supported, use a PKCS#12 container", nil)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			if keyPEM == nil {
				keyPEM = pem.EncodeToMemory(block)
			}
		}
	}
	if len(certPEM) == 0 || keyPEM == nil {
		return tls.Certificate{}, credErr(path, "PEM bundle is missing a certificate or private key", nil)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, credErr(path, "certificate and key do not form a valid pair", err)
	}
	return cert, nil
}

func keyMatchesCertificate(signer crypto.Signer, cert *x509.Certificate) bool {
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(signer.Public())
}

func isPEM(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("-----BEGIN"))
}

// Certificate returns the server credential for TLS configuration.
func (s *Store) Certificate() (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, credErr(s.path, "credential store is closed", nil)
	}
	return s.cert, nil
}

// Leaf returns the parsed leaf certificate, or nil after Close.
func (s *Store) Leaf() *x509.Certificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaf
}

// Path returns the container path the store was loaded from.
func (s *Store) Path() string { return s.path }

// Close drops the decrypted key material. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cert = nil
	s.leaf = nil
	return nil
}

// LoadTrustPool loads certificate authorities for client-certificate
// verification from a PEM bundle or a PKCS#12 container. Private keys in
// the container are ignored; a server-style container contributes its
// whole chain as anchors.
func LoadTrustPool(path, secret string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, credErr(path, "truststore not readable", err)
	}

	pool := x509.NewCertPool()
	if isPEM(data) {
		if !pool.AppendCertsFromPEM(data) {
			return nil, credErr(path, "truststore holds no certificates", nil)
		}
		return pool, nil
	}

	certs, err := pkcs12.DecodeTrustStore(data, secret)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, credErr(path, "incorrect truststore secret", err)
		}
		_, leaf, chain, chainErr := pkcs12.DecodeChain(data, secret)
		if chainErr != nil {
			return nil, credErr(path, "unrecognized truststore container", err)
		}
		certs = append([]*x509.Certificate{leaf}, chain...)
	}
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}
