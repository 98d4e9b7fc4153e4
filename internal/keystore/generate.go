package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Format selects the container encoding written by WriteKeystore and
// WriteTrustStore.
type Format int

const (
	// PKCS12 writes a modern PBES2/PBKDF2 container.
	PKCS12 Format = iota
	// PKCS12Legacy writes the RC2/3DES container older stacks expect.
	PKCS12Legacy
	// PEM writes a bundle of one unencrypted private key plus the chain.
	PEM
)

// GenerateOptions controls certificate generation for dev and test
// keystores.
type GenerateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	KeySize      int
	IsCA         bool
	IsClient     bool
	ParentCert   *x509.Certificate
	ParentKey    crypto.Signer
}

// GenerateCertificate creates an RSA certificate from opts, self-signed
// unless a parent is given. Server certificates default to localhost SANs.
func GenerateCertificate(opts GenerateOptions) (*x509.Certificate, crypto.Signer, error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.KeySize == 0 {
		opts.KeySize = 2048
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	key, err := rsa.GenerateKey(rand.Reader, opts.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.IsClient:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
			template.DNSNames = []string{"localhost"}
			template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		}
	}

	parentCert := &template
	var parentKey crypto.Signer = key
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generated certificate: %w", err)
	}
	return cert, key, nil
}

// WriteKeystore writes a credential container holding key, cert and any
// chain certificates at path.
func WriteKeystore(path, secret string, format Format, key crypto.Signer, cert *x509.Certificate, chain ...*x509.Certificate) error {
	var data []byte
	var err error
	switch format {
	case PKCS12:
		data, err = pkcs12.Modern.Encode(key, cert, chain, secret)
	case PKCS12Legacy:
		data, err = pkcs12.LegacyRC2.Encode(key, cert, chain, secret)
	case PEM:
		data, err = encodePEMBundle(key, cert, chain)
	default:
		return fmt.Errorf("unknown keystore format %d", format)
	}
	if err != nil {
		return fmt.Errorf("encode keystore %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore %s: %w", path, err)
	}
	return nil
}

// WriteTrustStore writes CA certificates as a trust anchor container at
// path. The PEM format ignores secret.
func WriteTrustStore(path, secret string, format Format, certs ...*x509.Certificate) error {
	var data []byte
	var err error
	switch format {
	case PKCS12, PKCS12Legacy:
		data, err = pkcs12.Modern.EncodeTrustStore(certs, secret)
	case PEM:
		for _, c := range certs {
			data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
		}
	default:
		return fmt.Errorf("unknown truststore format %d", format)
	}
	if err != nil {
		return fmt.Errorf("encode truststore %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write truststore %s: %w", path, err)
	}
	return nil
}

func encodePEMBundle(key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate) ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	for _, c := range chain {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return data, nil
}

// TestStores is the credential material integration tests and dev setups
// need for server and mutual TLS configurations.
type TestStores struct {
	Dir            string
	Secret         string
	KeystorePath   string
	TruststorePath string
	ClientCertPath string
	ClientKeyPath  string
	CACert         *x509.Certificate
	CAKey          crypto.Signer
	ServerCert     *x509.Certificate
}

// GenerateTestStores builds a CA, a CA-signed localhost server keystore
// (PKCS#12, with chain), a PEM truststore holding the CA, and a CA-signed
// client credential pair under dir.
func GenerateTestStores(dir, secret string) (*TestStores, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	caCert, caKey, err := GenerateCertificate(GenerateOptions{
		CommonName:   "edgebind test CA",
		Organization: []string{"edgebind"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("generate CA: %w", err)
	}

	serverCert, serverKey, err := GenerateCertificate(GenerateOptions{
		CommonName:   "localhost",
		Organization: []string{"edgebind"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		ParentCert:   caCert,
		ParentKey:    caKey,
	})
	if err != nil {
		return nil, fmt.Errorf("generate server certificate: %w", err)
	}

	clientCert, clientKey, err := GenerateCertificate(GenerateOptions{
		CommonName:   "edgebind test client",
		Organization: []string{"edgebind"},
		IsClient:     true,
		ParentCert:   caCert,
		ParentKey:    caKey,
	})
	if err != nil {
		return nil, fmt.Errorf("generate client certificate: %w", err)
	}

	ts := &TestStores{
		Dir:            dir,
		Secret:         secret,
		KeystorePath:   filepath.Join(dir, "server.p12"),
		TruststorePath: filepath.Join(dir, "ca.pem"),
		ClientCertPath: filepath.Join(dir, "client.crt"),
		ClientKeyPath:  filepath.Join(dir, "client.key"),
		CACert:         caCert,
		CAKey:          caKey,
		ServerCert:     serverCert,
	}

	if err := WriteKeystore(ts.KeystorePath, secret, PKCS12, serverKey, serverCert, caCert); err != nil {
		return nil, err
	}
	if err := WriteTrustStore(ts.TruststorePath, "", PEM, caCert); err != nil {
		return nil, err
	}

	clientKeyDER, err := x509.MarshalPKCS8PrivateKey(clientKey)
	if err != nil {
		return nil, fmt.Errorf("marshal client key: %w", err)
	}
	clientCertPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: clientCert.Raw})
	clientKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: clientKeyDER})
	if err := os.WriteFile(ts.ClientCertPath, clientCertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write client certificate: %w", err)
	}
	if err := os.WriteFile(ts.ClientKeyPath, clientKeyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write client key: %w", err)
	}

	return ts, nil
}
