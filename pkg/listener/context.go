package listener

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/edgebind/edgebind/internal/keystore"
	"github.com/edgebind/edgebind/internal/suite"
	"github.com/edgebind/edgebind/pkg/config"
)

// HandshakeContext is the immutable TLS material a listener serves with:
// server credentials, the resolved cipher-suite policy, and client
// authentication settings assembled into one engine configuration. It is
// built once at startup and shared read-only by every connection.
type HandshakeContext struct {
	tlsConfig *tls.Config
	policy    suite.Policy
	clientCAs *x509.CertPool
}

// NewHandshakeContext assembles the engine configuration for a listener.
// When the policy is constrained, the cipher-suite list is pinned and the
// maximum protocol version is capped at TLS 1.2: the engine does not allow
// suite selection at TLS 1.3, so without the cap a 1.3 client would
// negotiate past the policy. A constrained policy with an empty effective
// set pins an empty list, which the engine treats as "offer nothing" and
// every handshake fails at suite negotiation.
func NewHandshakeContext(store *keystore.Store, policy suite.Policy, cfg config.ListenerConfig) (*HandshakeContext, error) {
	if store == nil {
		return nil, NewStartupError("credential store is required", nil)
	}
	cert, err := store.Certificate()
	if err != nil {
		return nil, NewStartupError("credential store is closed", err)
	}

	if policy.Constrained() && cfg.MinVersion > tls.VersionTLS12 {
		return nil, config.InvalidValueError("min-tls-version", cfg.MinVersion,
			"cipher-suite policies cannot be enforced at TLS 1.3 or above").
			WithSuggestion("Lower min-tls-version to 1.2 or remove included/excluded cipher suites")
	}

	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	tlsConfig := &tls.Config{
		Certificates:  []tls.Certificate{*cert},
		MinVersion:    minVersion,
		ClientAuth:    cfg.ClientAuth.TLSClientAuth(),
		NextProtos:    []string{"http/1.1"},
		Renegotiation: tls.RenegotiateNever,
	}

	if policy.Constrained() {
		tlsConfig.CipherSuites = policy.IDs()
		tlsConfig.MaxVersion = tls.VersionTLS12
	}

	hc := &HandshakeContext{
		tlsConfig: tlsConfig,
		policy:    policy,
	}

	if cfg.ClientAuth != config.ClientCertNone {
		pool, err := keystore.LoadTrustPool(cfg.TruststorePath, cfg.TruststoreSecret)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		hc.clientCAs = pool
	}

	return hc, nil
}

// Config returns a copy of the assembled engine configuration.
func (h *HandshakeContext) Config() *tls.Config {
	return h.tlsConfig.Clone()
}

// Policy returns the cipher-suite policy the context enforces.
func (h *HandshakeContext) Policy() suite.Policy {
	return h.policy
}

// serverConfig returns the shared engine configuration for serving. The
// engine is safe for concurrent use of one configuration across
// connections.
func (h *HandshakeContext) serverConfig() *tls.Config {
	return h.tlsConfig
}
