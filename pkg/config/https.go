package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// DefaultHandshakeTimeout bounds a single TLS handshake unless the
// configuration overrides it. Zero disables the bound entirely.
const DefaultHandshakeTimeout = 10 * time.Second

// ClientCertMode selects how the listener treats client certificates.
type ClientCertMode string

const (
	// ClientCertNone never requests a client certificate.
	ClientCertNone ClientCertMode = "NONE"
	// ClientCertWanted requests a certificate, verifies one if presented,
	// and proceeds without one.
	ClientCertWanted ClientCertMode = "WANTED"
	// ClientCertRequired fails the handshake unless a verifiable
	// certificate is presented.
	ClientCertRequired ClientCertMode = "REQUIRED"
)

// ParseClientCertMode normalizes s into a ClientCertMode. Empty input means
// NONE.
func ParseClientCertMode(s string) (ClientCertMode, error) {
	switch ClientCertMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ClientCertNone:
		return ClientCertNone, nil
	case ClientCertWanted:
		return ClientCertWanted, nil
	case ClientCertRequired:
		return ClientCertRequired, nil
	default:
		return "", fmt.Errorf("unknown client-auth mode %q", s)
	}
}

// TLSClientAuth maps the mode onto the engine's client-auth behavior.
func (m ClientCertMode) TLSClientAuth() tls.ClientAuthType {
	switch m {
	case ClientCertWanted:
		return tls.VerifyClientCertIfGiven
	case ClientCertRequired:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.NoClientCert
	}
}

// ParseTLSVersion maps "1.0" through "1.3" to the engine constant. Empty
// input means TLS 1.2.
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimSpace(s) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", s)
	}
}

// KeystoreConfig locates one credential container.
type KeystoreConfig struct {
	Path     string `yaml:"path,omitempty" json:"path,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPSConfig is the raw, serializable listener configuration as written
// by operators. Resolve turns it into the validated immutable view the
// listener consumes; nothing else should read the raw fields.
type HTTPSConfig struct {
	Enabled              bool           `yaml:"enabled" json:"enabled"`
	Host                 string         `yaml:"host,omitempty" json:"host,omitempty"`
	Port                 int            `yaml:"port" json:"port"`
	Keystore             KeystoreConfig `yaml:"keystore,omitempty" json:"keystore,omitempty"`
	Truststore           KeystoreConfig `yaml:"truststore,omitempty" json:"truststore,omitempty"`
	IncludedCipherSuites string         `yaml:"included-cipher-suites,omitempty" json:"included-cipher-suites,omitempty"`
	ExcludedCipherSuites string         `yaml:"excluded-cipher-suites,omitempty" json:"excluded-cipher-suites,omitempty"`
	ClientAuth           string         `yaml:"client-auth,omitempty" json:"client-auth,omitempty"`
	MinTLSVersion        string         `yaml:"min-tls-version,omitempty" json:"min-tls-version,omitempty"`
	HandshakeTimeout     string         `yaml:"handshake-timeout,omitempty" json:"handshake-timeout,omitempty"`
}

// ListenerConfig is the validated immutable runtime view of an HTTPS
// listener. Instances exist only via HTTPSConfig.Resolve, so holders never
// see a partially-valid configuration.
type ListenerConfig struct {
	Host                 string
	Port                 int
	KeystorePath         string
	KeystoreSecret       string
	TruststorePath       string
	TruststoreSecret     string
	IncludedCipherSuites string
	ExcludedCipherSuites string
	ClientAuth           ClientCertMode
	MinVersion           uint16
	HandshakeTimeout     time.Duration
}

// Validate checks the raw configuration. A disabled listener is always
// valid.
func (c HTTPSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	_, err := c.Resolve()
	return err
}

// Resolve validates the raw configuration and returns the immutable view.
// All validation lives here; the listener trusts the result.
func (c HTTPSConfig) Resolve() (ListenerConfig, error) {
	if !c.Enabled {
		return ListenerConfig{}, InvalidValueError("server.https.enabled", c.Enabled,
			"listener is disabled").
			WithSuggestion("Set server.https.enabled to true to create the listener")
	}

	if c.Port < 0 || c.Port > 65535 {
		return ListenerConfig{}, InvalidValueError("server.https.port", c.Port,
			"port must be between 0 and 65535").
			WithSuggestion("Use 0 to bind an ephemeral port")
	}

	if strings.TrimSpace(c.Keystore.Path) == "" {
		return ListenerConfig{}, MissingFieldError("server.https.keystore.path").
			WithSuggestion("Point it at a PKCS#12 container or a PEM bundle holding the server key and chain")
	}

	mode, err := ParseClientCertMode(c.ClientAuth)
	if err != nil {
		return ListenerConfig{}, InvalidValueError("server.https.client-auth", c.ClientAuth, err.Error()).
			WithSuggestion("Use one of NONE, WANTED, REQUIRED")
	}
	if mode != ClientCertNone && strings.TrimSpace(c.Truststore.Path) == "" {
		return ListenerConfig{}, MissingFieldError("server.https.truststore.path").
			WithSuggestion("Client certificate verification needs trust anchors").
			WithSuggestion("Point it at a PEM bundle or PKCS#12 container holding the client CA")
	}

	minVersion, err := ParseTLSVersion(c.MinTLSVersion)
	if err != nil {
		return ListenerConfig{}, InvalidValueError("server.https.min-tls-version", c.MinTLSVersion, err.Error()).
			WithSuggestion("Use one of 1.0, 1.1, 1.2, 1.3")
	}

	constrained := !specBlank(c.IncludedCipherSuites) || !specBlank(c.ExcludedCipherSuites)
	if constrained && minVersion > tls.VersionTLS12 {
		return ListenerConfig{}, InvalidValueError("server.https.min-tls-version", c.MinTLSVersion,
			"cipher-suite policies cannot be enforced at TLS 1.3, so the minimum version must not exceed 1.2").
			WithSuggestion("Drop the cipher-suite lists or lower min-tls-version to 1.2")
	}

	timeout := DefaultHandshakeTimeout
	if strings.TrimSpace(c.HandshakeTimeout) != "" {
		timeout, err = time.ParseDuration(strings.TrimSpace(c.HandshakeTimeout))
		if err != nil || timeout < 0 {
			return ListenerConfig{}, InvalidValueError("server.https.handshake-timeout", c.HandshakeTimeout,
				"must be a non-negative duration").
				WithSuggestion("Examples: 10s, 500ms, 0 to disable the deadline")
		}
	}

	return ListenerConfig{
		Host:                 strings.TrimSpace(c.Host),
		Port:                 c.Port,
		KeystorePath:         strings.TrimSpace(c.Keystore.Path),
		KeystoreSecret:       c.Keystore.Password,
		TruststorePath:       strings.TrimSpace(c.Truststore.Path),
		TruststoreSecret:     c.Truststore.Password,
		IncludedCipherSuites: c.IncludedCipherSuites,
		ExcludedCipherSuites: c.ExcludedCipherSuites,
		ClientAuth:           mode,
		MinVersion:           minVersion,
		HandshakeTimeout:     timeout,
	}, nil
}

// specBlank mirrors cipher-spec parsing: a list of separators and
// whitespace is no constraint at all.
func specBlank(raw string) bool {
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) != "" {
			return false
		}
	}
	return true
}
