// Package listener provides an embedded HTTPS listener whose TLS posture
// is driven by declarative cipher-suite policy. The listener owns the
// accept loop and performs the handshake itself so that every connection
// is classified, logged, and counted before the embedded HTTP server ever
// sees it; handshake failures terminate the connection, never the
// listener.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgebind/edgebind/internal/keystore"
	"github.com/edgebind/edgebind/internal/suite"
	"github.com/edgebind/edgebind/pkg/config"
	"github.com/edgebind/edgebind/pkg/stats"
)

// Listener serves HTTPS on a single socket with per-connection handshake
// enforcement. Construct with New, then Start; Stop is idempotent and
// releases every resource Start acquired.
type Listener struct {
	cfg     config.ListenerConfig
	handler http.Handler
	logger  *slog.Logger
	catalog suite.Catalog
	stats   *stats.Recorder

	mu      sync.Mutex
	started bool
	stopped bool
	warning *PolicyWarning

	policy    suite.Policy
	store     *keystore.Store
	hs        *HandshakeContext
	tcp       net.Listener
	queue     *connQueue
	httpSrv   *http.Server
	addr      *net.TCPAddr
	collector *metricsCollector

	shutdown chan struct{}
	wg       sync.WaitGroup

	stopOnce sync.Once
	stopDone chan struct{}
	stopErr  error

	connsMu sync.Mutex
	conns   map[net.Conn]string
}

// Option adjusts a Listener at construction time.
type Option func(*Listener)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCatalog injects the set of suites the platform supports. Defaults to
// suite.PlatformCatalog().
func WithCatalog(catalog suite.Catalog) Option {
	return func(l *Listener) {
		l.catalog = catalog
	}
}

// WithStats attaches a Prometheus recorder. Without one, recording is a
// no-op.
func WithStats(recorder *stats.Recorder) Option {
	return func(l *Listener) {
		l.stats = recorder
	}
}

// New creates a listener for cfg serving handler. The configuration should
// come from config.HTTPSConfig.Resolve; hand-built values are re-validated
// at Start.
func New(cfg config.ListenerConfig, handler http.Handler, opts ...Option) (*Listener, error) {
	if handler == nil {
		return nil, NewStartupError("handler is required", nil)
	}

	l := &Listener{
		cfg:      cfg,
		handler:  handler,
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
		stopDone: make(chan struct{}),
		conns:    make(map[net.Conn]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.catalog == nil {
		l.catalog = suite.PlatformCatalog()
	}
	return l, nil
}

// Start loads credentials, resolves the cipher-suite policy, binds the
// socket, and begins accepting connections. An empty effective set is not
// a startup error: the listener binds, records a PolicyWarning, and every
// handshake fails at suite negotiation. Credential failures abort before
// any socket is bound.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return NewStartupError("listener already started", nil)
	}
	if l.stopped {
		return NewStartupError("listener already stopped", nil)
	}

	if err := l.validateConfig(); err != nil {
		return err
	}

	store, err := keystore.Load(l.cfg.KeystorePath, l.cfg.KeystoreSecret)
	if err != nil {
		return err
	}

	included := suite.ParseSpec(l.cfg.IncludedCipherSuites)
	excluded := suite.ParseSpec(l.cfg.ExcludedCipherSuites)
	policy := suite.Resolve(included, excluded, l.catalog)

	hs, err := NewHandshakeContext(store, policy, l.cfg)
	if err != nil {
		store.Close()
		return err
	}

	collector, err := newMetricsCollector(l.logger)
	if err != nil {
		l.logger.Warn("metrics collector unavailable, continuing without telemetry", "error", err)
		collector = nil
	}

	if names := policy.Unknown(); len(names) > 0 {
		l.logger.Warn("cipher-suite policy names unknown suites, ignoring them", "names", names)
	}
	if policy.Constrained() {
		l.logger.Info("cipher-suite policy resolved",
			"effective_suites", policy.Names(),
			"catalog_size", len(l.catalog))
	}
	if policy.Empty() {
		w := &PolicyWarning{
			Included: []string(included),
			Excluded: []string(excluded),
			Unknown:  policy.Unknown(),
		}
		l.warning = w
		l.logger.Warn(w.Message())
		collector.RecordPolicyEmpty(ctx)
		l.stats.EmptyPolicy()
	}

	address := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	tcp, err := net.Listen("tcp", address)
	if err != nil {
		store.Close()
		return NewBindError(address, err)
	}

	l.store = store
	l.policy = policy
	l.hs = hs
	l.collector = collector
	l.tcp = tcp
	l.addr = tcp.Addr().(*net.TCPAddr)
	l.queue = newConnQueue(tcp.Addr())
	l.httpSrv = &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: 30 * time.Second,
		ConnContext:       l.connContext,
		ConnState:         l.connStateHook,
		ErrorLog:          slog.NewLogLogger(l.logger.Handler(), slog.LevelDebug),
	}

	l.wg.Add(1)
	go l.serveHTTP()
	l.wg.Add(1)
	go l.acceptLoop(tcp)

	l.started = true
	l.logger.Info("https listener ready",
		"uri", l.uriLocked().String(),
		"client_auth", string(l.cfg.ClientAuth),
		"min_tls_version", tls.VersionName(l.cfg.MinVersion),
		"policy_constrained", policy.Constrained())
	return nil
}

// validateConfig re-checks the invariants config.HTTPSConfig.Resolve
// establishes, for callers that build ListenerConfig by hand.
func (l *Listener) validateConfig() error {
	if l.cfg.KeystorePath == "" {
		return config.MissingFieldError("keystore.path")
	}
	if l.cfg.Port < 0 || l.cfg.Port > 65535 {
		return config.InvalidValueError("port", l.cfg.Port, "must be between 0 and 65535")
	}
	if l.cfg.ClientAuth != config.ClientCertNone && l.cfg.TruststorePath == "" {
		return config.MissingFieldError("truststore.path").
			WithSuggestion("Client certificate verification needs trust anchors; set truststore.path")
	}
	if l.cfg.HandshakeTimeout < 0 {
		return config.InvalidValueError("handshake-timeout", l.cfg.HandshakeTimeout, "must not be negative")
	}
	return nil
}

func (l *Listener) serveHTTP() {
	defer l.wg.Done()
	if err := l.httpSrv.Serve(l.queue); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("embedded http server exited", "error", err)
	}
}

func (l *Listener) acceptLoop(tcp net.Listener) {
	defer l.wg.Done()

	var delay time.Duration
	for {
		conn, err := tcp.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// transient accept failure, retry with growing backoff
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > time.Second {
				delay = time.Second
			}
			l.logger.Error("accept failed, retrying", "error", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// handleConn performs the TLS handshake for one accepted connection and
// hands it to the embedded HTTP server on success. Failures are
// classified, logged, counted, and close only this connection.
func (l *Listener) handleConn(raw net.Conn) {
	defer l.wg.Done()

	ctx := context.Background()
	connID := uuid.New().String()
	logger := l.logger.With("conn_id", connID, "remote_addr", raw.RemoteAddr().String())

	l.collector.RecordConnectionStart(ctx)
	l.stats.ConnectionAccepted()
	logger.Debug("connection accepted", "state", stateAccepted.String())

	tlsConn := tls.Server(raw, l.hs.serverConfig())

	if l.cfg.HandshakeTimeout > 0 {
		if err := tlsConn.SetDeadline(time.Now().Add(l.cfg.HandshakeTimeout)); err != nil {
			logger.Error("failed to arm handshake deadline", "error", err)
			l.collector.RecordHandshakeError(ctx, reasonHandshake)
			l.stats.HandshakeFailed(reasonHandshake)
			tlsConn.Close()
			return
		}
	}

	logger.Debug("handshake started", "state", stateHandshaking.String())
	start := time.Now()
	err := tlsConn.HandshakeContext(ctx)
	elapsed := time.Since(start)

	if err != nil {
		reason := classifyHandshakeError(err)
		logger.Warn("handshake failed",
			"state", stateFailed.String(),
			"reason", reason,
			"elapsed", elapsed,
			"error", err)
		l.collector.RecordHandshakeError(ctx, reason)
		l.stats.HandshakeFailed(reason)
		tlsConn.Close()
		return
	}

	if l.cfg.HandshakeTimeout > 0 {
		if err := tlsConn.SetDeadline(time.Time{}); err != nil {
			logger.Error("failed to clear handshake deadline", "error", err)
			l.collector.RecordHandshakeError(ctx, reasonHandshake)
			l.stats.HandshakeFailed(reasonHandshake)
			tlsConn.Close()
			return
		}
	}

	state := tlsConn.ConnectionState()
	suiteName := tls.CipherSuiteName(state.CipherSuite)
	versionName := tls.VersionName(state.Version)

	// The engine only offers suites from the policy, so a negotiation
	// outside it means the context and policy have diverged.
	if !l.policy.Admits(state.CipherSuite) {
		logger.Error("negotiated suite outside policy, closing connection",
			"state", stateFailed.String(),
			"cipher_suite", suiteName,
			"tls_version", versionName)
		l.collector.RecordHandshakeError(ctx, reasonPolicyViolation)
		l.stats.HandshakeFailed(reasonPolicyViolation)
		tlsConn.Close()
		return
	}

	logger.Info("handshake complete",
		"state", stateEstablished.String(),
		"tls_version", versionName,
		"cipher_suite", suiteName,
		"client_cert", len(state.PeerCertificates) > 0,
		"elapsed", elapsed)
	l.collector.RecordHandshakeSuccess(ctx, versionName, suiteName, elapsed)
	l.stats.ConnectionEstablished(suiteName, versionName)
	l.stats.ObserveHandshake(elapsed)

	l.trackConn(tlsConn, connID)
	if !l.queue.push(tlsConn) {
		logger.Debug("listener stopping, dropping connection before handoff")
		l.untrackConn(tlsConn)
		l.collector.RecordConnectionEnd(ctx)
		l.stats.ConnectionClosed()
		tlsConn.Close()
	}
}

func (l *Listener) trackConn(c net.Conn, id string) {
	l.connsMu.Lock()
	l.conns[c] = id
	l.connsMu.Unlock()
}

func (l *Listener) untrackConn(c net.Conn) bool {
	l.connsMu.Lock()
	_, ok := l.conns[c]
	delete(l.conns, c)
	l.connsMu.Unlock()
	return ok
}

type connIDKey struct{}

// connContext stamps the listener-assigned connection id onto every
// request context served over that connection.
func (l *Listener) connContext(ctx context.Context, c net.Conn) context.Context {
	l.connsMu.Lock()
	id := l.conns[c]
	l.connsMu.Unlock()
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnID returns the connection id carried on a request context, or empty.
func ConnID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

func (l *Listener) connStateHook(c net.Conn, s http.ConnState) {
	switch s {
	case http.StateClosed, http.StateHijacked:
		if l.untrackConn(c) {
			l.collector.RecordConnectionEnd(context.Background())
			l.stats.ConnectionClosed()
		}
	}
}

// Stop closes the socket, drains in-flight requests honoring ctx, waits
// for connection handlers, and releases the credential store. It is
// idempotent; concurrent calls wait for the first teardown to finish.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.stopped = true
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	l.mu.Unlock()

	l.stopOnce.Do(func() {
		defer close(l.stopDone)
		l.stopErr = l.teardown(ctx)
	})
	<-l.stopDone
	return l.stopErr
}

func (l *Listener) teardown(ctx context.Context) error {
	close(l.shutdown)

	var firstErr error

	if err := l.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		firstErr = NewShutdownError("failed to close listening socket", err)
	}

	if err := l.httpSrv.Shutdown(ctx); err != nil {
		l.httpSrv.Close()
		if firstErr == nil {
			firstErr = NewShutdownError("graceful drain interrupted", err)
		}
	}
	l.queue.Close()

	handlersDone := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = NewShutdownError("timed out waiting for connection handlers", ctx.Err())
		}
	}

	if err := l.store.Close(); err != nil && firstErr == nil {
		firstErr = NewShutdownError("failed to close credential store", err)
	}

	l.logger.Info("https listener stopped", "address", l.addr.String())
	return firstErr
}

// PolicyWarning reports the empty-effective-set condition observed at
// Start, or nil.
func (l *Listener) PolicyWarning() *PolicyWarning {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warning
}

// URI returns the resolved https URL after a successful Start, or nil.
// When the configured bind host is empty or a wildcard, the URI host is
// 127.0.0.1 so the value is always dialable.
func (l *Listener) URI() *url.URL {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr == nil {
		return nil
	}
	return l.uriLocked()
}

func (l *Listener) uriLocked() *url.URL {
	host := "127.0.0.1"
	if ip := l.addr.IP; ip != nil && !ip.IsUnspecified() {
		host = ip.String()
	}
	return &url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(host, strconv.Itoa(l.addr.Port)),
	}
}

// Addr returns the bound address after a successful Start, or nil.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr == nil {
		return nil
	}
	return l.addr
}

// Port returns the resolved port after a successful Start; zero before.
func (l *Listener) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr == nil {
		return 0
	}
	return l.addr.Port
}
