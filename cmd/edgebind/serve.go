package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/edgebind/edgebind/pkg/config"
	"github.com/edgebind/edgebind/pkg/listener"
	"github.com/edgebind/edgebind/pkg/stats"
	"github.com/edgebind/edgebind/pkg/telemetry"
)

const defaultConfigPath = "edgebind.yaml"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTPS listener daemon",
		RunE:  runServe,
	}

	cmd.Flags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML or JSON)")
	cmd.Flags().Bool("watch", true, "Restart the listener when the configuration file changes")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	watch, err := cmd.Flags().GetBool("watch")
	if err != nil {
		return fmt.Errorf("failed to get watch flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("trace export shutdown failed", "error", err)
		}
	}()

	recorder := stats.NewRecorder()
	if cfg.Metrics.Enabled {
		metricsSrv := serveMetrics(cfg.Metrics.Address, recorder, logger)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if err := metricsSrv.Shutdown(stopCtx); err != nil {
				logger.Error("metrics endpoint shutdown failed", "error", err)
			}
		}()
	}

	var updates <-chan *config.Config
	if watch {
		provider, err := config.NewProvider(configPath, logger)
		if err != nil {
			return err
		}
		defer provider.Close()
		updates = provider.Subscribe()
		// The subscription starts with the configuration already loaded
		// above; drain it so only real changes restart the listener.
		<-updates
	}

	handler := otelhttp.NewHandler(demoHandler(), "edgebind.http")

	current, err := startHTTPSListener(ctx, cfg.Server.HTTPS, handler, recorder, logger)
	if err != nil {
		return err
	}
	lastGood := cfg.Server.HTTPS

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig.String())
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			return current.Stop(stopCtx)

		case next := <-updates:
			if next == nil {
				continue
			}
			logger.Info("configuration changed, restarting listener")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := current.Stop(stopCtx)
			stopCancel()
			if err != nil {
				logger.Error("stopping listener for restart failed", "error", err)
			}

			replacement, err := startHTTPSListener(ctx, next.Server.HTTPS, handler, recorder, logger)
			if err != nil {
				logger.Error("new configuration failed to start, restoring the previous one", "error", err)
				replacement, err = startHTTPSListener(ctx, lastGood, handler, recorder, logger)
				if err != nil {
					return fmt.Errorf("previous configuration could not be restored: %w", err)
				}
			} else {
				lastGood = next.Server.HTTPS
			}
			current = replacement
		}
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func startHTTPSListener(ctx context.Context, httpsCfg config.HTTPSConfig, handler http.Handler, recorder *stats.Recorder, logger *slog.Logger) (*listener.Listener, error) {
	if !httpsCfg.Enabled {
		return nil, fmt.Errorf("https listener is disabled; set server.https.enabled: true")
	}

	lc, err := httpsCfg.Resolve()
	if err != nil {
		return nil, err
	}

	l, err := listener.New(lc, handler,
		listener.WithLogger(logger),
		listener.WithStats(recorder),
	)
	if err != nil {
		return nil, err
	}
	if err := l.Start(ctx); err != nil {
		return nil, err
	}

	if w := l.PolicyWarning(); w != nil {
		logger.Warn("listener is up but its cipher-suite policy is empty; every handshake will fail",
			"unknown_suites", w.Unknown)
	}
	logger.Info("serving", "uri", l.URI().String())
	return l, nil
}

func serveMetrics(address string, recorder *stats.Recorder, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())

	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

type demoResponse struct {
	ConnID      string `json:"conn_id,omitempty"`
	TLSVersion  string `json:"tls_version"`
	CipherSuite string `json:"cipher_suite"`
	ClientCN    string `json:"client_cn,omitempty"`
}

// demoHandler answers with the negotiated TLS details. Embedding
// applications replace it with their own handler.
func demoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := telemetry.Tracer().Start(r.Context(), "demo.respond")
		defer span.End()

		if r.TLS == nil {
			http.Error(w, "no tls state", http.StatusInternalServerError)
			return
		}

		resp := demoResponse{
			ConnID:      listener.ConnID(r.Context()),
			TLSVersion:  tls.VersionName(r.TLS.Version),
			CipherSuite: tls.CipherSuiteName(r.TLS.CipherSuite),
		}
		if len(r.TLS.PeerCertificates) > 0 {
			resp.ClientCN = r.TLS.PeerCertificates[0].Subject.CommonName
		}
		span.SetAttributes(
			attribute.String("tls_version", resp.TLSVersion),
			attribute.String("cipher_suite", resp.CipherSuite),
		)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
