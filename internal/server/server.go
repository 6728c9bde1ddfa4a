package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// Server runs the gateway API and its metrics endpoint.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	api     *http.Server
	metrics *http.Server
	logger  observability.Logger
}

// New builds the server around the given handlers.
func New(cfg *config.Config, handlers *Handlers, metrics *Metrics, logger observability.Logger) (*Server, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		requestID(),
		recovery(logger),
		requestLogger(logger),
		metricsMiddleware(metrics),
	)
	handlers.Register(engine)

	tlsConfig, err := serverTLS(cfg.Server)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		api: &http.Server{
			Addr:         cfg.Server.Address,
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration(),
			WriteTimeout: cfg.Server.WriteTimeout.Duration(),
			TLSConfig:    tlsConfig,
		},
	}

	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(),
			promhttp.HandlerOpts{}))
		s.metrics = &http.Server{
			Addr:    cfg.Server.MetricsAddress,
			Handler: mux,
		}
	}

	return s, nil
}

// Engine returns the router, used by tests to serve requests directly.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.metrics != nil {
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil &&
				!errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", observability.Error(err))
			}
		}()
	}

	s.logger.Info("server listening",
		observability.String("address", s.cfg.Server.Address),
		observability.Bool("tls", s.api.TLSConfig != nil))

	var err error
	if s.api.TLSConfig != nil {
		err = s.api.ListenAndServeTLS("", "")
	} else {
		err = s.api.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
	return s.api.Shutdown(ctx)
}

// serverTLS builds the TLS listener configuration. Client certificates
// are requested but not required; the certificate provider decides what
// they are worth.
func serverTLS(cfg config.ServerConfig) (*tls.Config, error) {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}

	if cfg.TLSClientCAFile != "" {
		pemData, err := os.ReadFile(cfg.TLSClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("client CA bundle holds no certificates")
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}
