package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// Pipeline tries each registered authentication scheme in order. The
// first scheme whose credential is present on the request decides the
// outcome; later schemes are not consulted.
type Pipeline struct {
	providers []Provider
	logger    observability.Logger
	metrics   *Metrics
}

// PipelineOption is a functional option for the pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithPipelineMetrics sets the metrics recorder.
func WithPipelineMetrics(metrics *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// NewPipeline creates a pipeline over the given providers, consulted
// in the given order.
func NewPipeline(providers []Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		providers: providers,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Extract returns the first credential found on the request together
// with the provider that owns it.
func (p *Pipeline) Extract(r *http.Request) (*AuthSource, Provider, bool) {
	for _, provider := range p.providers {
		if source, ok := provider.Extract(r); ok {
			return source, provider, true
		}
	}
	return nil, nil, false
}

// Authenticate extracts and parses the request's credential. Missing
// credentials yield ErrNoCredentials; any parse failure yields a typed
// error and never a usable identity.
func (p *Pipeline) Authenticate(ctx context.Context, r *http.Request) (*ParsedIdentity, error) {
	source, provider, ok := p.Extract(r)
	if !ok {
		p.record("none", "missing", 0)
		return nil, NewSecurityError(ErrNoCredentials, "")
	}

	start := time.Now()
	identity, err := provider.Parse(ctx, source)
	elapsed := time.Since(start)

	if err != nil {
		p.record(string(source.Type), "failure", elapsed)
		p.logger.WithContext(ctx).Debug("authentication failed",
			observability.String("scheme", string(source.Type)),
			observability.Error(err))
		return nil, err
	}

	if !identity.Authenticated() {
		p.record(string(source.Type), "failure", elapsed)
		return nil, NewSecurityError(ErrNoMainframeIdentity, "")
	}

	p.record(string(source.Type), "success", elapsed)
	return identity, nil
}

func (p *Pipeline) record(scheme, result string, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordAttempt(scheme, result, elapsed)
	}
}
