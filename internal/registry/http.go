package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/config"
	"github.com/vyrodovalexey/mfgateway/internal/observability"
)

// httpClient polls the registry directory endpoint and caches the
// result between polls.
type httpClient struct {
	baseURL          string
	gatewayServiceID string
	refreshInterval  time.Duration
	timeout          time.Duration
	client           *http.Client
	logger           observability.Logger

	mu          sync.RWMutex
	byService   map[string][]Instance
	subscribers map[<-chan RefreshEvent]chan RefreshEvent

	stopCh    chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
}

// Option is a functional option for the registry client.
type Option func(*httpClient)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *httpClient) {
		c.logger = logger
	}
}

// WithHTTPClient overrides the HTTP client used for polling.
func WithHTTPClient(client *http.Client) Option {
	return func(c *httpClient) {
		c.client = client
	}
}

// NewClient creates a registry client and starts its refresh loop.
func NewClient(cfg config.RegistryConfig, opts ...Option) Client {
	c := &httpClient{
		baseURL:          cfg.BaseURL,
		gatewayServiceID: cfg.GatewayServiceID,
		refreshInterval:  cfg.RefreshInterval.Duration(),
		timeout:          cfg.Timeout.Duration(),
		client:           &http.Client{Timeout: cfg.Timeout.Duration()},
		logger:           observability.NopLogger(),
		byService:        make(map[string][]Instance),
		subscribers:      make(map[<-chan RefreshEvent]chan RefreshEvent),
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.refreshLoop()

	return c
}

// Instances returns the cached instances of a service; when the cache
// is empty it fetches synchronously.
func (c *httpClient) Instances(ctx context.Context, serviceID string) ([]Instance, error) {
	c.mu.RLock()
	instances, ok := c.byService[serviceID]
	c.mu.RUnlock()
	if ok {
		return instances, nil
	}

	return c.fetch(ctx, serviceID)
}

// Peers returns the gateway instances.
func (c *httpClient) Peers(ctx context.Context) ([]Instance, error) {
	return c.Instances(ctx, c.gatewayServiceID)
}

// Subscribe returns a channel receiving refresh events. The channel is
// buffered; events are dropped rather than block the refresh loop.
func (c *httpClient) Subscribe() <-chan RefreshEvent {
	ch := make(chan RefreshEvent, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[ch] = ch

	return ch
}

// Unsubscribe removes a subscription.
func (c *httpClient) Unsubscribe(ch <-chan RefreshEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if send, ok := c.subscribers[ch]; ok {
		delete(c.subscribers, ch)
		close(send)
	}
}

// Refresh re-polls the directory immediately.
func (c *httpClient) Refresh(ctx context.Context) error {
	byService, err := c.fetchAll(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.byService = byService
	c.mu.Unlock()
	return nil
}

// Close stops the refresh loop.
func (c *httpClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.stoppedCh
	})
	return nil
}

func (c *httpClient) refreshLoop() {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	// Prime the cache before the first tick.
	c.refresh()

	for {
		select {
		case <-ticker.C:
			c.refresh()
		case <-c.stopCh:
			return
		}
	}
}

// refresh polls the registry directory and broadcasts a refresh event
// on success. Failures keep the previous snapshot.
func (c *httpClient) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	byService, err := c.fetchAll(ctx)
	if err != nil {
		c.logger.Warn("registry refresh failed", observability.Error(err))
		return
	}

	c.mu.Lock()
	c.byService = byService
	subscribers := make([]chan RefreshEvent, 0, len(c.subscribers))
	for _, ch := range c.subscribers {
		subscribers = append(subscribers, ch)
	}
	c.mu.Unlock()

	event := RefreshEvent{At: time.Now(), Services: byService}
	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// fetchAll retrieves the full service directory.
func (c *httpClient) fetchAll(ctx context.Context) (map[string][]Instance, error) {
	var directory struct {
		Applications []struct {
			ServiceID string     `json:"serviceId"`
			Instances []Instance `json:"instances"`
		} `json:"applications"`
	}

	if err := c.getJSON(ctx, c.baseURL+"/services", &directory); err != nil {
		return nil, err
	}

	byService := make(map[string][]Instance, len(directory.Applications))
	for _, app := range directory.Applications {
		instances := make([]Instance, 0, len(app.Instances))
		for _, inst := range app.Instances {
			if inst.ServiceID == "" {
				inst.ServiceID = app.ServiceID
			}
			if inst.Up() {
				instances = append(instances, inst)
			}
		}
		byService[app.ServiceID] = instances
	}

	return byService, nil
}

// fetch retrieves the instances of a single service and updates the
// cache.
func (c *httpClient) fetch(ctx context.Context, serviceID string) ([]Instance, error) {
	var payload struct {
		Instances []Instance `json:"instances"`
	}

	endpoint := c.baseURL + "/services/" + url.PathEscape(serviceID)
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	instances := make([]Instance, 0, len(payload.Instances))
	for _, inst := range payload.Instances {
		if inst.ServiceID == "" {
			inst.ServiceID = serviceID
		}
		if inst.Up() {
			instances = append(instances, inst)
		}
	}

	c.mu.Lock()
	c.byService[serviceID] = instances
	c.mu.Unlock()

	return instances, nil
}

func (c *httpClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry returned status %d for %s", resp.StatusCode, endpoint)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
