package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/vyrodovalexey/mfgateway/internal/observability"
	"github.com/vyrodovalexey/mfgateway/internal/registry"
)

// OriginHeader carries the instance ID of the gateway that sent a
// peer-to-peer call. Receivers apply the change locally without
// re-broadcasting it.
const OriginHeader = "X-Origin-Instance"

// Type names what happened to the notification's subject.
type Type string

// Notification types.
const (
	TypeServiceUpdated        Type = "service-updated"
	TypeServiceUnregistered   Type = "service-unregistered"
	TypeDistributeInvalidated Type = "distribute-invalidated"
	TypeTokenInvalidated      Type = "token-invalidated"
)

// Notification is one event to broadcast. Two notifications are equal
// when subject, origin instance and type all match; equal events are
// never queued twice.
type Notification struct {
	SubjectID  string
	InstanceID string
	Type       Type
}

// Queue accepts notifications for delivery.
type Queue interface {
	Enqueue(n Notification) bool
}

// Notifier drains queued notifications to every peer but the origin.
// It also watches registry refresh events and queues notifications for
// services that vanished or changed and for peer instances that joined.
type Notifier struct {
	registry registry.Client
	selfID   string
	poll     time.Duration
	timeout  time.Duration
	client   *http.Client
	logger   observability.Logger

	mu    sync.Mutex
	queue []Notification

	// Snapshot diff state, touched only by the worker goroutine.
	knownServices map[string]map[string]struct{}
	knownPeers    map[string]struct{}
	seeded        bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// Option is a functional option for the notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) {
		n.client = client
	}
}

// WithPollInterval overrides the queue poll interval.
func WithPollInterval(poll time.Duration) Option {
	return func(n *Notifier) {
		n.poll = poll
	}
}

// New creates a notifier. selfID is this instance's registry ID, used
// to skip self-delivery.
func New(reg registry.Client, selfID string, poll, timeout time.Duration, opts ...Option) *Notifier {
	n := &Notifier{
		registry: reg,
		selfID:   selfID,
		poll:     poll,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Enqueue adds a notification unless an equal one is already queued.
// It reports whether the notification was accepted.
func (n *Notifier) Enqueue(notification Notification) bool {
	if notification.SubjectID == "" {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, queued := range n.queue {
		if queued == notification {
			return false
		}
	}

	n.queue = append(n.queue, notification)
	return true
}

// QueueLen returns the number of pending notifications.
func (n *Notifier) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Start runs the delivery worker until Stop is called.
func (n *Notifier) Start() {
	n.stopCh = make(chan struct{})
	n.stoppedCh = make(chan struct{})
	go n.run()
}

// Stop signals the worker to stop polling. In-flight deliveries finish;
// the remaining queue is not drained. Stop before Start is a no-op.
func (n *Notifier) Stop() {
	if n.stopCh == nil {
		return
	}
	n.stopOnce.Do(func() {
		close(n.stopCh)
	})
	<-n.stoppedCh
}

func (n *Notifier) run() {
	defer close(n.stoppedCh)

	events := n.registry.Subscribe()
	defer n.registry.Unsubscribe(events)

	ticker := time.NewTicker(n.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.drain()
		case event := <-events:
			n.observe(event.Services)
		case <-n.stopCh:
			return
		}
	}
}

// observe diffs a registry snapshot against the previous one. A
// vanished service queues an unregistration, a service with changed
// membership queues an update, and a gateway instance not seen before
// queues a distribute request so peers replay their invalidations to
// it. The first snapshot only seeds the baseline.
func (n *Notifier) observe(services map[string][]registry.Instance) {
	if services == nil {
		return
	}

	current := make(map[string]map[string]struct{}, len(services))
	for serviceID, instances := range services {
		members := make(map[string]struct{}, len(instances))
		for _, inst := range instances {
			members[inst.InstanceID] = struct{}{}
		}
		current[serviceID] = members
	}

	if n.seeded {
		for serviceID, members := range n.knownServices {
			now, ok := current[serviceID]
			switch {
			case !ok:
				n.Enqueue(Notification{
					SubjectID:  serviceID,
					InstanceID: n.selfID,
					Type:       TypeServiceUnregistered,
				})
			case !sameMembers(members, now):
				n.Enqueue(Notification{
					SubjectID:  serviceID,
					InstanceID: n.selfID,
					Type:       TypeServiceUpdated,
				})
			}
		}
		for serviceID := range current {
			if _, ok := n.knownServices[serviceID]; !ok {
				n.Enqueue(Notification{
					SubjectID:  serviceID,
					InstanceID: n.selfID,
					Type:       TypeServiceUpdated,
				})
			}
		}
	}
	n.knownServices = current

	n.observePeers()
	n.seeded = true
}

// observePeers diffs the gateway peer set. Resolution failure keeps
// the previous baseline so a transient error cannot make every peer
// look newly joined on the next snapshot.
func (n *Notifier) observePeers() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	peers, err := n.registry.Peers(ctx)
	cancel()
	if err != nil {
		n.logger.Warn("peer resolution failed during snapshot diff",
			observability.Error(err))
		return
	}

	current := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		current[peer.InstanceID] = struct{}{}
		if !n.seeded || peer.InstanceID == n.selfID {
			continue
		}
		if _, known := n.knownPeers[peer.InstanceID]; !known {
			n.Enqueue(Notification{
				SubjectID:  peer.InstanceID,
				InstanceID: n.selfID,
				Type:       TypeDistributeInvalidated,
			})
		}
	}
	n.knownPeers = current
}

func sameMembers(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

// drain delivers every queued notification. The peer list is resolved
// per notification at drain time, not at enqueue time, so membership
// changes between the two are honored.
func (n *Notifier) drain() {
	for {
		notification, ok := n.pop()
		if !ok {
			return
		}
		n.deliver(notification)

		select {
		case <-n.stopCh:
			return
		default:
		}
	}
}

func (n *Notifier) pop() (Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.queue) == 0 {
		return Notification{}, false
	}

	notification := n.queue[0]
	n.queue = n.queue[1:]
	return notification, true
}

// deliver broadcasts one notification. Failures are logged and
// swallowed; the local state already changed and peers converge later.
func (n *Notifier) deliver(notification Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	peers, err := n.registry.Peers(ctx)
	cancel()
	if err != nil {
		n.logger.Warn("peer resolution failed, dropping notification",
			observability.String("type", string(notification.Type)),
			observability.Error(err))
		return
	}

	for _, peer := range peers {
		if peer.InstanceID == n.selfID || peer.InstanceID == notification.InstanceID {
			continue
		}
		if !peer.Up() {
			continue
		}

		// Each peer gets its own timeout budget; a slow peer must not
		// erode the deadline of the ones after it.
		callCtx, cancelCall := context.WithTimeout(context.Background(), n.timeout)
		err := n.deliverTo(callCtx, peer, notification)
		cancelCall()
		if err != nil {
			n.logger.Warn("peer notification failed",
				observability.String("peer", peer.InstanceID),
				observability.String("type", string(notification.Type)),
				observability.Error(err))
		}
	}
}

func (n *Notifier) deliverTo(ctx context.Context, peer registry.Instance, notification Notification) error {
	method, path := notificationCall(notification)

	req, err := http.NewRequestWithContext(ctx, method, peer.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(OriginHeader, n.selfID)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	return nil
}

// notificationCall maps a notification to the peer endpoint that
// applies it.
func notificationCall(notification Notification) (method, path string) {
	subject := url.PathEscape(notification.SubjectID)

	switch notification.Type {
	case TypeTokenInvalidated:
		return http.MethodDelete, "/auth/invalidate/" + subject
	case TypeDistributeInvalidated:
		return http.MethodGet, "/auth/distribute/" + subject
	case TypeServiceUnregistered, TypeServiceUpdated:
		return http.MethodDelete, "/cache/services/" + subject
	default:
		return http.MethodPost, "/notifications/" + subject
	}
}
