package registry

import (
	"context"
	"time"
)

// Instance describes a registered service instance.
type Instance struct {
	InstanceID string `json:"instanceId"`
	ServiceID  string `json:"serviceId"`
	BaseURL    string `json:"baseUrl"`
	Status     string `json:"status"`
}

// Up reports whether the instance is accepting traffic.
func (i Instance) Up() bool {
	return i.Status == "" || i.Status == "UP"
}

// RefreshEvent is broadcast after each successful registry poll. The
// snapshot it carries is shared with the client cache and must be
// treated as read-only.
type RefreshEvent struct {
	At       time.Time
	Services map[string][]Instance
}

// Client is the service registry client.
type Client interface {
	// Instances returns the known instances of a service.
	Instances(ctx context.Context, serviceID string) ([]Instance, error)

	// Peers returns the known gateway instances, including this one.
	// Callers exclude their own instance ID.
	Peers(ctx context.Context) ([]Instance, error)

	// Refresh re-polls the registry immediately, outside the regular
	// interval. Used when a peer signals that a service changed.
	Refresh(ctx context.Context) error

	// Subscribe returns a channel receiving registry refresh events.
	Subscribe() <-chan RefreshEvent

	// Unsubscribe removes a previously subscribed channel.
	Unsubscribe(ch <-chan RefreshEvent)

	// Close stops the background refresh loop.
	Close() error
}
