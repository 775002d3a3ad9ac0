// Package provider abstracts the external SMS gateways. Each channel
// is bound to one Provider implementation in a registry resolved at
// configuration load; reconciliation capabilities are optional
// interfaces a provider may also satisfy.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"courier/internal/models"
)

// Delivery status a report carries when the message reached the phone.
const StatusDelivered = "DELIVRD"

// SendResult is one recipient's dispatch outcome. An empty Ref means
// the provider did not acknowledge the number; the settlement layer
// records a NULL provider reference so the invalid-check pass can
// refund it.
type SendResult struct {
	Phone string
	Ref   string
}

// Provider is the minimal capability every SMS channel has.
type Provider interface {
	Name() string
	Send(ctx context.Context, recipients []string, body string) ([]SendResult, error)
}

// BulkConfirmer is implemented by providers that resolve deliveries in
// bulk: once AllResolved reports true, every dispatched message for the
// channel is considered delivered.
type BulkConfirmer interface {
	Provider
	AllResolved(ctx context.Context) (bool, error)
}

// Report is one row of a provider's paginated delivery report feed.
// Rows carry no stable provider-side identity; a report is addressed
// by its position in the day's feed.
type Report struct {
	Phone  string
	Ref    string
	Status string
	Raw    models.Detail
}

// StatusReporter is implemented by providers that expose per-message
// delivery reports, polled by date and page.
type StatusReporter interface {
	Provider
	FetchReports(ctx context.Context, date time.Time, page, pageSize int) ([]Report, error)
}

// Registry maps channel identifiers to provider implementations. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a channel to a provider. Re-binding a channel is a
// configuration error.
func (r *Registry) Register(channel string, p Provider) error {
	if _, exists := r.providers[channel]; exists {
		return fmt.Errorf("channel %q already registered", channel)
	}
	r.providers[channel] = p
	return nil
}

// Get returns the provider bound to a channel.
func (r *Registry) Get(channel string) (Provider, bool) {
	p, ok := r.providers[channel]
	return p, ok
}

// Channels returns all registered channels, sorted for deterministic
// poller iteration.
func (r *Registry) Channels() []string {
	channels := make([]string, 0, len(r.providers))
	for ch := range r.providers {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}

// BulkConfirmChannels returns the channels whose provider confirms in
// bulk.
func (r *Registry) BulkConfirmChannels() []string {
	var channels []string
	for _, ch := range r.Channels() {
		if _, ok := r.providers[ch].(BulkConfirmer); ok {
			channels = append(channels, ch)
		}
	}
	return channels
}

// ReportChannels returns the channels whose provider exposes delivery
// reports.
func (r *Registry) ReportChannels() []string {
	var channels []string
	for _, ch := range r.Channels() {
		if _, ok := r.providers[ch].(StatusReporter); ok {
			channels = append(channels, ch)
		}
	}
	return channels
}
