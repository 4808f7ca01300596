package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"alertdelivery/internal/config"
	"alertdelivery/internal/domain"
	"alertdelivery/internal/transient"
)

// Adapter sends one alert message to one recipient over one transport.
// Params: context, message payload, recipient snapshot, and channel config.
// Returns: accepted flag and provider/transport error.
type Adapter interface {
	Type() domain.ChannelType
	Send(ctx context.Context, message domain.AlertMessage, recipient domain.AlertRecipient, channelConfig map[string]string) (bool, error)
}

// Registry maps channel types to adapter implementations resolved at startup.
// Params: adapter lookup keyed by channel type.
// Returns: capability set consumed by the dispatcher.
type Registry struct {
	adapters map[domain.ChannelType]Adapter
}

// NewRegistry builds the adapter registry from enabled channel sections.
// Params: adapters config snapshot.
// Returns: registry holding one adapter per enabled channel type.
func NewRegistry(cfg config.AdaptersConfig) *Registry {
	registry := &Registry{adapters: make(map[domain.ChannelType]Adapter)}
	if cfg.Push.Enabled {
		registry.Register(NewPushAdapter(cfg.Push))
	}
	if cfg.SMS.Enabled {
		registry.Register(NewGatewayAdapter(domain.ChannelSMS, cfg.SMS))
	}
	if cfg.Voice.Enabled {
		registry.Register(NewGatewayAdapter(domain.ChannelVoice, cfg.Voice))
	}
	if cfg.Email.Enabled {
		registry.Register(NewGatewayAdapter(domain.ChannelEmail, cfg.Email))
	}
	if cfg.Desktop.Enabled {
		registry.Register(NewDesktopAdapter(cfg.Desktop))
	}
	if cfg.Webhook.Enabled {
		registry.Register(NewWebhookAdapter(cfg.Webhook))
	}
	return registry
}

// Register installs one adapter, replacing any previous one of the same type.
// Params: adapter implementation.
// Returns: registry mutated in place.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Type()] = a
}

// Resolve returns the adapter registered for one channel type.
// Params: channel type key.
// Returns: adapter and presence flag.
func (r *Registry) Resolve(channelType domain.ChannelType) (Adapter, bool) {
	a, ok := r.adapters[channelType]
	return a, ok
}

// Types returns registered channel types in deterministic order.
// Params: none.
// Returns: sorted channel type keys.
func (r *Registry) Types() []domain.ChannelType {
	types := make([]domain.ChannelType, 0, len(r.adapters))
	for channelType := range r.adapters {
		types = append(types, channelType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// statusError formats a non-2xx HTTP response and classifies 5xx as transient.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error, marked transient for server faults.
func statusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(response.Body)
	trimmedBody := ""
	if readErr == nil {
		trimmedBody = strings.TrimSpace(string(rawBody))
	}
	if trimmedBody == "" {
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	} else {
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if response.StatusCode >= 500 {
		return transient.Mark(err)
	}
	return err
}
