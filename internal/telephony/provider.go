package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"calldispatch/internal/providers"
)

// Adapter places outbound calls with one provider.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; raw provider payloads travel as JSON.
type Adapter interface {
	Name() string
	HealthCheck(ctx context.Context) error
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// PlaceCallRequest is everything a provider needs to start one AI-voice call.
type PlaceCallRequest struct {
	AssignmentID   string            `json:"assignment_id"`
	QueueEntryID   string            `json:"queue_entry_id"`
	Recipient      string            `json:"recipient"`
	AssistantRef   string            `json:"assistant_ref,omitempty"`
	PhoneNumberRef string            `json:"phone_number_ref,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

// PlaceCallResult is the provider's synchronous answer. A non-accepted result
// is a rejection; Permanent rejections are never retried.
type PlaceCallResult struct {
	Accepted       bool
	Permanent      bool
	Reason         string
	ProviderCallID string
	Payload        json.RawMessage
}

// Failure kinds carried by ProviderError.
const (
	KindTimeout       = "timeout"
	KindProviderError = "provider_error"
	KindTerminal      = "terminal"
)

// ProviderError is a failed exchange with a provider. Kind drives retry
// classification.
type ProviderError struct {
	Kind     string
	Provider string
	Msg      string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider == "" {
		return fmt.Sprintf("provider %s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("provider %s %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error     { return e.Err }
func (e *ProviderError) ErrorKind() string { return e.Kind }

// Rejection converts a non-accepted result into the error recorded for it.
func (r PlaceCallResult) Rejection(provider string) *ProviderError {
	kind := KindProviderError
	if r.Permanent {
		kind = KindTerminal
	}
	reason := r.Reason
	if reason == "" {
		reason = "call rejected"
	}
	return &ProviderError{Kind: kind, Provider: provider, Msg: reason}
}

// CallCompletion is the provider's report that a call ended. Failure is nil
// when the call completed normally.
type CallCompletion struct {
	ProviderID      string
	AssignmentID    string
	ProviderCallID  string
	DurationSeconds int
	Transcript      string
	Failure         *ProviderError
}

// CompletionSink consumes completion events.
type CompletionSink interface {
	HandleCompletion(ctx context.Context, ev CallCompletion) error
}

// ErrUnknownCall is returned by sinks when no assignment matches the event.
var ErrUnknownCall = errors.New("telephony: unknown call")

var ErrNoAdapter = errors.New("telephony: no adapter for provider")

// Directory maps provider ids to their adapters.
type Directory struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewDirectory() *Directory {
	return &Directory{adapters: map[string]Adapter{}}
}

func (d *Directory) Register(providerID string, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[providerID] = a
}

func (d *Directory) Adapter(providerID string) (Adapter, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, providerID)
	}
	return a, nil
}

// Probe implements providers.Prober by delegating to the adapter's health check.
func (d *Directory) Probe(ctx context.Context, p providers.Provider) error {
	a, err := d.Adapter(p.ID)
	if err != nil {
		return err
	}
	return a.HealthCheck(ctx)
}

// Options configure adapters built from a catalog.
type Options struct {
	// StatusCallbackURL receives Twilio status callbacks.
	StatusCallbackURL string
}

// BuildDirectory creates one adapter per catalog entry.
func BuildDirectory(ps []providers.Provider, client *HTTPClient, opts Options) (*Directory, error) {
	d := NewDirectory()
	for _, p := range ps {
		switch p.Kind {
		case providers.KindHTTP:
			d.Register(p.ID, NewHTTPAdapter(p, client))
		case providers.KindTwilio:
			a, err := NewTwilioAdapter(p, client, opts.StatusCallbackURL)
			if err != nil {
				return nil, err
			}
			d.Register(p.ID, a)
		default:
			return nil, fmt.Errorf("telephony: provider %s has unsupported kind %q", p.ID, p.Kind)
		}
	}
	return d, nil
}
