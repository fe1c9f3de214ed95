package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind selects the telephony adapter that talks to a provider.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindTwilio Kind = "twilio"
)

func (k Kind) Valid() bool {
	return k == KindHTTP || k == KindTwilio
}

type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnavailable Health = "unavailable"
)

func ParseHealth(s string) (Health, error) {
	switch h := Health(s); h {
	case HealthHealthy, HealthDegraded, HealthUnavailable:
		return h, nil
	default:
		return "", fmt.Errorf("providers: unknown health %q", s)
	}
}

// Provider is one configured telephony endpoint. ConcurrencyLimit caps the
// number of simultaneously held slots; higher Priority is preferred.
type Provider struct {
	ID               string      `json:"id" yaml:"id"`
	Kind             Kind        `json:"kind" yaml:"kind"`
	Name             string      `json:"name" yaml:"name"`
	ConcurrencyLimit int         `json:"concurrency_limit" yaml:"concurrency_limit"`
	Priority         int         `json:"priority" yaml:"priority"`
	BaseURL          string      `json:"base_url,omitempty" yaml:"base_url"`
	AssistantRef     string      `json:"assistant_ref,omitempty" yaml:"assistant_ref"`
	PhoneNumberRef   string      `json:"phone_number_ref,omitempty" yaml:"phone_number_ref"`
	Credentials      Credentials `json:"credentials,omitempty" yaml:"credentials"`
}

// Credentials are opaque adapter secrets. They never leave the process in
// logs or JSON.
type Credentials map[string]string

const redacted = "[redacted]"

func (c Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

func (c Credentials) String() string { return redacted }

func (c Credentials) GoString() string { return redacted }

func (c Credentials) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

func (c Credentials) LogValue() slog.Value { return slog.StringValue(redacted) }

// Availability is a point-in-time view of one provider's capacity.
type Availability struct {
	ProviderID     string    `json:"provider_id"`
	CurrentCalls   int       `json:"current_calls"`
	AvailableSlots int       `json:"available_slots"`
	Health         Health    `json:"health"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Requirements narrows candidate selection.
type Requirements struct {
	// Exclude lists provider ids that must not be returned.
	Exclude []string
}

func (r Requirements) excludes(id string) bool {
	for _, x := range r.Exclude {
		if x == id {
			return true
		}
	}
	return false
}

var (
	ErrUnknownProvider = errors.New("providers: unknown provider")
	ErrInvalidCatalog  = errors.New("providers: invalid catalog")
)

// ErrSlotUnavailable is returned when a provider has no free slot.
var ErrSlotUnavailable error = slotUnavailableError{}

type slotUnavailableError struct{}

func (slotUnavailableError) Error() string     { return "providers: slot unavailable" }
func (slotUnavailableError) ErrorKind() string { return "capacity" }
