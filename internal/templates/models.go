package templates

import (
	"sort"
	"time"
)

// Template describes the script and variables used to place a call.
// AssistantRef and PhoneNumberRef are opaque provider-side references passed to
// the adapter unchanged.
type Template struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`

	// ProviderID is an optional preferred provider; selection may ignore it.
	ProviderID     string `json:"provider_id,omitempty" db:"provider_id"`
	AssistantRef   string `json:"assistant_ref,omitempty" db:"assistant_ref"`
	PhoneNumberRef string `json:"phone_number_ref,omitempty" db:"phone_number_ref"`

	DefaultVariables  map[string]string `json:"default_variables,omitempty" db:"default_variables"`
	RequiredVariables []string          `json:"required_variables,omitempty" db:"required_variables"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Resolve merges custom variables over the template defaults and reports any
// required variable left empty. Missing names are sorted.
func (t Template) Resolve(custom map[string]string) (map[string]string, []string) {
	merged := make(map[string]string, len(t.DefaultVariables)+len(custom))
	for k, v := range t.DefaultVariables {
		merged[k] = v
	}
	for k, v := range custom {
		merged[k] = v
	}

	var missing []string
	for _, name := range t.RequiredVariables {
		if merged[name] == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return merged, missing
}
