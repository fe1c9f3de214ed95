package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"calldispatch/internal/templates"
	"calldispatch/internal/usage"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Templates     []seedTemplate     `yaml:"templates"`
	Subscriptions []seedSubscription `yaml:"subscriptions"`
}

type seedTemplate struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Description       string            `yaml:"description"`
	ProviderID        string            `yaml:"provider_id"`
	AssistantRef      string            `yaml:"assistant_ref"`
	PhoneNumberRef    string            `yaml:"phone_number_ref"`
	DefaultVariables  map[string]string `yaml:"default_variables"`
	RequiredVariables []string          `yaml:"required_variables"`
}

type seedSubscription struct {
	UserID    string `yaml:"user_id"`
	CallLimit int    `yaml:"call_limit"`
	CallsUsed int    `yaml:"calls_used"`
	Status    string `yaml:"status"`
}

// LoadSeed fills the memory backend with templates and subscriptions.
func LoadSeed(path string, tmpl *templates.MemoryRepo, acct *usage.MemoryAccountant) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return applySeed(f, tmpl, acct, time.Now().UTC())
}

func applySeed(r io.Reader, tmpl *templates.MemoryRepo, acct *usage.MemoryAccountant, now time.Time) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sf seedFile
	if err := dec.Decode(&sf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode seed file: %w", err)
	}

	for i, t := range sf.Templates {
		if t.ID == "" {
			return fmt.Errorf("seed templates[%d]: id is required", i)
		}
		tmpl.Put(templates.Template{
			ID:                t.ID,
			Name:              t.Name,
			Description:       t.Description,
			ProviderID:        t.ProviderID,
			AssistantRef:      t.AssistantRef,
			PhoneNumberRef:    t.PhoneNumberRef,
			DefaultVariables:  t.DefaultVariables,
			RequiredVariables: t.RequiredVariables,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	for i, s := range sf.Subscriptions {
		if s.UserID == "" {
			return fmt.Errorf("seed subscriptions[%d]: user_id is required", i)
		}
		if s.CallLimit < 0 || s.CallsUsed < 0 || s.CallsUsed > s.CallLimit {
			return fmt.Errorf("seed subscriptions[%d]: need 0 <= calls_used <= call_limit", i)
		}
		status := usage.SubscriptionStatus(s.Status)
		if status == "" {
			status = usage.SubscriptionStatusActive
		}
		acct.Put(usage.Subscription{
			UserID:    s.UserID,
			Status:    status,
			CallLimit: s.CallLimit,
			CallsUsed: s.CallsUsed,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return nil
}
