package providers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadCatalog reads the provider catalog from a YAML file. ${VAR} references
// are expanded from the environment so credentials can stay out of the file.
func LoadCatalog(path string) ([]Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseCatalog(f)
}

func ParseCatalog(r io.Reader) ([]Provider, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(raw))

	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	var cf catalogFile
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	if err := validateCatalog(cf.Providers); err != nil {
		return nil, err
	}
	return cf.Providers, nil
}

func validateCatalog(ps []Provider) error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range ps {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if !p.Kind.Valid() {
			errs = append(errs, fmt.Errorf("provider %q: kind must be http or twilio, got %q", p.ID, p.Kind))
		}
		if p.ConcurrencyLimit < 0 {
			errs = append(errs, fmt.Errorf("provider %q: concurrency_limit must be >= 0", p.ID))
		}
		if p.Kind == KindHTTP && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %q: base_url is required for http providers", p.ID))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
}
