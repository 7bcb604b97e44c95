package deliberation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Roster is a configuration-selected participant set. Deployments pick the
// panel composition for their industry through a roster file, not code.
type Roster struct {
	Name         string        `yaml:"name" json:"name"`
	Participants []Participant `yaml:"participants" json:"participants"`
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roster: read %s: %w", path, err)
	}

	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("roster: parse %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("roster: %s: %w", path, err)
	}
	return &r, nil
}

// Validate checks the roster for structural problems before any
// deliberation is started on it.
func (r *Roster) Validate() error {
	if len(r.Participants) == 0 {
		return fmt.Errorf("no participants")
	}
	seen := make(map[string]bool, len(r.Participants))
	for i, p := range r.Participants {
		if p.ID == "" {
			return fmt.Errorf("participant %d has no id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate participant id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Kind != KindAgent && p.Kind != KindHuman {
			return fmt.Errorf("participant %q has unknown kind %q", p.ID, p.Kind)
		}
		if p.Required && p.KeyRef == "" {
			return fmt.Errorf("required signer %q has no key_ref", p.ID)
		}
	}
	return nil
}
