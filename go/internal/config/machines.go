package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine is one entry of the machine catalog.
type Machine struct {
	ID        int64  `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	StreamURL string `yaml:"stream_url" json:"streamUrl"`
	CostCoins int    `yaml:"cost_coins" json:"costCoins"`
}

// Catalog lists the machines a player can pick from.
type Catalog struct {
	Machines []Machine `yaml:"machines"`
}

// LoadMachines reads the catalog at path. A missing file yields an empty
// catalog.
func LoadMachines(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, fmt.Errorf("failed to read machines file: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse machines file: %w", err)
	}

	seen := make(map[int64]bool, len(catalog.Machines))
	for _, m := range catalog.Machines {
		if m.ID <= 0 {
			return nil, fmt.Errorf("machine %q has invalid id %d", m.Name, m.ID)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate machine id %d", m.ID)
		}
		seen[m.ID] = true
	}

	return &catalog, nil
}

// Find returns the machine with id.
func (c *Catalog) Find(id int64) (Machine, bool) {
	for _, m := range c.Machines {
		if m.ID == id {
			return m, true
		}
	}
	return Machine{}, false
}

// Validate checks that id is in the catalog. An empty catalog accepts any id.
func (c *Catalog) Validate(id int64) error {
	if len(c.Machines) == 0 {
		return nil
	}
	if _, ok := c.Find(id); !ok {
		return fmt.Errorf("machine %d is not in the catalog", id)
	}
	return nil
}
