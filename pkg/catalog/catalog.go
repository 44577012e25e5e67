// Package catalog holds the read-only definitions of practice labs. The
// catalog is loaded once from a YAML file at startup and is immutable
// afterwards; the orchestrator never writes to it.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cyberlabs/labd/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Lab describes one challenge: the image to run, its limits and its flag.
// The flag is a secret and must never be serialized to clients.
type Lab struct {
	ID            string   `yaml:"id" json:"id"`
	Title         string   `yaml:"title" json:"title"`
	Description   string   `yaml:"description" json:"description"`
	Category      string   `yaml:"category" json:"category"`
	Difficulty    string   `yaml:"difficulty" json:"difficulty"`
	Points        int      `yaml:"points" json:"points"`
	Image         string   `yaml:"image" json:"-"`
	InternalPort  int      `yaml:"internal_port" json:"-"`
	Env           map[string]string `yaml:"env" json:"-"`
	PortHint      string   `yaml:"port_hint" json:"port_hint,omitempty"`
	Flag          string   `yaml:"flag" json:"-"`
	Hints         []string `yaml:"hints" json:"hints,omitempty"`
	AttachmentKey string   `yaml:"attachment_key" json:"-"`
	TimeBudget    Duration `yaml:"time_budget" json:"time_budget_seconds"`
	CPUShares     int64    `yaml:"cpu_shares" json:"-"`
	MemoryBytes   int64    `yaml:"memory_bytes" json:"-"`
	Active        bool     `yaml:"active" json:"-"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders the duration as whole seconds for API clients.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int64(time.Duration(d)/time.Second))), nil
}

type catalogFile struct {
	Labs []*Lab `yaml:"labs"`
}

// Catalog is an immutable, in-memory view of the lab definitions.
type Catalog struct {
	labs  map[string]*Lab
	order []string
}

// Load reads and validates the catalog file.
func Load(path string, defaultBudget time.Duration) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read catalog file")
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse catalog file")
	}

	labs := make(map[string]*Lab, len(file.Labs))
	for _, lab := range file.Labs {
		if err := validate(lab); err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("invalid lab %q", lab.ID))
		}
		if _, exists := labs[lab.ID]; exists {
			return nil, fmt.Errorf("duplicate lab id %q", lab.ID)
		}
		if lab.TimeBudget == 0 {
			lab.TimeBudget = Duration(defaultBudget)
		}
		labs[lab.ID] = lab
	}

	order := make([]string, 0, len(labs))
	for id := range labs {
		order = append(order, id)
	}
	sort.Strings(order)

	slog.Info("catalog_loaded", "path", path, "lab_count", len(labs))
	return &Catalog{labs: labs, order: order}, nil
}

func validate(lab *Lab) error {
	if lab.ID == "" {
		return fmt.Errorf("missing id")
	}
	if lab.Image == "" {
		return fmt.Errorf("missing image")
	}
	if lab.InternalPort <= 0 || lab.InternalPort > 65535 {
		return fmt.Errorf("internal_port %d out of range", lab.InternalPort)
	}
	if lab.Points < 0 {
		return fmt.Errorf("negative points")
	}
	return nil
}

// GetLab returns the lab with the given id. Unknown and inactive labs both
// report ErrNotFound; clients cannot distinguish the two.
func (c *Catalog) GetLab(id string) (*Lab, error) {
	lab, ok := c.labs[id]
	if !ok || !lab.Active {
		return nil, errors.ErrNotFound
	}
	return lab, nil
}

// List returns the active labs sorted by id.
func (c *Catalog) List() []*Lab {
	out := make([]*Lab, 0, len(c.order))
	for _, id := range c.order {
		if lab := c.labs[id]; lab.Active {
			out = append(out, lab)
		}
	}
	return out
}
