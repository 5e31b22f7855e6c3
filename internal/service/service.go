package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrEmptyCatalog    = errors.New("service catalog is empty")
)

// LogKind selects one of the two log files of a service.
type LogKind string

const (
	LogOutput LogKind = "output"
	LogError  LogKind = "error"
)

// ParseLogKind maps a query value to a LogKind. Empty selects LogOutput.
func ParseLogKind(s string) (LogKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(LogOutput), "out", "stdout":
		return LogOutput, nil
	case string(LogError), "err", "stderr":
		return LogError, nil
	default:
		return "", fmt.Errorf("invalid log type %q: want output or error", s)
	}
}

// Definition describes one monitored service. It is fixed for the process lifetime.
type Definition struct {
	ID        string `json:"id" mapstructure:"id"`
	Name      string `json:"name" mapstructure:"name"`
	Port      int    `json:"port" mapstructure:"port"`
	HealthURL string `json:"health_url" mapstructure:"health_url"`
	LogFile   string `json:"log_file" mapstructure:"log_file"`
	ErrorLog  string `json:"error_log" mapstructure:"error_log"`
}

// LogPath returns the file backing the given log kind.
func (d Definition) LogPath(kind LogKind) string {
	if kind == LogError {
		return d.ErrorLog
	}
	return d.LogFile
}

// Validate checks the fields required for probing.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("service id required")
	}
	if strings.TrimSpace(d.HealthURL) == "" {
		return fmt.Errorf("service %s: health_url required", d.ID)
	}
	if d.Port < 0 || d.Port > 65535 {
		return fmt.Errorf("service %s: port %d out of range", d.ID, d.Port)
	}
	return nil
}

// Catalog is the ordered, read-only set of service definitions.
// The zero value is an empty catalog.
type Catalog struct {
	defs  []Definition
	index map[string]int
}

// NewCatalog validates defs and returns a catalog preserving their order.
func NewCatalog(defs []Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		defs:  make([]Definition, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if d.Name == "" {
			d.Name = d.ID
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("duplicate service id %q", d.ID)
		}
		c.defs[i] = d
		c.index[d.ID] = i
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error. Intended for static tables and tests.
func MustCatalog(defs []Definition) *Catalog {
	c, err := NewCatalog(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of definitions.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.defs)
}

// All returns a copy of the definitions in configured order.
func (c *Catalog) All() []Definition {
	if c == nil {
		return nil
	}
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Lookup returns the definition with the given id.
func (c *Catalog) Lookup(id string) (Definition, error) {
	if c != nil {
		if i, ok := c.index[id]; ok {
			return c.defs[i], nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrServiceNotFound, id)
}

// IDs returns the service identifiers in configured order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, len(c.defs))
	for i, d := range c.defs {
		ids[i] = d.ID
	}
	return ids
}
