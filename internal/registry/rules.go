// Package registry loads the clinical rule catalog. Rules are opaque
// external predicates: each entry names a rule and carries the SQL that
// returns its raw match intervals.
package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/clinrev/cohort-cli/internal/model"
)

// RuleDef describes one clinical rule in the catalog.
type RuleDef struct {
	ID          model.RuleID `yaml:"id" json:"id"`
	Key         string       `yaml:"key" json:"key"`
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`

	// MatchSQL must select (patient_id, start_date, end_date) rows. It may
	// return overlapping or duplicate detections; the resolver collapses them.
	MatchSQL string `yaml:"match_sql" json:"-"`
}

// Catalog is the loaded rule catalog, preserving file order.
type Catalog struct {
	rules map[model.RuleID]RuleDef
	order []model.RuleID
}

// Load reads a rule catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: read catalog %s", path)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var wrapper struct {
		Rules []RuleDef `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "registry: parse catalog")
	}

	c := &Catalog{rules: make(map[model.RuleID]RuleDef, len(wrapper.Rules))}
	for _, def := range wrapper.Rules {
		if def.ID <= 0 {
			return nil, eris.Wrapf(eris.New("registry: invalid rule id"), "rule %q", def.Key)
		}
		if def.MatchSQL == "" {
			return nil, eris.Wrapf(eris.New("registry: rule missing match_sql"), "rule %d (%s)", def.ID, def.Key)
		}
		if _, dup := c.rules[def.ID]; dup {
			return nil, eris.Wrapf(eris.New("registry: duplicate rule id"), "rule %d", def.ID)
		}
		c.rules[def.ID] = def
		c.order = append(c.order, def.ID)
	}

	return c, nil
}

// Rule looks up a rule definition by ID.
func (c *Catalog) Rule(id model.RuleID) (RuleDef, bool) {
	def, ok := c.rules[id]
	return def, ok
}

// Rules returns the definitions in catalog order.
func (c *Catalog) Rules() []RuleDef {
	out := make([]RuleDef, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.rules[id])
	}
	return out
}

// IDs returns the rule IDs in catalog order.
func (c *Catalog) IDs() []model.RuleID {
	return append([]model.RuleID(nil), c.order...)
}

// Len returns the number of rules in the catalog.
func (c *Catalog) Len() int {
	return len(c.order)
}
