package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Catalog lists the searchable databases and the request defaults.
//
//	defaults:
//	  database: nt
//	  maxnseq: 1000
//	  minscore: 1
//	  minpsharedkmer: 0.5
//	  mode: matchscore
//	databases:
//	  - name: nt
//	    maxlen: 500000
//	    subsets: [bacteria, archaea]
type Catalog struct {
	Defaults  Defaults   `yaml:"defaults" json:"defaults"`
	Databases []Database `yaml:"databases" json:"databases"`
}

type Defaults struct {
	Database       string  `yaml:"database" json:"db"`
	Subset         string  `yaml:"subset" json:"subset,omitempty"`
	Index          string  `yaml:"index" json:"index,omitempty"`
	MaxNSeq        int     `yaml:"maxnseq" json:"maxnseq"`
	MinScore       int     `yaml:"minscore" json:"minscore"`
	MinPSharedKmer float64 `yaml:"minpsharedkmer" json:"minpsharedkmer"`
	Mode           string  `yaml:"mode" json:"mode"`
}

type Database struct {
	Name    string   `yaml:"name" json:"name"`
	MaxLen  int      `yaml:"maxlen" json:"maxlen"`
	Subsets []string `yaml:"subsets" json:"subsets"`
}

func (d Database) HasSubset(s string) bool {
	return slices.Contains(d.Subsets, s)
}

func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return ParseCatalog(b)
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.Defaults.Mode == "" {
		c.Defaults.Mode = "matchscore"
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("catalog has no databases")
	}
	seen := map[string]bool{}
	for _, d := range c.Databases {
		if d.Name == "" {
			return fmt.Errorf("catalog database without name")
		}
		if seen[d.Name] {
			return fmt.Errorf("catalog database %s listed twice", d.Name)
		}
		seen[d.Name] = true
		if d.MaxLen < 0 {
			return fmt.Errorf("catalog database %s has negative maxlen", d.Name)
		}
	}
	if c.Defaults.Database != "" && !seen[c.Defaults.Database] {
		return fmt.Errorf("default database %s is not in the catalog", c.Defaults.Database)
	}
	if c.Defaults.MaxNSeq < 0 || c.Defaults.MinScore < 0 {
		return fmt.Errorf("catalog defaults must not be negative")
	}
	if c.Defaults.MinPSharedKmer < 0 || c.Defaults.MinPSharedKmer > 1 {
		return fmt.Errorf("default minpsharedkmer must be in [0, 1]")
	}
	return nil
}

// Lookup returns the named database.
func (c *Catalog) Lookup(name string) (Database, bool) {
	for _, d := range c.Databases {
		if d.Name == name {
			return d, true
		}
	}
	return Database{}, false
}

func (c *Catalog) Names() []string {
	names := make([]string, len(c.Databases))
	for i, d := range c.Databases {
		names[i] = d.Name
	}
	return names
}
