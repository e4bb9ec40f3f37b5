package attendance

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Site is one physical location sessions can be held at.
type Site struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

// DefaultSites is the built-in site enumeration.
func DefaultSites() []Site {
	return []Site{
		{Code: "HQ", Name: "Headquarters"},
		{Code: "DOWNTOWN", Name: "Downtown Office"},
		{Code: "WAREHOUSE", Name: "Distribution Warehouse"},
		{Code: "TRAINING_CENTER", Name: "Training Center"},
	}
}

// SiteCatalog is an immutable, validated set of sites keyed by code.
type SiteCatalog struct {
	sites  []Site
	byCode map[string]Site
}

// NewSiteCatalog validates sites and builds a catalog. Codes are upper-cased.
func NewSiteCatalog(sites []Site) (*SiteCatalog, error) {
	if len(sites) == 0 {
		return nil, errors.New("attendance: empty site catalog")
	}
	c := &SiteCatalog{byCode: make(map[string]Site, len(sites))}
	for _, s := range sites {
		code := strings.ToUpper(strings.TrimSpace(s.Code))
		if code == "" {
			return nil, errors.New("attendance: site with empty code")
		}
		if _, dup := c.byCode[code]; dup {
			return nil, fmt.Errorf("attendance: duplicate site code %q", code)
		}
		name := strings.TrimSpace(s.Name)
		if name == "" {
			name = code
		}
		site := Site{Code: code, Name: name}
		c.byCode[code] = site
		c.sites = append(c.sites, site)
	}
	sort.Slice(c.sites, func(i, j int) bool { return c.sites[i].Code < c.sites[j].Code })
	return c, nil
}

// MustDefaultCatalog returns the catalog for DefaultSites.
func MustDefaultCatalog() *SiteCatalog {
	c, err := NewSiteCatalog(DefaultSites())
	if err != nil {
		panic(err)
	}
	return c
}

type siteFile struct {
	Sites []Site `yaml:"sites"`
}

// LoadSiteCatalog reads a YAML file of the form:
//
//	sites:
//	  - code: HQ
//	    name: Headquarters
func LoadSiteCatalog(path string) (*SiteCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attendance: read sites: %w", err)
	}
	var f siteFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("attendance: parse sites: %w", err)
	}
	return NewSiteCatalog(f.Sites)
}

// Lookup returns the site for code (case-insensitive).
func (c *SiteCatalog) Lookup(code string) (Site, bool) {
	if c == nil {
		return Site{}, false
	}
	s, ok := c.byCode[strings.ToUpper(strings.TrimSpace(code))]
	return s, ok
}

// All returns the sites ordered by code.
func (c *SiteCatalog) All() []Site {
	if c == nil {
		return nil
	}
	return append([]Site(nil), c.sites...)
}
