package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"vpnshop/models"

	"gopkg.in/yaml.v3"
)

// Catalog is the static shop content: panels to manage, plans on sale and
// default texts.
type Catalog struct {
	Hosts    []HostEntry       `yaml:"hosts"`
	Plans    []Plan            `yaml:"plans"`
	Settings map[string]string `yaml:"settings"`
}

type HostEntry struct {
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	InboundID int    `yaml:"inbound_id"`
}

type Plan struct {
	ID     string  `yaml:"id"`
	Title  string  `yaml:"title"`
	Months int     `yaml:"months"`
	Price  float64 `yaml:"price"`
}

// LoadCatalog reads the catalog at path. A missing file yields an empty
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	hosts := map[string]bool{}
	for i, h := range c.Hosts {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("catalog host #%d: name is required", i+1)
		}
		if hosts[h.Name] {
			return fmt.Errorf("catalog host %q: duplicate name", h.Name)
		}
		hosts[h.Name] = true
		if h.URL == "" || h.InboundID <= 0 {
			return fmt.Errorf("catalog host %q: url and inbound_id are required", h.Name)
		}
	}
	plans := map[string]bool{}
	for i, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("catalog plan #%d: id is required", i+1)
		}
		if plans[p.ID] {
			return fmt.Errorf("catalog plan %q: duplicate id", p.ID)
		}
		plans[p.ID] = true
		if p.Months <= 0 || p.Price < 0 {
			return fmt.Errorf("catalog plan %q: months must be positive and price non-negative", p.ID)
		}
	}
	return nil
}

// StoreHosts converts the host entries into store rows.
func (c *Catalog) StoreHosts() []models.Host {
	out := make([]models.Host, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		out = append(out, models.Host{
			Name:      h.Name,
			URL:       h.URL,
			Username:  h.Username,
			Password:  h.Password,
			InboundID: h.InboundID,
		})
	}
	return out
}

func (c *Catalog) Plan(id string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}
