package gating

import (
	"fmt"
	"os"
	"strings"

	"github.com/CedrosPay/entitlements/internal/config"
	"gopkg.in/yaml.v3"
)

// Level is the access tier a feature belongs to.
type Level string

const (
	LevelFree    Level = "free"
	LevelPremium Level = "premium"
)

// PremiumUnlockProductID is the one-time purchase that unlocks the default premium bundle.
const PremiumUnlockProductID = "premium_unlock"

// FeatureDefinition describes one gated capability.
type FeatureDefinition struct {
	ID                string `json:"id" yaml:"id"`
	Level             Level  `json:"level" yaml:"level"`
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description,omitempty" yaml:"description"`
	RequiredProductID string `json:"requiredProductId,omitempty" yaml:"required_product_id"`
}

// Catalog is an ordered, immutable set of features.
type Catalog struct {
	features []FeatureDefinition
	byID     map[string]int
}

// NewCatalog validates defs and keeps their order.
func NewCatalog(defs []FeatureDefinition) (*Catalog, error) {
	c := &Catalog{
		features: make([]FeatureDefinition, 0, len(defs)),
		byID:     make(map[string]int, len(defs)),
	}
	for _, d := range defs {
		d.ID = strings.TrimSpace(d.ID)
		d.Level = Level(strings.ToLower(string(d.Level)))
		if d.ID == "" {
			return nil, fmt.Errorf("feature with empty id")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate feature %q", d.ID)
		}
		switch d.Level {
		case LevelFree:
		case LevelPremium:
			if d.RequiredProductID == "" {
				return nil, fmt.Errorf("premium feature %q has no required product", d.ID)
			}
		default:
			return nil, fmt.Errorf("feature %q has unknown level %q", d.ID, d.Level)
		}
		c.byID[d.ID] = len(c.features)
		c.features = append(c.features, d)
	}
	return c, nil
}

// DefaultCatalog is used when no features are configured.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog([]FeatureDefinition{
		{ID: "basic_search", Level: LevelFree, Name: "Basic search", Description: "Search by title and keyword"},
		{ID: "advanced_filters", Level: LevelPremium, Name: "Advanced filters", Description: "Filter by date, tag and custom fields", RequiredProductID: PremiumUnlockProductID},
		{ID: "unlimited_exports", Level: LevelPremium, Name: "Unlimited exports", Description: "Export without monthly limits", RequiredProductID: PremiumUnlockProductID},
	})
	return c
}

// CatalogFromConfig builds a catalog from config, falling back to DefaultCatalog when empty.
func CatalogFromConfig(features []config.FeatureConfig) (*Catalog, error) {
	if len(features) == 0 {
		return DefaultCatalog(), nil
	}
	defs := make([]FeatureDefinition, 0, len(features))
	for _, f := range features {
		defs = append(defs, FeatureDefinition{
			ID:                f.ID,
			Level:             Level(f.Level),
			Name:              f.Name,
			Description:       f.Description,
			RequiredProductID: f.RequiredProductID,
		})
	}
	return NewCatalog(defs)
}

// LoadCatalog prefers a standalone catalog file over inline config features.
func LoadCatalog(file string, features []config.FeatureConfig) (*Catalog, error) {
	if file != "" {
		return LoadCatalogFile(file)
	}
	return CatalogFromConfig(features)
}

type catalogFile struct {
	Features []FeatureDefinition `yaml:"features"`
}

// LoadCatalogFile reads a standalone YAML catalog with a top-level "features" list.
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return NewCatalog(f.Features)
}

// Get returns the feature with id.
func (c *Catalog) Get(id string) (FeatureDefinition, bool) {
	i, ok := c.byID[id]
	if !ok {
		return FeatureDefinition{}, false
	}
	return c.features[i], true
}

// All returns every feature in catalog order.
func (c *Catalog) All() []FeatureDefinition {
	return append([]FeatureDefinition(nil), c.features...)
}

// ByProduct returns features requiring productID, in catalog order.
func (c *Catalog) ByProduct(productID string) []FeatureDefinition {
	out := make([]FeatureDefinition, 0)
	if productID == "" {
		return out
	}
	for _, f := range c.features {
		if f.RequiredProductID == productID {
			out = append(out, f)
		}
	}
	return out
}
