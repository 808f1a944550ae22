// Package artstyle holds the catalog of art styles used to bias generated images.
package artstyle

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tatianab/storyforge/internal/models"
)

//go:embed styles.yaml
var catalogYAML []byte

// Catalog is an immutable set of art styles.
type Catalog struct {
	styles     []models.ArtStyle
	byID       map[string]models.ArtStyle
	categories map[string]string
	def        models.ArtStyle
}

type catalogFile struct {
	Default    string            `yaml:"default"`
	Styles     []models.ArtStyle `yaml:"styles"`
	Categories map[string]string `yaml:"categories"`
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse art styles: %w", err)
	}
	if len(f.Styles) == 0 {
		return nil, fmt.Errorf("art style catalog is empty")
	}

	c := &Catalog{
		styles:     f.Styles,
		byID:       make(map[string]models.ArtStyle, len(f.Styles)),
		categories: f.Categories,
	}
	for _, s := range f.Styles {
		if s.ID == "" {
			return nil, fmt.Errorf("art style %q has no id", s.Name)
		}
		s.Prompt = strings.TrimSpace(s.Prompt)
		c.byID[s.ID] = s
	}
	for category, id := range f.Categories {
		if _, ok := c.byID[id]; !ok {
			return nil, fmt.Errorf("category %q maps to unknown style %q", category, id)
		}
	}

	def, ok := c.byID[f.Default]
	if !ok {
		return nil, fmt.Errorf("default art style %q not in catalog", f.Default)
	}
	c.def = def
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(catalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// All returns the styles in catalog order.
func (c *Catalog) All() []models.ArtStyle {
	out := make([]models.ArtStyle, len(c.styles))
	copy(out, c.styles)
	return out
}

// ByID looks a style up by its identifier.
func (c *Catalog) ByID(id string) (models.ArtStyle, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// DefaultStyle is used when nothing else applies.
func (c *Catalog) DefaultStyle() models.ArtStyle {
	return c.def
}

// ForCategory picks the style mapped to a world category, falling back to the default.
func (c *Catalog) ForCategory(category string) models.ArtStyle {
	id, ok := c.categories[strings.TrimSpace(category)]
	if !ok {
		return c.def
	}
	return c.byID[id]
}
