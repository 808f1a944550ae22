package artstyle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tatianab/storyforge/internal/models"
)

func TestDefaultCatalog(t *testing.T) {
	c := Default()

	assert.Len(t, c.All(), 8)
	assert.Equal(t, "minimalist_pixel", c.DefaultStyle().ID)

	for _, category := range models.WorldCategories {
		s := c.ForCategory(category)
		assert.NotEmpty(t, s.Prompt, "category %s", category)
	}
	assert.Equal(t, "watercolor", c.ForCategory(" Fairy Tale ").ID)
	assert.Equal(t, "oil_painting", c.ForCategory("War").ID)
	assert.Equal(t, "minimalist_pixel", c.ForCategory("Cooking").ID)

	s, ok := c.ByID("ink_wash")
	require.True(t, ok)
	assert.Equal(t, "Ink Wash", s.Name)
	_, ok = c.ByID("crayon")
	assert.False(t, ok)
}

func TestParseRejectsBrokenCatalogs(t *testing.T) {
	_, err := Parse([]byte("styles: []"))
	assert.Error(t, err)

	_, err = Parse([]byte(`
default: a
styles:
  - id: a
    name: A
categories:
  War: b
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
default: missing
styles:
  - id: a
    name: A
`))
	assert.Error(t, err)
}
