package setup

import (
	"go.uber.org/zap"

	"github.com/tatianab/storyforge/internal/artstyle"
	"github.com/tatianab/storyforge/internal/gameerr"
	"github.com/tatianab/storyforge/internal/models"
	"github.com/tatianab/storyforge/internal/registry"
)

const anonymousKey = "anonymous"

// Cache keeps one in-progress setup flow per player, expiring idle ones.
type Cache struct {
	flows  *registry.Registry[*Flow]
	lore   Lore
	styles *artstyle.Catalog
	logger *zap.Logger
}

// NewCache creates a cache backed by flows.
func NewCache(flows *registry.Registry[*Flow], lore Lore, styles *artstyle.Catalog, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{flows: flows, lore: lore, styles: styles, logger: logger}
}

func key(p models.Player) string {
	if p.Anonymous || p.ID == "" {
		return anonymousKey
	}
	return p.ID
}

// For returns the player's flow, creating a fresh one if none is live.
func (c *Cache) For(p models.Player) *Flow {
	f, err := c.flows.Get(key(p))
	if err == nil {
		return f
	}
	if !gameerr.IsCode(err, gameerr.CodeSessionNotFound) {
		c.logger.Warn("Unexpected setup cache error", zap.Error(err))
	}
	f = NewFlow(p, c.lore, c.styles, c.logger)
	c.flows.Put(key(p), f)
	return f
}

// Reset drops the player's flow so the next For starts over.
func (c *Cache) Reset(p models.Player) {
	c.flows.Delete(key(p))
}
