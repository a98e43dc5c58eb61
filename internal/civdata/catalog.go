// Package civdata holds the embedded catalog of draftable options: civ and
// team bonuses, unique units, unique techs and tech tree nodes, each with a
// rarity tier and a currency cost.
package civdata

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fritz-net/AoE2-Civbuilder/internal/engine"
)

//go:embed options.json
var rawOptions []byte

type Catalog struct {
	byID    map[int]engine.Option
	byPhase map[engine.Phase][]engine.Option
}

// Load parses the embedded option data. Costs must be non-negative and ids
// unique; a bad data file is a startup error, not a runtime one.
func Load() (*Catalog, error) {
	var opts []engine.Option
	if err := json.Unmarshal(rawOptions, &opts); err != nil {
		return nil, fmt.Errorf("civdata: parse options: %w", err)
	}
	c := &Catalog{
		byID:    make(map[int]engine.Option, len(opts)),
		byPhase: make(map[engine.Phase][]engine.Option),
	}
	for _, o := range opts {
		if _, dup := c.byID[o.ID]; dup {
			return nil, fmt.Errorf("civdata: duplicate option id %d", o.ID)
		}
		if o.Cost < 0 {
			return nil, fmt.Errorf("civdata: option %d has negative cost", o.ID)
		}
		if o.Rarity < 0 || o.Rarity >= engine.NumRarities {
			return nil, fmt.Errorf("civdata: option %d has rarity %d out of range", o.ID, o.Rarity)
		}
		c.byID[o.ID] = o
		c.byPhase[o.Phase] = append(c.byPhase[o.Phase], o)
	}
	for _, list := range c.byPhase {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return c, nil
}

func (c *Catalog) Option(id int) (engine.Option, bool) {
	o, ok := c.byID[id]
	return o, ok
}

// OptionsFor lists the pool for one phase, id-ordered.
func (c *Catalog) OptionsFor(p engine.Phase) []engine.Option {
	return c.byPhase[p]
}

func (c *Catalog) Len() int {
	return len(c.byID)
}
