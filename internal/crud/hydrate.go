package crud

import (
	"sort"

	"github.com/simonwjackson/proseql/internal/index"
	"github.com/simonwjackson/proseql/internal/pschema"
)

// Hydrate installs entities as the collection's entire starting state,
// the bulk-restore path persistence.Load and a file watcher's reload feed
// into, bypassing hooks, uniqueness/foreign-key checks, and change-bus
// events since this data is already-trusted persisted state, not fresh
// user input to re-validate. Insertion order is reconstructed from
// createdAt (falling back to id) since a map carries none of its own.
func (c *Collection) Hydrate(entities map[string]pschema.Entity) {
	c.store.Load(entities)

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := entities[ids[i]], entities[ids[j]]
		at, aok := a["createdAt"].(string)
		bt, bok := b["createdAt"].(string)
		if aok && bok && at != bt {
			return at < bt
		}
		return ids[i] < ids[j]
	})

	c.orderMu.Lock()
	c.order = ids
	c.orderMu.Unlock()

	for field := range c.fieldIndexes {
		c.fieldIndexes[field] = index.NewFieldIndex()
	}
	c.search = index.NewSearch()
	for i, u := range c.uniques {
		c.uniques[i] = index.NewUnique(u.Fields)
	}
	for _, id := range ids {
		c.indexInsert(id, entities[id])
		c.reserveUniques(id, nil, entities[id])
	}
}
