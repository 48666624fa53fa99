package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/flowpilot/model"
)

// Catalog is an immutable collection of executable workflow definitions
// indexed by ID. A new discovery pass builds a new Catalog.
type Catalog struct {
	workflows map[string]model.WorkflowDefinition
	ids       []string
	checksum  string
}

// NewCatalog builds a Catalog from the given definitions. On duplicate IDs
// the last definition wins.
func NewCatalog(defs []model.WorkflowDefinition) *Catalog {
	c := &Catalog{workflows: make(map[string]model.WorkflowDefinition, len(defs))}
	for _, d := range defs {
		c.workflows[d.ID] = d
	}

	c.ids = make([]string, 0, len(c.workflows))
	checksumParts := make([]string, 0, len(c.workflows))
	for id, d := range c.workflows {
		c.ids = append(c.ids, id)
		checksumParts = append(checksumParts, id+"="+d.Checksum)
	}
	sort.Strings(c.ids)
	sort.Strings(checksumParts)

	combined := strings.Join(checksumParts, ":")
	c.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return c
}

// Get returns the workflow definition with the given ID.
func (c *Catalog) Get(id string) (model.WorkflowDefinition, bool) {
	w, ok := c.workflows[id]
	return w, ok
}

// All returns all definitions sorted by ID.
func (c *Catalog) All() []model.WorkflowDefinition {
	out := make([]model.WorkflowDefinition, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.workflows[id])
	}
	return out
}

// IDs returns the sorted workflow IDs.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Len returns the number of workflows in the catalog.
func (c *Catalog) Len() int {
	return len(c.ids)
}

// Checksum returns the combined checksum of all cataloged source files.
func (c *Catalog) Checksum() string {
	return c.checksum
}

// Registry holds the current Catalog. Reads are lock-free; a discovery
// pass swaps in a whole new snapshot, so readers holding the previous
// Catalog are unaffected.
type Registry struct {
	snap atomic.Pointer[Catalog]
}

// NewRegistry creates a Registry serving the given catalog. A nil catalog
// is replaced by an empty one.
func NewRegistry(c *Catalog) *Registry {
	r := &Registry{}
	r.Replace(c)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(c *Catalog) {
	if c == nil {
		c = NewCatalog(nil)
	}
	r.snap.Store(c)
}

// Current returns the catalog snapshot in effect right now.
func (r *Registry) Current() *Catalog {
	return r.snap.Load()
}

// Workflow returns the workflow definition with the given ID from the
// current snapshot.
func (r *Registry) Workflow(id string) (model.WorkflowDefinition, bool) {
	return r.Current().Get(id)
}
