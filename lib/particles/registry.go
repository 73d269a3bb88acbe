package particles

import (
	"fmt"
	"sort"

	"github.com/phil-mansfield/darter/lib/grid"
)

/* registry.go contains the Registry type, one rank's particle store. The
Registry only does bookkeeping: it never inspects positions and never
communicates. The Tracker decides what is bound to what. */

// Registry holds the particles registered on one rank, indexed by ID and by
// the cell they are bound to. Particles that are registered but not bound
// to any cell sit in a pending set until a sort binds, forwards, or drops
// them.
type Registry struct {
	byID    map[uint64]*Particle
	cells   map[grid.CellID][]*Particle
	pending []*Particle

	sorted []grid.CellID
	dirty  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:  map[uint64]*Particle{},
		cells: map[grid.CellID][]*Particle{},
	}
}

// Len returns the number of registered particles, bound or not.
func (reg *Registry) Len() int { return len(reg.byID) }

// NPending returns the number of registered particles not bound to a cell.
func (reg *Registry) NPending() int { return len(reg.pending) }

// Get returns the particle with the given ID. The particle is shared with
// the registry, not copied.
func (reg *Registry) Get(id uint64) (*Particle, bool) {
	p, ok := reg.byID[id]
	return p, ok
}

// MaxID returns the largest registered ID, and false if the registry is
// empty.
func (reg *Registry) MaxID() (uint64, bool) {
	max, any := uint64(0), false
	for id := range reg.byID {
		if !any || id > max {
			max, any = id, true
		}
	}
	return max, any
}

// Insert registers p under p.ID. A particle with p.Bound set is indexed
// under p.Cell as-is; anything else goes to the pending set. The registry
// takes ownership of p.
func (reg *Registry) Insert(p *Particle) error {
	if _, ok := reg.byID[p.ID]; ok {
		return fmt.Errorf("%w: particle %d is already registered", ErrDuplicateID, p.ID)
	}

	reg.byID[p.ID] = p
	if p.Bound {
		reg.cells[p.Cell] = append(reg.cells[p.Cell], p)
		reg.dirty = true
	} else {
		reg.pending = append(reg.pending, p)
	}
	return nil
}

// Remove unregisters the particle with the given ID.
func (reg *Registry) Remove(id uint64) error {
	p, ok := reg.byID[id]
	if !ok {
		return fmt.Errorf("%w: particle %d is not registered", ErrNotFound, id)
	}

	if p.Bound {
		reg.dropFromCell(p)
	} else {
		reg.dropFromPending(p)
	}
	delete(reg.byID, id)
	return nil
}

// Clear unregisters every particle.
func (reg *Registry) Clear() {
	reg.byID = map[uint64]*Particle{}
	reg.cells = map[grid.CellID][]*Particle{}
	reg.pending = reg.pending[:0]
	reg.sorted = reg.sorted[:0]
	reg.dirty = false
}

// Cells returns the cells that hold at least one bound particle, in cell
// order. The slice is shared and must not be modified.
func (reg *Registry) Cells() []grid.CellID {
	if reg.dirty {
		reg.sorted = reg.sorted[:0]
		for id := range reg.cells {
			reg.sorted = append(reg.sorted, id)
		}
		sort.Slice(reg.sorted, func(i, j int) bool {
			return reg.sorted[i].Less(reg.sorted[j])
		})
		reg.dirty = false
	}
	return reg.sorted
}

// InCell returns the particles bound to one cell, in the order they were
// bound. The slice is shared and must not be modified.
func (reg *Registry) InCell(id grid.CellID) []*Particle {
	return reg.cells[id]
}

// EachBound calls fn on every bound particle, visiting cells in cell order
// and particles within a cell in binding order. Iteration stops early if fn
// returns false. fn must not insert, remove, bind, or unbind particles.
func (reg *Registry) EachBound(fn func(p *Particle) bool) {
	for _, id := range reg.Cells() {
		for _, p := range reg.cells[id] {
			if !fn(p) {
				return
			}
		}
	}
}

// bind marks p as verified to sit in cell with reference coordinates ref,
// updating the cell index. p must already be registered.
func (reg *Registry) bind(p *Particle, cell grid.CellID, ref []float64) {
	if reg.byID[p.ID] != p {
		panic(fmt.Sprintf("Internal error: binding unregistered particle %d.", p.ID))
	}

	if p.Bound {
		if p.Cell == cell {
			p.RefX = ref
			return
		}
		reg.dropFromCell(p)
	} else {
		reg.dropFromPending(p)
	}

	p.Cell, p.RefX, p.Bound = cell, ref, true
	reg.cells[cell] = append(reg.cells[cell], p)
	reg.dirty = true
}

// unbind moves a bound particle back to the pending set. The stale cell is
// left in p.Cell as the next sort's hint.
func (reg *Registry) unbind(p *Particle) {
	if !p.Bound {
		return
	}
	reg.dropFromCell(p)
	p.Bound, p.RefX = false, nil
	reg.pending = append(reg.pending, p)
}

func (reg *Registry) dropFromCell(p *Particle) {
	ps := reg.cells[p.Cell]
	for i := range ps {
		if ps[i] == p {
			reg.cells[p.Cell] = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(reg.cells[p.Cell]) == 0 {
		delete(reg.cells, p.Cell)
	}
	reg.dirty = true
}

func (reg *Registry) dropFromPending(p *Particle) {
	for i := range reg.pending {
		if reg.pending[i] == p {
			reg.pending = append(reg.pending[:i], reg.pending[i+1:]...)
			break
		}
	}
}
