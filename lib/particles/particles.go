/*package particles tracks point particles through the cells of a
distributed mesh. Each rank stores only the particles that sit inside the
cells it owns, and the package's job is keeping that true while particles
move, the mesh repartitions, and jobs checkpoint and restart.

A Registry holds one rank's particles, indexed by ID and by cell. A Tracker
wraps a Registry together with a mesh and a transport: SortIntoCells
re-derives every particle's cell from its position, forwards particles whose
cell belongs to another rank, and drops the ones that left the mesh.
PrepareForSave, Save, Load, and FinalizeRestore checkpoint the particle set
by riding inside the mesh's own archives, so a restart may use a different
number of ranks than the run that saved.

Tracker operations documented as collective must be entered by every rank,
in the same order, with the same configuration. Nothing here is safe for
concurrent use within one rank.*/
package particles

/* This file contains the Particle type and the package's error values. */

import (
	"errors"

	"github.com/phil-mansfield/darter/lib/grid"
)

var (
	// ErrDuplicateID is wrapped by errors caused by two particles claiming
	// the same ID on the same rank.
	ErrDuplicateID = errors.New("duplicate particle ID")
	// ErrNotFound is wrapped by errors caused by looking up an ID that is
	// not registered.
	ErrNotFound = errors.New("no such particle")
	// ErrTooManyLost is wrapped by the error SortIntoCells returns when one
	// call drops more particles than the configured tolerance.
	ErrTooManyLost = errors.New("too many particles lost")
)

// Particle is one tracked particle. The tracking state is the (Cell, Bound)
// pair: a bound particle's Cell has been verified to contain X, and RefX
// holds X in that cell's reference coordinates. An unbound particle's Cell
// is only a hint, possibly stale or outright wrong, and its RefX is nil.
//
// X always has one coordinate per space dimension, RefX one per mesh
// dimension. Payload is opaque to the tracker; it is carried along whenever
// the particle moves between ranks or through a checkpoint.
type Particle struct {
	ID      uint64
	X       []float64
	RefX    []float64
	Cell    grid.CellID
	Bound   bool
	Payload []byte
}

// Copy returns a deep copy of p.
func (p *Particle) Copy() Particle {
	q := *p
	q.X = append([]float64{}, p.X...)
	if p.RefX != nil {
		q.RefX = append([]float64{}, p.RefX...)
	}
	if p.Payload != nil {
		q.Payload = append([]byte{}, p.Payload...)
	}
	return q
}
