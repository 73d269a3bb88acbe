package particles

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/phil-mansfield/darter/lib/grid"
)

/* tracker.go contains the Tracker type and SortIntoCells, the operation
that moves every particle to the rank and cell its position says it should
be in. Checkpointing lives in checkpoint.go. */

// Mesh is the view of the distributed mesh that a Tracker needs:
// structure, ownership, geometry, and the per-cell data slots that carry
// particles through mesh checkpoints. *grid.Forest implements it.
type Mesh interface {
	Dim() int
	SpaceDim() int
	OwnedCells() []grid.CellID
	GhostCells() []grid.CellID
	Leaves() []grid.CellID
	LeafExists(id grid.CellID) bool
	Owner(id grid.CellID) (int, bool)
	Neighbors(id grid.CellID) []grid.CellID
	Descendants(id grid.CellID) []grid.CellID
	Ancestor(id grid.CellID) (grid.CellID, bool)
	Contains(id grid.CellID, x []float64) ([]float64, bool)
	AttachData(id grid.CellID, data []byte) error
	ExpectAttachedData()
	TakeData(id grid.CellID) ([]byte, bool)
}

// Transport is the slice of the communication layer that a Tracker needs.
// *comm.Comm implements it.
type Transport interface {
	Rank() int
	Size() int
	Exchange(out [][]byte) ([][]byte, error)
	ReduceSum(x uint64) (uint64, error)
	ReduceMax(x uint64) (uint64, error)
}

// DefaultMaxRounds is the exchange round budget used when Params.MaxRounds
// is zero. One round settles almost every particle; the extras cover
// particles that land near corners whose true owner the sender could not
// see.
const DefaultMaxRounds = 3

// Params configures a Tracker. The zero value is valid. Every rank must use
// the same values.
type Params struct {
	// MaxRounds bounds how many exchange rounds one SortIntoCells may use
	// before any particle still in flight is dropped. 0 means
	// DefaultMaxRounds.
	MaxRounds int
	// MaxLost is the largest global number of particles one operation may
	// drop: 0 means no bound, a positive value is a threshold, and a
	// negative value forbids losing particles at all.
	MaxLost int
	// Log, if non-nil, receives per-operation reporting.
	Log *zerolog.Logger
}

// Tracker tracks a particle set against a mesh on behalf of one rank.
type Tracker struct {
	mesh Mesh
	tr   Transport
	reg  *Registry
	p    Params
	log  zerolog.Logger

	lost     uint64
	onLost   func(p Particle)
	prepared bool
	saved    uint64
	loaded   bool
	expected uint64
}

// NewTracker creates a tracker for the local rank. Every rank must create
// its tracker with the same Params.
func NewTracker(mesh Mesh, tr Transport, p Params) *Tracker {
	if p.MaxRounds < 0 {
		panic(fmt.Sprintf("Internal error: MaxRounds = %d.", p.MaxRounds))
	}
	if p.MaxRounds == 0 {
		p.MaxRounds = DefaultMaxRounds
	}

	log := zerolog.Nop()
	if p.Log != nil {
		log = *p.Log
	}

	return &Tracker{mesh: mesh, tr: tr, reg: NewRegistry(), p: p, log: log}
}

// Registry returns the rank-local particle store.
func (t *Tracker) Registry() *Registry { return t.reg }

// Insert registers a particle at position x with an optional starting hint,
// the cell the caller believes contains it. The hint is not checked here:
// it may be stale, it may be wrong, it may be grid.NoCell. The next
// SortIntoCells resolves it. x and payload are copied.
func (t *Tracker) Insert(id uint64, x []float64, payload []byte, hint grid.CellID) error {
	if len(x) != t.mesh.SpaceDim() {
		return fmt.Errorf("Particle %d has %d coordinates, but the mesh lives "+
			"in %d-d space.", id, len(x), t.mesh.SpaceDim())
	}

	p := &Particle{ID: id, X: append([]float64{}, x...), Cell: hint}
	if len(payload) > 0 {
		p.Payload = append([]byte{}, payload...)
	}
	return t.reg.Insert(p)
}

// Remove unregisters a particle.
func (t *Tracker) Remove(id uint64) error { return t.reg.Remove(id) }

// Clear unregisters every local particle and forgets any half-finished
// restore. The cumulative lost count survives.
func (t *Tracker) Clear() {
	t.reg.Clear()
	t.prepared, t.loaded = false, false
	t.saved, t.expected = 0, 0
}

// NLocal returns the number of particles registered on this rank.
func (t *Tracker) NLocal() int { return t.reg.Len() }

// NGlobal returns the number of particles registered across all ranks.
// Collective.
func (t *Tracker) NGlobal() (uint64, error) {
	return t.tr.ReduceSum(uint64(t.reg.Len()))
}

// NextFreeID returns an ID strictly greater than every ID registered on any
// rank, so that ranks can mint new particles without colliding. Collective.
func (t *Tracker) NextFreeID() (uint64, error) {
	next := uint64(0)
	if max, any := t.reg.MaxID(); any {
		next = max + 1
	}
	return t.tr.ReduceMax(next)
}

// NLost returns the cumulative number of particles this rank has dropped
// because no cell anywhere contained them.
func (t *Tracker) NLost() uint64 { return t.lost }

// SetLostHandler registers fn to be called with a copy of each particle
// this rank drops. fn must not call back into the tracker or its registry.
func (t *Tracker) SetLostHandler(fn func(p Particle)) { t.onLost = fn }

// SortIntoCells rebinds every registered particle to the cell containing
// its current position. Particles whose cell is owned by another rank are
// handed to that rank. Particles contained by no cell on any rank are
// unregistered, counted, and reported to the lost handler. Collective.
//
// The operation is idempotent: a second call with unchanged positions and
// mesh moves nothing.
func (t *Tracker) SortIntoCells() error {
	dim, spacedim := t.mesh.Dim(), t.mesh.SpaceDim()

	// Every particle re-earns its binding. The ones that keep it only cost
	// a containment test; the rest go through the full search. The pending
	// snapshot comes first, since unbinding feeds the pending set.
	work := append(make([]*Particle, 0, t.reg.NPending()), t.reg.pending...)
	bound := make([]*Particle, 0, t.reg.Len())
	t.reg.EachBound(func(p *Particle) bool {
		bound = append(bound, p)
		return true
	})
	for _, p := range bound {
		if ref, ok := t.mesh.Contains(p.Cell, p.X); ok {
			t.reg.bind(p, p.Cell, ref)
			continue
		}
		t.reg.unbind(p)
		work = append(work, p)
	}

	lostNow, moved, exchanges := uint64(0), 0, 0
	for {
		outgoing := make([][]*Particle, t.tr.Size())
		for _, p := range work {
			cell, ref, owner, found := t.locate(p)
			switch {
			case !found:
				t.dropLost(p, &lostNow)
			case owner == t.tr.Rank():
				t.reg.bind(p, cell, ref)
			default:
				p.Cell = cell
				outgoing[owner] = append(outgoing[owner], p)
			}
		}

		nOut := uint64(0)
		for _, ps := range outgoing {
			nOut += uint64(len(ps))
		}
		globalOut, err := t.tr.ReduceSum(nOut)
		if err != nil {
			return err
		}
		if globalOut == 0 {
			break
		}
		if exchanges == t.p.MaxRounds {
			// Still in flight after the round budget. This only happens if
			// ranks keep disagreeing about ownership, which a consistent
			// mesh never produces, but it must not hang the job.
			for _, ps := range outgoing {
				for _, p := range ps {
					t.dropLost(p, &lostNow)
				}
			}
			break
		}
		exchanges++

		out := make([][]byte, t.tr.Size())
		for dst, ps := range outgoing {
			if len(ps) == 0 {
				continue
			}
			out[dst] = packTransferRecords(ps, dim, spacedim)
			moved += len(ps)
			for _, p := range ps {
				if err := t.reg.Remove(p.ID); err != nil {
					panic(fmt.Sprintf("Internal error: forwarding unregistered "+
						"particle %d.", p.ID))
				}
			}
		}

		in, err := t.tr.Exchange(out)
		if err != nil {
			return err
		}

		// Received particles enter the next pass with the sender's claim as
		// their hint. The claim is not trusted: if this rank's mesh view
		// disagrees, the particle is searched for like any other, and may
		// be forwarded again.
		work = work[:0]
		for src, block := range in {
			recs, err := unpackTransferRecords(block, dim, spacedim)
			if err != nil {
				return fmt.Errorf("Rank %d sent a corrupt transfer block: %v",
					src, err)
			}
			for _, rec := range recs {
				p := &Particle{
					ID: rec.id, X: rec.x, Cell: rec.cell, Payload: rec.payload,
				}
				if err := t.reg.Insert(p); err != nil {
					return fmt.Errorf("After an exchange from rank %d: %w", src, err)
				}
				work = append(work, p)
			}
		}
	}

	globalLost, err := t.tr.ReduceSum(lostNow)
	if err != nil {
		return err
	}
	t.lost += lostNow

	t.log.Debug().Int("bound", t.reg.Len()).Int("forwarded", moved).
		Int("rounds", exchanges).Uint64("lost", globalLost).
		Msg("sorted particles into cells")

	if (t.p.MaxLost < 0 && globalLost > 0) ||
		(t.p.MaxLost > 0 && globalLost > uint64(t.p.MaxLost)) {
		return fmt.Errorf("%w: %d particles were dropped in one operation, "+
			"more than the configured tolerance of %d",
			ErrTooManyLost, globalLost, max(t.p.MaxLost, 0))
	}
	return nil
}

// locate finds the leaf containing p.X and the rank owning that leaf. The
// search tries the particle's hint and that hint's neighborhood, then the
// survivors of a refined-away hint, then every owned cell, then every ghost
// cell, then the rest of the mesh. A position on a shared cell boundary is
// contained by every touching cell; the smallest cell ID wins, a rule every
// rank applies identically and without communicating.
func (t *Tracker) locate(p *Particle) (cell grid.CellID, ref []float64, owner int, found bool) {
	cand := grid.NoCell
	var candRef []float64
	check := func(id grid.CellID) bool {
		ref, ok := t.mesh.Contains(id, p.X)
		if ok {
			cand, candRef = id, ref
		}
		return ok
	}

	hint := p.Cell
	switch {
	case hint.IsNone():
	case t.mesh.LeafExists(hint):
		if !check(hint) {
			for _, nbr := range t.mesh.Neighbors(hint) {
				if check(nbr) {
					break
				}
			}
		}
	default:
		// The hinted cell is gone: the mesh was refined or coarsened under
		// the particle. Its former volume is covered by its descendants or
		// by an ancestor.
		for _, d := range t.mesh.Descendants(hint) {
			if check(d) {
				break
			}
		}
		if cand.IsNone() {
			if anc, ok := t.mesh.Ancestor(hint); ok {
				check(anc)
			}
		}
	}

	if cand.IsNone() {
		for _, id := range t.mesh.OwnedCells() {
			if check(id) {
				break
			}
		}
	}
	if cand.IsNone() {
		for _, id := range t.mesh.GhostCells() {
			if check(id) {
				break
			}
		}
	}
	if cand.IsNone() {
		// Not in this rank's neighborhood at all. The replicated structure
		// still knows every cell, so a particle inserted far from its owner
		// can be routed there instead of being declared lost.
		for _, id := range t.mesh.Leaves() {
			if check(id) {
				break
			}
		}
	}
	if cand.IsNone() {
		return grid.NoCell, nil, -1, false
	}

	// Boundary tie-break. Any other cell containing p.X touches cand, so
	// only cand's neighbors with smaller IDs can outrank it.
	best, bestRef := cand, candRef
	for _, nbr := range t.mesh.Neighbors(cand) {
		if !nbr.Less(best) {
			continue
		}
		if ref, ok := t.mesh.Contains(nbr, p.X); ok {
			best, bestRef = nbr, ref
		}
	}

	owner, ok := t.mesh.Owner(best)
	if !ok {
		panic(fmt.Sprintf("Internal error: winning cell %s is not a leaf.", best))
	}
	return best, bestRef, owner, true
}

// dropLost unregisters a particle that no cell contains.
func (t *Tracker) dropLost(p *Particle, lostNow *uint64) {
	if err := t.reg.Remove(p.ID); err != nil {
		panic(fmt.Sprintf("Internal error: dropping unregistered particle %d.", p.ID))
	}
	*lostNow++

	t.log.Warn().Uint64("id", p.ID).Floats64("x", p.X).
		Msg("dropping particle contained by no cell")
	if t.onLost != nil {
		t.onLost(p.Copy())
	}
}
