package grid

import (
	"fmt"
	"sort"
)

/* forest.go contains the Forest type and its structural and geometric
queries. Checkpointing lives in checkpoint.go. */

// Forest is a refined mesh over the unit box [0,1]^dim, embedded in a
// spacedim-dimensional coordinate system. When spacedim > dim, the mesh
// spans the first dim axes and all cell points have zero in the remaining
// coordinates.
//
// Every rank holds the full refinement structure, but each leaf is owned by
// exactly one rank. A Forest is not synchronized internally: structural
// changes like RefineCells are collective in the sense that every rank must
// perform the same call, in the same order, on its own copy.
type Forest struct {
	dim, spacedim int
	rank, size    int

	leaves []CellID
	index  map[CellID]int
	owner  []int

	owned  []CellID
	ghosts []CellID

	neighbors map[CellID][]CellID

	slots      map[CellID][]byte
	restored   map[CellID][]byte
	expectData bool
}

// NewUnitCube creates the rank-local view of a forest with a single coarse
// cell spanning the unit box, refined uniformly the given number of levels.
// rank must be in [0, size).
func NewUnitCube(dim, spacedim, levels, rank, size int) (*Forest, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("The mesh dimension must be 1, 2, or 3, not %d.", dim)
	}
	if spacedim < dim || spacedim > 3 {
		return nil, fmt.Errorf("The space dimension must be in [%d, 3], not %d.",
			dim, spacedim)
	}
	if levels < 0 || levels > 20 {
		return nil, fmt.Errorf("The refinement level must be in [0, 20], not %d.", levels)
	}
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("Rank %d is not valid for a world of %d ranks.",
			rank, size)
	}

	f := &Forest{
		dim: dim, spacedim: spacedim, rank: rank, size: size,
		slots:    map[CellID][]byte{},
		restored: map[CellID][]byte{},
	}

	f.leaves = []CellID{{0, ""}}
	for level := 0; level < levels; level++ {
		next := make([]CellID, 0, len(f.leaves)*(1<<dim))
		for _, id := range f.leaves {
			for k := 0; k < 1<<dim; k++ {
				next = append(next, id.Child(k))
			}
		}
		f.leaves = next
	}

	f.rebuild()
	return f, nil
}

// rebuild recomputes every index that depends on the leaf set: the sorted
// order, the partition, and the ghost layer. Attached data for cells that no
// longer exist is dropped.
func (f *Forest) rebuild() {
	sort.Slice(f.leaves, func(i, j int) bool {
		return f.leaves[i].Less(f.leaves[j])
	})

	f.index = make(map[CellID]int, len(f.leaves))
	for i, id := range f.leaves {
		f.index[id] = i
	}

	// Contiguous runs of the cell order, balanced to within one cell. This
	// depends only on the leaf count and the world size, so every rank
	// computes the same partition.
	n := len(f.leaves)
	f.owner = make([]int, n)
	f.owned = f.owned[:0]
	for r := 0; r < f.size; r++ {
		start, end := r*n/f.size, (r+1)*n/f.size
		for i := start; i < end; i++ {
			f.owner[i] = r
			if r == f.rank {
				f.owned = append(f.owned, f.leaves[i])
			}
		}
	}

	f.neighbors = map[CellID][]CellID{}

	ghostSet := map[CellID]bool{}
	for _, id := range f.owned {
		for _, nbr := range f.Neighbors(id) {
			if f.owner[f.index[nbr]] != f.rank {
				ghostSet[nbr] = true
			}
		}
	}
	f.ghosts = f.ghosts[:0]
	for id := range ghostSet {
		f.ghosts = append(f.ghosts, id)
	}
	sort.Slice(f.ghosts, func(i, j int) bool {
		return f.ghosts[i].Less(f.ghosts[j])
	})

	// Attached data only makes sense on cells this rank still owns: Save
	// walks owned cells and Load delivered by current ownership.
	for id := range f.slots {
		if !f.IsOwned(id) {
			delete(f.slots, id)
		}
	}
	for id := range f.restored {
		if !f.IsOwned(id) {
			delete(f.restored, id)
		}
	}
}

func (f *Forest) Dim() int      { return f.dim }
func (f *Forest) SpaceDim() int { return f.spacedim }
func (f *Forest) Rank() int     { return f.rank }
func (f *Forest) Size() int     { return f.size }
func (f *Forest) NLeaves() int  { return len(f.leaves) }

// LeafExists returns true if id names a leaf of the forest. IDs of cells
// that have been refined away no longer exist.
func (f *Forest) LeafExists(id CellID) bool {
	_, ok := f.index[id]
	return ok
}

// Owner returns the rank that owns the leaf id, and false if id is not a
// leaf.
func (f *Forest) Owner(id CellID) (int, bool) {
	i, ok := f.index[id]
	if !ok {
		return -1, false
	}
	return f.owner[i], true
}

// IsOwned returns true if id is a leaf owned by the local rank.
func (f *Forest) IsOwned(id CellID) bool {
	i, ok := f.index[id]
	return ok && f.owner[i] == f.rank
}

// OwnedCells returns the leaves owned by the local rank in cell order. The
// slice is shared and must not be modified.
func (f *Forest) OwnedCells() []CellID { return f.owned }

// Leaves returns every leaf of the forest in cell order, whoever owns it.
// The slice is shared and must not be modified.
func (f *Forest) Leaves() []CellID { return f.leaves }

// GhostCells returns the leaves owned by other ranks that share at least a
// vertex with an owned leaf, in cell order. The slice is shared and must
// not be modified.
func (f *Forest) GhostCells() []CellID { return f.ghosts }

// bounds returns the corners of id's box in the first dim coordinates.
// Every corner coordinate is a dyadic rational, so the arithmetic here is
// exact and cells that look adjacent on paper are exactly adjacent here.
func (f *Forest) bounds(id CellID) (lo, hi []float64) {
	lo, hi = make([]float64, f.dim), make([]float64, f.dim)
	for d := range hi {
		hi[d] = 1
	}
	for i := 0; i < len(id.Path); i++ {
		k := int(id.Path[i] - '0')
		for d := 0; d < f.dim; d++ {
			mid := (lo[d] + hi[d]) / 2
			if k>>d&1 == 0 {
				hi[d] = mid
			} else {
				lo[d] = mid
			}
		}
	}
	return lo, hi
}

// Contains tests whether the point x, given in spacedim coordinates, lies
// within the closed box of the leaf id. On success it returns the point's
// reference coordinates within the cell, each in [0, 1]. Points on a shared
// face are contained by every touching cell, so callers that need a unique
// cell must break the tie themselves.
//
// If spacedim > dim, points that leave the mesh manifold are contained by
// no cell.
func (f *Forest) Contains(id CellID, x []float64) ([]float64, bool) {
	if len(x) != f.spacedim {
		panic(fmt.Sprintf("Internal error: point has %d coordinates, not %d.",
			len(x), f.spacedim))
	}
	if !f.LeafExists(id) {
		return nil, false
	}
	for d := f.dim; d < f.spacedim; d++ {
		if x[d] != 0 {
			return nil, false
		}
	}

	lo, hi := f.bounds(id)
	ref := make([]float64, f.dim)
	for d := 0; d < f.dim; d++ {
		if x[d] < lo[d] || x[d] > hi[d] {
			return nil, false
		}
		ref[d] = (x[d] - lo[d]) / (hi[d] - lo[d])
	}
	return ref, true
}

// Neighbors returns every leaf that shares at least one boundary point with
// id, in cell order. The slice is shared and must not be modified.
func (f *Forest) Neighbors(id CellID) []CellID {
	if nbrs, ok := f.neighbors[id]; ok {
		return nbrs
	}
	if !f.LeafExists(id) {
		return nil
	}

	lo, hi := f.bounds(id)
	nbrs := []CellID{}
	for _, other := range f.leaves {
		if other == id {
			continue
		}
		olo, ohi := f.bounds(other)
		touch := true
		for d := 0; d < f.dim; d++ {
			if lo[d] > ohi[d] || olo[d] > hi[d] {
				touch = false
				break
			}
		}
		if touch {
			nbrs = append(nbrs, other)
		}
	}

	f.neighbors[id] = nbrs
	return nbrs
}

// Descendants returns the leaves that id has been refined into, in cell
// order, or nil if id is a leaf or was never part of the forest.
func (f *Forest) Descendants(id CellID) []CellID {
	if id.IsNone() || f.LeafExists(id) {
		return nil
	}

	// Descendants are contiguous in the cell order, starting at the first
	// leaf >= id.
	start := sort.Search(len(f.leaves), func(i int) bool {
		return !f.leaves[i].Less(id)
	})
	desc := []CellID{}
	for i := start; i < len(f.leaves) && id.IsAncestorOf(f.leaves[i]); i++ {
		desc = append(desc, f.leaves[i])
	}
	return desc
}

// Ancestor returns the leaf that id has been coarsened into, if any.
func (f *Forest) Ancestor(id CellID) (CellID, bool) {
	for p, ok := id.Parent(); ok; p, ok = p.Parent() {
		if f.LeafExists(p) {
			return p, true
		}
	}
	return NoCell, false
}

// RefineCells replaces each of the given leaves with its 2^dim children.
// The ids must name distinct leaves. Every rank must make the same call:
// refinement changes the partition, so cell ownership can move between
// ranks even for cells far from the refined ones.
func (f *Forest) RefineCells(ids []CellID) error {
	for _, id := range ids {
		if !f.LeafExists(id) {
			return fmt.Errorf("Cell %s is not a leaf of the forest.", id)
		}
	}

	refined := make(map[CellID]bool, len(ids))
	for _, id := range ids {
		if refined[id] {
			return fmt.Errorf("Cell %s appears twice in one refinement call.", id)
		}
		refined[id] = true
	}

	next := make([]CellID, 0, len(f.leaves)+len(ids)*((1<<f.dim)-1))
	for _, id := range f.leaves {
		if !refined[id] {
			next = append(next, id)
			continue
		}
		for k := 0; k < 1<<f.dim; k++ {
			next = append(next, id.Child(k))
		}
	}
	f.leaves = next

	f.rebuild()
	return nil
}

// AttachData stores a data block on an owned leaf, to be carried by the
// next Save. Attaching an empty block clears the slot. Each leaf holds at
// most one block, and a Save consumes them all.
func (f *Forest) AttachData(id CellID, data []byte) error {
	if !f.IsOwned(id) {
		return fmt.Errorf("Cell %s is not owned by rank %d.", id, f.rank)
	}
	if len(data) == 0 {
		delete(f.slots, id)
		return nil
	}
	f.slots[id] = data
	return nil
}

// AttachedData returns the block currently attached to a leaf, or nil.
func (f *Forest) AttachedData(id CellID) []byte {
	return f.slots[id]
}

// ExpectAttachedData announces that the next Load should keep the per-cell
// data section of the archives it reads. Without this call, Load discards
// the section: the forest has no way to know, after the fact, who the data
// belonged to. The announcement is consumed by the next Load.
func (f *Forest) ExpectAttachedData() {
	f.expectData = true
}

// TakeData removes and returns the block that Load delivered to the local
// rank for an owned leaf. The second return is false if there is none.
func (f *Forest) TakeData(id CellID) ([]byte, bool) {
	data, ok := f.restored[id]
	if ok {
		delete(f.restored, id)
	}
	return data, ok
}
