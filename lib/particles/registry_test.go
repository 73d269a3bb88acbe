package particles

import (
	"errors"
	"testing"

	"github.com/phil-mansfield/darter/lib/grid"
)

func TestRegistryInsertRemove(t *testing.T) {
	reg := NewRegistry()

	bound := &Particle{
		ID: 10, X: []float64{0.1, 0.1}, RefX: []float64{0.4, 0.4},
		Cell: grid.CellID{Coarse: 0, Path: "00"}, Bound: true,
	}
	pending := &Particle{ID: 20, X: []float64{0.9, 0.9}, Cell: grid.NoCell}

	if err := reg.Insert(bound); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := reg.Insert(pending); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if reg.Len() != 2 {
		t.Errorf("Expected Len = 2, got %d.", reg.Len())
	}
	if reg.NPending() != 1 {
		t.Errorf("Expected NPending = 1, got %d.", reg.NPending())
	}
	if p, ok := reg.Get(10); !ok || p != bound {
		t.Errorf("Get(10) did not return the inserted particle.")
	}
	if _, ok := reg.Get(30); ok {
		t.Errorf("Get(30) returned a particle that was never inserted.")
	}

	err := reg.Insert(&Particle{ID: 10, X: []float64{0, 0}})
	if err == nil {
		t.Errorf("Expected inserting a duplicate ID to fail.")
	} else if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected an ErrDuplicateID, got '%v'.", err)
	}

	if err := reg.Remove(10); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Expected Len = 1 after Remove, got %d.", reg.Len())
	}
	if len(reg.InCell(grid.CellID{Coarse: 0, Path: "00"})) != 0 {
		t.Errorf("The removed particle is still indexed under its cell.")
	}

	err = reg.Remove(10)
	if err == nil {
		t.Errorf("Expected removing a missing ID to fail.")
	} else if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected an ErrNotFound, got '%v'.", err)
	}
}

func TestRegistryMaxID(t *testing.T) {
	reg := NewRegistry()
	if _, any := reg.MaxID(); any {
		t.Errorf("An empty registry claims to have a max ID.")
	}

	for _, id := range []uint64{7, 100, 23} {
		if err := reg.Insert(&Particle{ID: id, X: []float64{0, 0}}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if max, any := reg.MaxID(); !any || max != 100 {
		t.Errorf("Expected MaxID = 100, got %d (any = %v).", max, any)
	}
}

func TestRegistryCellOrder(t *testing.T) {
	reg := NewRegistry()

	// Scrambled insertion order across three cells.
	inserts := []struct {
		id   uint64
		cell grid.CellID
	}{
		{1, grid.CellID{Coarse: 0, Path: "30"}},
		{2, grid.CellID{Coarse: 0, Path: "01"}},
		{3, grid.CellID{Coarse: 0, Path: "30"}},
		{4, grid.CellID{Coarse: 1, Path: ""}},
		{5, grid.CellID{Coarse: 0, Path: "01"}},
	}
	for _, ins := range inserts {
		p := &Particle{
			ID: ins.id, X: []float64{0, 0}, RefX: []float64{0, 0},
			Cell: ins.cell, Bound: true,
		}
		if err := reg.Insert(p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	cells := reg.Cells()
	wantCells := []grid.CellID{{Coarse: 0, Path: "01"}, {Coarse: 0, Path: "30"}, {Coarse: 1, Path: ""}}
	if len(cells) != len(wantCells) {
		t.Fatalf("Expected %d cells, got %d.", len(wantCells), len(cells))
	}
	for i := range cells {
		if cells[i] != wantCells[i] {
			t.Errorf("%d) Expected cell %s, got %s.", i, wantCells[i], cells[i])
		}
	}

	// Within a cell, particles keep their binding order.
	ids := []uint64{}
	for _, p := range reg.InCell(grid.CellID{Coarse: 0, Path: "30"}) {
		ids = append(ids, p.ID)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Errorf("Expected cell {0 30} to hold [1 3], got %v.", ids)
	}

	// EachBound visits cells in cell order, particles in binding order.
	order := []uint64{}
	reg.EachBound(func(p *Particle) bool {
		order = append(order, p.ID)
		return true
	})
	wantOrder := []uint64{2, 5, 1, 3, 4}
	if len(order) != len(wantOrder) {
		t.Fatalf("EachBound visited %d particles, expected %d.",
			len(order), len(wantOrder))
	}
	for i := range order {
		if order[i] != wantOrder[i] {
			t.Errorf("%d) EachBound visited %d, expected %d.",
				i, order[i], wantOrder[i])
		}
	}

	// Early stop.
	count := 0
	reg.EachBound(func(p *Particle) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Expected EachBound to stop after 2 particles, got %d.", count)
	}
}

func TestRegistryBindUnbind(t *testing.T) {
	reg := NewRegistry()
	p := &Particle{ID: 1, X: []float64{0.3, 0.3}, Cell: grid.CellID{Coarse: 0, Path: "00"}}
	if err := reg.Insert(p); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if reg.NPending() != 1 {
		t.Fatalf("Expected the unbound particle to be pending.")
	}

	cell := grid.CellID{Coarse: 0, Path: "01"}
	reg.bind(p, cell, []float64{0.2, 0.2})
	if reg.NPending() != 0 {
		t.Errorf("A bound particle is still pending.")
	}
	if !p.Bound || p.Cell != cell {
		t.Errorf("Expected the particle bound to %s, got (%s, %v).",
			cell, p.Cell, p.Bound)
	}
	if len(reg.InCell(cell)) != 1 {
		t.Errorf("The particle is not indexed under its cell.")
	}

	// Rebinding to the same cell refreshes the reference coordinates and
	// does not disturb the index.
	q := &Particle{ID: 2, X: []float64{0.3, 0.3}, Cell: grid.NoCell}
	if err := reg.Insert(q); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	reg.bind(q, cell, []float64{0.9, 0.9})
	reg.bind(p, cell, []float64{0.25, 0.25})
	ps := reg.InCell(cell)
	if len(ps) != 2 || ps[0] != p || ps[1] != q {
		t.Errorf("Rebinding in place reordered the cell's particles.")
	}
	if p.RefX[0] != 0.25 {
		t.Errorf("Rebinding did not refresh the reference coordinates.")
	}

	// Rebinding to a new cell moves the particle between indexes.
	cell2 := grid.CellID{Coarse: 0, Path: "10"}
	reg.bind(p, cell2, []float64{0.5, 0.5})
	if len(reg.InCell(cell)) != 1 || len(reg.InCell(cell2)) != 1 {
		t.Errorf("Rebinding did not move the particle between cells.")
	}

	// Unbinding keeps the stale cell as a hint.
	reg.unbind(p)
	if p.Bound || reg.NPending() != 1 {
		t.Errorf("Expected the particle back in the pending set.")
	}
	if p.Cell != cell2 {
		t.Errorf("Expected the stale cell %s kept as a hint, got %s.",
			cell2, p.Cell)
	}
	if p.RefX != nil {
		t.Errorf("An unbound particle kept its reference coordinates.")
	}
	if len(reg.InCell(cell2)) != 0 {
		t.Errorf("The unbound particle is still indexed under %s.", cell2)
	}

	// Clear empties everything.
	reg.Clear()
	if reg.Len() != 0 || reg.NPending() != 0 || len(reg.Cells()) != 0 {
		t.Errorf("Clear left state behind: Len = %d, NPending = %d, "+
			"Cells = %v.", reg.Len(), reg.NPending(), reg.Cells())
	}
}
