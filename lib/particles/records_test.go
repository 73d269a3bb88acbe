package particles

import (
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/phil-mansfield/darter/lib/grid"
)

func TestTransferRecordsRoundTrip(t *testing.T) {
	dim, spacedim := 2, 3
	ps := []*Particle{
		{
			ID: 42, X: []float64{0.1, 0.2, 0.0},
			Cell: grid.CellID{Coarse: 0, Path: "01"}, Payload: []byte("heavy"),
		},
		{
			ID: 7, X: []float64{0.8, 0.9, 0.0},
			RefX: []float64{0.25, 0.75}, Cell: grid.CellID{Coarse: 0, Path: "33"},
			Bound: true,
		},
	}

	block := packTransferRecords(ps, dim, spacedim)
	recs, err := unpackTransferRecords(block, dim, spacedim)
	if err != nil {
		t.Fatalf("unpackTransferRecords failed: %v", err)
	}
	if len(recs) != len(ps) {
		t.Fatalf("Expected %d records, got %d.", len(ps), len(recs))
	}

	for i := range ps {
		if recs[i].id != ps[i].ID {
			t.Errorf("%d) Expected ID %d, got %d.", i, ps[i].ID, recs[i].id)
		}
		if !floats.Equal(recs[i].x, ps[i].X) {
			t.Errorf("%d) Expected X = %v, got %v.", i, ps[i].X, recs[i].x)
		}
		if recs[i].cell != ps[i].Cell {
			t.Errorf("%d) Expected cell %s, got %s.", i, ps[i].Cell, recs[i].cell)
		}
		if string(recs[i].payload) != string(ps[i].Payload) {
			t.Errorf("%d) Expected payload %q, got %q.",
				i, ps[i].Payload, recs[i].payload)
		}
	}

	// An unbound particle's reference slots read back as zeros.
	if !floats.Equal(recs[0].ref, []float64{0, 0}) {
		t.Errorf("Expected zeroed reference coordinates, got %v.", recs[0].ref)
	}
	if !floats.Equal(recs[1].ref, ps[1].RefX) {
		t.Errorf("Expected ref = %v, got %v.", ps[1].RefX, recs[1].ref)
	}

	// A nil block is an empty transfer.
	recs, err = unpackTransferRecords(nil, dim, spacedim)
	if err != nil || len(recs) != 0 {
		t.Errorf("Expected a nil block to decode to no records, got (%v, %v).",
			recs, err)
	}
}

func TestCellRecordsRoundTrip(t *testing.T) {
	dim, spacedim := 2, 2
	cell := grid.CellID{Coarse: 0, Path: "12"}
	ps := []*Particle{
		{
			ID: 1, X: []float64{0.55, 0.3}, RefX: []float64{0.2, 0.2},
			Cell: cell, Bound: true, Payload: []byte{0xde, 0xad},
		},
		{
			ID: 2, X: []float64{0.6, 0.4}, RefX: []float64{0.4, 0.6},
			Cell: cell, Bound: true,
		},
	}

	data := packCellRecords(ps, dim, spacedim)
	recs, err := unpackCellRecords(data, dim, spacedim)
	if err != nil {
		t.Fatalf("unpackCellRecords failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d.", len(recs))
	}
	for i := range ps {
		if recs[i].id != ps[i].ID {
			t.Errorf("%d) Expected ID %d, got %d.", i, ps[i].ID, recs[i].id)
		}
		if !floats.Equal(recs[i].x, ps[i].X) ||
			!floats.Equal(recs[i].ref, ps[i].RefX) {
			t.Errorf("%d) Expected (%v, %v), got (%v, %v).",
				i, ps[i].X, ps[i].RefX, recs[i].x, recs[i].ref)
		}
	}
	if recs[1].payload != nil {
		t.Errorf("Expected an empty payload to decode to nil, got %v.",
			recs[1].payload)
	}
}

func TestCorruptRecords(t *testing.T) {
	dim, spacedim := 2, 2
	p := &Particle{
		ID: 3, X: []float64{0.1, 0.1}, RefX: []float64{0.4, 0.4},
		Cell: grid.CellID{Coarse: 0, Path: "00"}, Bound: true, Payload: []byte("abcd"),
	}

	cellData := packCellRecords([]*Particle{p}, dim, spacedim)
	transfer := packTransferRecords([]*Particle{p}, dim, spacedim)

	tests := []struct {
		name     string
		cell     bool
		buf      []byte
	}{
		{"cell data too short for a count", true, cellData[:2]},
		{"cell data truncated mid record", true, cellData[:20]},
		{"cell data truncated mid payload", true, cellData[:len(cellData)-2]},
		{"cell data with trailing bytes", true, append(append([]byte{}, cellData...), 0)},
		{"transfer too short for a count", false, transfer[:3]},
		{"transfer truncated mid cell ID", false, transfer[:6]},
		{"transfer truncated mid record", false, transfer[:30]},
		{"transfer with trailing bytes", false, append(append([]byte{}, transfer...), 0)},
	}

	for i := range tests {
		var err error
		if tests[i].cell {
			_, err = unpackCellRecords(tests[i].buf, dim, spacedim)
		} else {
			_, err = unpackTransferRecords(tests[i].buf, dim, spacedim)
		}
		if err == nil {
			t.Errorf("%d) Expected decoding %s to fail, but it didn't.",
				i, tests[i].name)
		}
	}
}
