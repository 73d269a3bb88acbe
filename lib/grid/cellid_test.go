package grid

import (
	"testing"
)

func TestCellIDOrder(t *testing.T) {
	tests := []struct {
		a, b CellID
		less bool
	}{
		{CellID{0, ""}, CellID{0, ""}, false},
		{CellID{0, ""}, CellID{0, "0"}, true},
		{CellID{0, "0"}, CellID{0, ""}, false},
		{CellID{0, "0"}, CellID{0, "1"}, true},
		{CellID{0, "03"}, CellID{0, "12"}, true},
		{CellID{0, "12"}, CellID{0, "21"}, true},
		{CellID{0, "21"}, CellID{0, "30"}, true},
		{CellID{0, "31"}, CellID{0, "3"}, false},
		{CellID{0, "3"}, CellID{0, "31"}, true},
		{CellID{0, "7"}, CellID{1, "0"}, true},
		{CellID{1, ""}, CellID{0, "7777"}, false},
	}

	for i := range tests {
		if less := tests[i].a.Less(tests[i].b); less != tests[i].less {
			t.Errorf("%d) Expected %s.Less(%s) = %v, got %v.",
				i, tests[i].a, tests[i].b, tests[i].less, less)
		}
	}
}

func TestCellIDStrings(t *testing.T) {
	tests := []struct {
		id CellID
		s  string
	}{
		{CellID{0, ""}, "0_0:"},
		{CellID{0, "30"}, "0_2:30"},
		{CellID{2, "0317"}, "2_4:0317"},
		{NoCell, "none"},
	}

	for i := range tests {
		if s := tests[i].id.String(); s != tests[i].s {
			t.Errorf("%d) Expected %v.String() = '%s', got '%s'.",
				i, tests[i].id, tests[i].s, s)
		}
		id, err := ParseCellID(tests[i].s)
		if err != nil {
			t.Errorf("%d) Could not parse '%s': %v", i, tests[i].s, err)
		} else if id != tests[i].id {
			t.Errorf("%d) Expected ParseCellID('%s') = %v, got %v.",
				i, tests[i].s, tests[i].id, id)
		}
	}

	bad := []string{"", "0_2", "0:30", "_0:", "x_0:", "0_1:", "0_1:31", "0_2:3a",
		"-1_0:", "0_2:39"}
	for i := range bad {
		if _, err := ParseCellID(bad[i]); err == nil {
			t.Errorf("%d) Expected parsing '%s' to fail, but it didn't.",
				i, bad[i])
		}
	}
}

func TestCellIDBinary(t *testing.T) {
	tests := []CellID{
		{0, ""},
		{0, "0"},
		{0, "30"},
		{3, "01234567"},
	}

	buf := []byte{}
	for i := range tests {
		buf = tests[i].AppendBinary(buf)
	}

	off := 0
	for i := range tests {
		id, n, err := DecodeCellID(buf[off:])
		if err != nil {
			t.Errorf("%d) Could not decode %s: %v", i, tests[i], err)
		} else if id != tests[i] {
			t.Errorf("%d) Expected to decode %s, got %s.", i, tests[i], id)
		}
		off += n
	}
	if off != len(buf) {
		t.Errorf("Decoding consumed %d of %d bytes.", off, len(buf))
	}

	enc := CellID{0, "30"}.AppendBinary([]byte{})
	for cut := 0; cut < len(enc); cut++ {
		if _, _, err := DecodeCellID(enc[:cut]); err == nil {
			t.Errorf("Expected decoding %d of %d bytes to fail, but it didn't.",
				cut, len(enc))
		}
	}

	enc[5] = 0xff
	if _, _, err := DecodeCellID(enc); err == nil {
		t.Errorf("Expected decoding a corrupt path byte to fail, but it didn't.")
	}
}

func TestChildParent(t *testing.T) {
	id := CellID{0, "30"}

	child := id.Child(2)
	if child != (CellID{0, "302"}) {
		t.Errorf("Expected %s.Child(2) = 0_3:302, got %s.", id, child)
	}

	parent, ok := child.Parent()
	if !ok || parent != id {
		t.Errorf("Expected %s.Parent() = %s, got %s.", child, id, parent)
	}
	root := CellID{0, ""}
	if _, ok := root.Parent(); ok {
		t.Errorf("Expected the root cell to have no parent.")
	}

	tests := []struct {
		a, b     CellID
		ancestor bool
	}{
		{CellID{0, ""}, CellID{0, "30"}, true},
		{CellID{0, "3"}, CellID{0, "30"}, true},
		{CellID{0, "30"}, CellID{0, "30"}, false},
		{CellID{0, "30"}, CellID{0, "3"}, false},
		{CellID{0, "1"}, CellID{0, "30"}, false},
		{CellID{1, ""}, CellID{0, "30"}, false},
	}
	for i := range tests {
		if got := tests[i].a.IsAncestorOf(tests[i].b); got != tests[i].ancestor {
			t.Errorf("%d) Expected %s.IsAncestorOf(%s) = %v, got %v.",
				i, tests[i].a, tests[i].b, tests[i].ancestor, got)
		}
	}
}
