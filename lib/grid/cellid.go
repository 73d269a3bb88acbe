/*package grid implements the distributed adaptive mesh that darter tracks
particles against. The mesh is a forest of coarse cells over the unit box,
each refined into a 2^dim tree of children. Every process holds the same
refinement structure, but each leaf cell is owned by exactly one process and
particles are only stored on the owner.

The two main types are CellID, a persistent name for a cell that survives
repartitioning and checkpointing, and Forest, the mesh itself.
*/
package grid

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

/* cellid.go contains the CellID type, its ordering and string forms, and
the fixed-width binary encoding used by archives and exchange buffers. */

// CellID is the persistent identity of a cell. Coarse is the index of the
// level-zero cell and Path records one refinement step per byte, using the
// ASCII digits '0' through '7'. Digit k selects the child whose bit d gives
// the upper half of the cell along dimension d.
//
// CellIDs are ordered lexicographically, first by Coarse, then by Path.
// This order is the same on every process and does not depend on how cells
// are partitioned, so it can be used to break ties without communication.
type CellID struct {
	Coarse int32
	Path   string
}

// NoCell is a CellID that never names a real cell. It marks particles that
// have no cell hint at all.
var NoCell = CellID{Coarse: -1}

// IsNone returns true if id does not name a cell.
func (id CellID) IsNone() bool {
	return id.Coarse < 0
}

// Level returns the refinement depth of the cell. Coarse cells are level 0.
func (id CellID) Level() int {
	return len(id.Path)
}

// Less returns true if id comes before other in the global cell order.
func (id CellID) Less(other CellID) bool {
	if id.Coarse != other.Coarse {
		return id.Coarse < other.Coarse
	}
	return id.Path < other.Path
}

// Child returns the ID of child k of id. k must be in [0, 8).
func (id CellID) Child(k int) CellID {
	if k < 0 || k >= 8 {
		panic(fmt.Sprintf("Internal error: child index %d out of range.", k))
	}
	return CellID{id.Coarse, id.Path + string(rune('0'+k))}
}

// Parent returns the ID one refinement level up, and false if id is a
// coarse cell.
func (id CellID) Parent() (CellID, bool) {
	if len(id.Path) == 0 {
		return NoCell, false
	}
	return CellID{id.Coarse, id.Path[:len(id.Path)-1]}, true
}

// IsAncestorOf returns true if other is a strict descendant of id.
func (id CellID) IsAncestorOf(other CellID) bool {
	return id.Coarse == other.Coarse && len(id.Path) < len(other.Path) &&
		other.Path[:len(id.Path)] == id.Path
}

// String returns the cell's name in the form "coarse_level:path", e.g.
// "0_2:31" for the cell reached from coarse cell 0 by entering child 3,
// then child 1.
func (id CellID) String() string {
	if id.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%d_%d:%s", id.Coarse, len(id.Path), id.Path)
}

// ParseCellID parses the format written by String.
func ParseCellID(s string) (CellID, error) {
	if s == "none" {
		return NoCell, nil
	}

	i := strings.Index(s, "_")
	j := strings.Index(s, ":")
	if i < 0 || j < i {
		return NoCell, fmt.Errorf("'%s' is not a cell name.", s)
	}

	coarse, err := strconv.Atoi(s[:i])
	if err != nil || coarse < 0 {
		return NoCell, fmt.Errorf("'%s' is not a cell name: bad coarse index.", s)
	}
	level, err := strconv.Atoi(s[i+1 : j])
	if err != nil || level != len(s)-j-1 {
		return NoCell, fmt.Errorf("'%s' is not a cell name: level and path disagree.", s)
	}

	path := s[j+1:]
	for k := 0; k < len(path); k++ {
		if path[k] < '0' || path[k] > '7' {
			return NoCell, fmt.Errorf("'%s' is not a cell name: bad path digit '%c'.",
				s, path[k])
		}
	}

	return CellID{int32(coarse), path}, nil
}

// AppendBinary appends the fixed little-endian encoding of id to buf and
// returns the extended slice. The encoding is a 4-byte coarse index, a
// 1-byte path length, and the raw path digits.
func (id CellID) AppendBinary(buf []byte) []byte {
	if len(id.Path) > 255 {
		panic("Internal error: cell path deeper than 255 levels.")
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(id.Coarse))
	buf = append(buf, byte(len(id.Path)))
	return append(buf, id.Path...)
}

// DecodeCellID decodes an ID written by AppendBinary from the front of buf
// and returns it along with the number of bytes consumed.
func DecodeCellID(buf []byte) (CellID, int, error) {
	if len(buf) < 5 {
		return NoCell, 0, fmt.Errorf("Buffer ends inside a cell ID.")
	}
	coarse := int32(binary.LittleEndian.Uint32(buf))
	n := int(buf[4])
	if len(buf) < 5+n {
		return NoCell, 0, fmt.Errorf("Buffer ends inside a cell ID path.")
	}

	path := string(buf[5 : 5+n])
	for k := 0; k < len(path); k++ {
		if path[k] < '0' || path[k] > '7' {
			return NoCell, 0, fmt.Errorf("Cell ID contains the invalid path byte 0x%02x.",
				path[k])
		}
	}

	return CellID{coarse, path}, 5 + n, nil
}
