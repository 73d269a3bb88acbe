package particles

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/phil-mansfield/darter/lib/grid"
)

/* records.go contains the fixed little-endian encoding of particles used by
both exchange blocks and checkpoint data. A record is

    ID        uint64
    X         spacedim float64s
    RefX      dim float64s (zeros when the particle is unbound)
    len       uint32
    Payload   len bytes

Checkpoint data attached to a cell is a uint32 record count followed by the
records, with the cell itself implied by the slot it rides in. Exchange
blocks use the same count-then-records layout, but each record is prefixed
by the cell the sender claims the particle belongs to. */

// record is a decoded particle record.
type record struct {
	id      uint64
	x, ref  []float64
	payload []byte
	cell    grid.CellID
}

func appendRecord(buf []byte, p *Particle, dim, spacedim int) []byte {
	if len(p.X) != spacedim {
		panic(fmt.Sprintf("Internal error: particle %d has %d coordinates "+
			"in %d-d space.", p.ID, len(p.X), spacedim))
	}
	if p.Bound && len(p.RefX) != dim {
		panic(fmt.Sprintf("Internal error: bound particle %d has %d reference "+
			"coordinates on a %d-d mesh.", p.ID, len(p.RefX), dim))
	}

	buf = binary.LittleEndian.AppendUint64(buf, p.ID)
	for d := 0; d < spacedim; d++ {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.X[d]))
	}
	for d := 0; d < dim; d++ {
		ref := 0.0
		if p.Bound {
			ref = p.RefX[d]
		}
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(ref))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Payload)))
	return append(buf, p.Payload...)
}

func decodeRecord(buf []byte, dim, spacedim int) (rec record, n int, err error) {
	head := 8 + 8*spacedim + 8*dim + 4
	if len(buf) < head {
		return rec, 0, fmt.Errorf("Buffer ends inside a particle record.")
	}

	rec.id = binary.LittleEndian.Uint64(buf)
	off := 8
	rec.x = make([]float64, spacedim)
	for d := 0; d < spacedim; d++ {
		rec.x[d] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	rec.ref = make([]float64, dim)
	for d := 0; d < dim; d++ {
		rec.ref[d] = math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}

	payloadLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf)-off < payloadLen {
		return rec, 0, fmt.Errorf("Buffer ends inside a %d byte particle payload.",
			payloadLen)
	}
	if payloadLen > 0 {
		rec.payload = make([]byte, payloadLen)
		copy(rec.payload, buf[off:off+payloadLen])
	}
	off += payloadLen

	return rec, off, nil
}

// packCellRecords encodes the particles bound to one cell as checkpoint
// data.
func packCellRecords(ps []*Particle, dim, spacedim int) []byte {
	buf := binary.LittleEndian.AppendUint32([]byte{}, uint32(len(ps)))
	for _, p := range ps {
		buf = appendRecord(buf, p, dim, spacedim)
	}
	return buf
}

// unpackCellRecords decodes checkpoint data written by packCellRecords.
func unpackCellRecords(buf []byte, dim, spacedim int) ([]record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("Cell data is %d bytes, too short to hold a "+
			"record count.", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4

	recs := make([]record, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, n, err := decodeRecord(buf[off:], dim, spacedim)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		off += n
	}
	if off != len(buf) {
		return nil, fmt.Errorf("Cell data has %d trailing bytes.", len(buf)-off)
	}
	return recs, nil
}

// packTransferRecords encodes particles headed to one rank, tagging each
// with the cell the sender claims it belongs to.
func packTransferRecords(ps []*Particle, dim, spacedim int) []byte {
	buf := binary.LittleEndian.AppendUint32([]byte{}, uint32(len(ps)))
	for _, p := range ps {
		buf = p.Cell.AppendBinary(buf)
		buf = appendRecord(buf, p, dim, spacedim)
	}
	return buf
}

// unpackTransferRecords decodes a block written by packTransferRecords. A
// nil block decodes to no records.
func unpackTransferRecords(buf []byte, dim, spacedim int) ([]record, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	if len(buf) < 4 {
		return nil, fmt.Errorf("Transfer block is %d bytes, too short to hold "+
			"a record count.", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4

	recs := make([]record, 0, count)
	for i := uint32(0); i < count; i++ {
		cell, n, err := grid.DecodeCellID(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n

		rec, n, err := decodeRecord(buf[off:], dim, spacedim)
		if err != nil {
			return nil, err
		}
		rec.cell = cell
		recs = append(recs, rec)
		off += n
	}
	if off != len(buf) {
		return nil, fmt.Errorf("Transfer block has %d trailing bytes.", len(buf)-off)
	}
	return recs, nil
}
