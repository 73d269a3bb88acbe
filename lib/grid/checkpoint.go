package grid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/DataDog/zstd"
)

/* checkpoint.go contains the forest's archive format. Each rank writes one
archive holding the full refinement structure plus the data blocks attached
to the cells that rank owns. On restore, every rank reads the complete
archive set and keeps the blocks for the cells it owns under the new
partition, which is how attached data moves between ranks when the rank
count changes. */

const (
	// MagicNumber is the first four bytes of every forest archive, the
	// ASCII string "FRST" in little-endian order.
	MagicNumber uint32 = 0x46525354
	// ReverseMagicNumber is what MagicNumber reads as when an archive was
	// written on a machine with the opposite byte order.
	ReverseMagicNumber uint32 = 0x54535246
	// Version is the archive format version this build writes.
	Version uint32 = 1

	littleEndianFlag int32 = 0

	// maxSectionBytes bounds section sizes read from archive headers, so a
	// corrupt length field fails cleanly instead of allocating garbage.
	maxSectionBytes = 1 << 32
)

// ErrArchive is wrapped by every error caused by an unreadable, corrupt, or
// incompatible archive, from both Forest and particle archives.
var ErrArchive = errors.New("invalid archive")

type forestHeader struct {
	Magic, Version     uint32
	EndianFlag         int32
	Dim, SpaceDim      int32
	SaveRank, SaveSize uint32
	NLeaves            uint64
}

// Save writes the local rank's archive: the refinement structure, followed
// by a compressed section holding the data blocks attached to owned cells.
// Save consumes the attached blocks, so data must be re-attached before
// every save.
func (f *Forest) Save(w io.Writer) error {
	hd := &forestHeader{
		Magic: MagicNumber, Version: Version, EndianFlag: littleEndianFlag,
		Dim: int32(f.dim), SpaceDim: int32(f.spacedim),
		SaveRank: uint32(f.rank), SaveSize: uint32(f.size),
		NLeaves: uint64(len(f.leaves)),
	}
	if err := binary.Write(w, binary.LittleEndian, hd); err != nil {
		return err
	}

	structure := []byte{}
	for _, id := range f.leaves {
		structure = id.AppendBinary(structure)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(structure))); err != nil {
		return err
	}
	if _, err := w.Write(structure); err != nil {
		return err
	}

	raw := binary.LittleEndian.AppendUint32([]byte{}, uint32(len(f.slots)))
	for _, id := range f.owned {
		data, ok := f.slots[id]
		if !ok {
			continue
		}
		raw = id.AppendBinary(raw)
		raw = binary.LittleEndian.AppendUint32(raw, uint32(len(data)))
		raw = append(raw, data...)
	}

	comp, err := zstd.CompressLevel(nil, raw, 1)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(comp))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(comp); err != nil {
		return err
	}

	f.slots = map[CellID][]byte{}
	return nil
}

// Load reads a complete archive set, one archive per save-time rank, and
// replaces the forest's refinement structure with the saved one. Ownership
// is then repartitioned for the current world size, which may differ from
// the save-time size.
//
// The per-cell data section is kept only if ExpectAttachedData was called
// since the last Load; otherwise it is discarded. Kept blocks are delivered
// to the new owner of each cell and can be retrieved with TakeData.
func (f *Forest) Load(archives ...io.Reader) error {
	expect := f.expectData
	f.expectData = false

	if len(archives) == 0 {
		return fmt.Errorf("%w: no archives were given", ErrArchive)
	}

	var leaves []CellID
	var newIndex map[CellID]int
	var newOwner []int
	seenRank := map[uint32]bool{}
	restored := map[CellID][]byte{}

	for k, r := range archives {
		hd := &forestHeader{}
		if err := binary.Read(r, binary.LittleEndian, hd); err != nil {
			return fmt.Errorf("%w: archive %d: %v", ErrArchive, k, err)
		}
		if hd.Magic == ReverseMagicNumber {
			return fmt.Errorf("%w: archive %d was written on a machine with "+
				"the opposite byte order", ErrArchive, k)
		}
		if hd.Magic != MagicNumber {
			return fmt.Errorf("%w: archive %d does not start with the forest "+
				"magic number", ErrArchive, k)
		}
		if hd.Version > Version {
			return fmt.Errorf("%w: archive %d has format version %d, but this "+
				"build only reads versions up to %d", ErrArchive, k, hd.Version, Version)
		}
		if hd.EndianFlag != littleEndianFlag {
			return fmt.Errorf("%w: archive %d has endianness flag %d, but only "+
				"little-endian archives (flag 0) are supported",
				ErrArchive, k, hd.EndianFlag)
		}
		if int(hd.Dim) != f.dim || int(hd.SpaceDim) != f.spacedim {
			return fmt.Errorf("%w: archive %d holds a %d-d mesh in %d-d space, "+
				"but this forest is %d-d in %d-d space",
				ErrArchive, k, hd.Dim, hd.SpaceDim, f.dim, f.spacedim)
		}
		if int(hd.SaveSize) != len(archives) {
			return fmt.Errorf("%w: the checkpoint was written by %d ranks, but "+
				"%d archives were given", ErrArchive, hd.SaveSize, len(archives))
		}
		if seenRank[hd.SaveRank] {
			return fmt.Errorf("%w: two archives claim save rank %d",
				ErrArchive, hd.SaveRank)
		}
		seenRank[hd.SaveRank] = true

		var structLen uint64
		if err := binary.Read(r, binary.LittleEndian, &structLen); err != nil {
			return fmt.Errorf("%w: archive %d ends inside the structure section",
				ErrArchive, k)
		}
		if structLen > maxSectionBytes {
			return fmt.Errorf("%w: archive %d claims a %d byte structure section",
				ErrArchive, k, structLen)
		}
		buf := make([]byte, structLen)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("%w: archive %d ends inside the structure section",
				ErrArchive, k)
		}

		archLeaves := make([]CellID, 0, hd.NLeaves)
		for off := 0; off < len(buf); {
			id, n, err := DecodeCellID(buf[off:])
			if err != nil {
				return fmt.Errorf("%w: archive %d: %v", ErrArchive, k, err)
			}
			if len(archLeaves) > 0 && !archLeaves[len(archLeaves)-1].Less(id) {
				return fmt.Errorf("%w: archive %d lists cells out of order",
					ErrArchive, k)
			}
			archLeaves = append(archLeaves, id)
			off += n
		}
		if uint64(len(archLeaves)) != hd.NLeaves {
			return fmt.Errorf("%w: archive %d promises %d cells but lists %d",
				ErrArchive, k, hd.NLeaves, len(archLeaves))
		}

		if k == 0 {
			leaves = archLeaves
			newIndex = make(map[CellID]int, len(leaves))
			for i, id := range leaves {
				newIndex[id] = i
			}
			n := len(leaves)
			newOwner = make([]int, n)
			for rk := 0; rk < f.size; rk++ {
				for i := rk * n / f.size; i < (rk+1)*n/f.size; i++ {
					newOwner[i] = rk
				}
			}
		} else if !cellListsEqual(leaves, archLeaves) {
			return fmt.Errorf("%w: archive %d describes a different refinement "+
				"than archive 0", ErrArchive, k)
		}

		var compLen, rawLen int64
		if err := binary.Read(r, binary.LittleEndian, &compLen); err != nil {
			return fmt.Errorf("%w: archive %d ends before the data section",
				ErrArchive, k)
		}
		if err := binary.Read(r, binary.LittleEndian, &rawLen); err != nil {
			return fmt.Errorf("%w: archive %d ends before the data section",
				ErrArchive, k)
		}
		if compLen < 0 || rawLen < 0 || compLen > maxSectionBytes ||
			rawLen > maxSectionBytes {
			return fmt.Errorf("%w: archive %d claims a data section of %d "+
				"compressed and %d raw bytes", ErrArchive, k, compLen, rawLen)
		}

		if !expect {
			// The data blocks belong to whoever announced them. Nobody did,
			// so their layout is unknown and they cannot be delivered.
			if _, err := io.CopyN(io.Discard, r, compLen); err != nil {
				return fmt.Errorf("%w: archive %d ends inside the data section",
					ErrArchive, k)
			}
			continue
		}

		comp := make([]byte, compLen)
		if _, err := io.ReadFull(r, comp); err != nil {
			return fmt.Errorf("%w: archive %d ends inside the data section",
				ErrArchive, k)
		}
		raw, err := zstd.Decompress(make([]byte, rawLen), comp)
		if err != nil {
			return fmt.Errorf("%w: archive %d has a corrupt data section: %v",
				ErrArchive, k, err)
		}
		if int64(len(raw)) != rawLen {
			return fmt.Errorf("%w: archive %d's data section decompressed to "+
				"%d bytes, not the promised %d", ErrArchive, k, len(raw), rawLen)
		}

		if len(raw) < 4 {
			return fmt.Errorf("%w: archive %d's data section is truncated",
				ErrArchive, k)
		}
		nSlots := binary.LittleEndian.Uint32(raw)
		off := 4
		for s := uint32(0); s < nSlots; s++ {
			id, n, err := DecodeCellID(raw[off:])
			if err != nil {
				return fmt.Errorf("%w: archive %d: %v", ErrArchive, k, err)
			}
			off += n
			if len(raw)-off < 4 {
				return fmt.Errorf("%w: archive %d's data section is truncated",
					ErrArchive, k)
			}
			dataLen := int(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
			if len(raw)-off < dataLen {
				return fmt.Errorf("%w: archive %d's data section is truncated",
					ErrArchive, k)
			}
			data := make([]byte, dataLen)
			copy(data, raw[off:off+dataLen])
			off += dataLen

			i, ok := newIndex[id]
			if !ok {
				return fmt.Errorf("%w: archive %d attaches data to cell %s, "+
					"which is not a cell of this checkpoint", ErrArchive, k, id)
			}
			if newOwner[i] != f.rank {
				continue
			}
			if _, dup := restored[id]; dup {
				return fmt.Errorf("%w: two archives attach data to cell %s",
					ErrArchive, id)
			}
			restored[id] = data
		}
		if off != len(raw) {
			return fmt.Errorf("%w: archive %d has %d trailing bytes in its "+
				"data section", ErrArchive, k, len(raw)-off)
		}
	}

	f.leaves = leaves
	f.rebuild()
	f.restored = restored
	f.slots = map[CellID][]byte{}
	return nil
}

func cellListsEqual(a, b []CellID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
