package particles

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/phil-mansfield/darter/lib/grid"
)

/* checkpoint.go contains the tracker's side of checkpointing. The particles
themselves travel inside the mesh's archives, packed into per-cell data
blocks, because only the mesh knows how to route a cell's contents to that
cell's new owner when the rank count changes. The tracker's own archive is
small and identical on every rank: a header promising how many particles the
mesh archives carry.

The call order is strict and asymmetric on both sides of a restart:

    PrepareForSave , then the mesh's Save
    Load           , then the mesh's Load , then FinalizeRestore

PrepareForSave must come first because the mesh's Save consumes the per-cell
blocks. Load must come first because the mesh's Load discards the per-cell
section unless someone has announced a claim to it; FinalizeRestore then
notices the particle count coming up short and fails rather than silently
restoring an empty particle set. */

const (
	// MagicNumber is the first four bytes of every particle archive, the
	// ASCII string "PTRK" in little-endian order.
	MagicNumber uint32 = 0x5054524b
	// ReverseMagicNumber is what MagicNumber reads as when an archive was
	// written on a machine with the opposite byte order.
	ReverseMagicNumber uint32 = 0x4b525450
	// Version is the archive format version this build writes.
	Version uint32 = 1

	littleEndianFlag int32 = 0
)

type archiveHeader struct {
	Magic, Version uint32
	EndianFlag     int32
	Dim, SpaceDim  int32
	SaveSize       uint32
	NGlobal        uint64
}

// PrepareForSave packs every cell's bound particles into a data block
// attached to that cell, so the next mesh Save carries them. It must run
// after the final SortIntoCells of the run and before the mesh's Save.
// Collective.
func (t *Tracker) PrepareForSave() error {
	if n := t.reg.NPending(); n > 0 {
		return fmt.Errorf("%d particles are not bound to cells; run "+
			"SortIntoCells before saving.", n)
	}

	dim, spacedim := t.mesh.Dim(), t.mesh.SpaceDim()
	cells := 0
	for _, cellID := range t.reg.Cells() {
		data := packCellRecords(t.reg.InCell(cellID), dim, spacedim)
		if err := t.mesh.AttachData(cellID, data); err != nil {
			return err
		}
		cells++
	}

	nGlobal, err := t.NGlobal()
	if err != nil {
		return err
	}
	t.saved, t.prepared = nGlobal, true

	t.log.Info().Int("cells", cells).Int("local", t.reg.Len()).
		Uint64("global", nGlobal).Msg("packed particles for checkpoint")
	return nil
}

// Save writes the tracker's archive. Every rank writes identical bytes, so
// restoring needs only one copy, no matter how many ranks wrote or how many
// will read.
func (t *Tracker) Save(w io.Writer) error {
	if !t.prepared {
		return fmt.Errorf("PrepareForSave has not run; there is nothing to save.")
	}

	hd := &archiveHeader{
		Magic: MagicNumber, Version: Version, EndianFlag: littleEndianFlag,
		Dim: int32(t.mesh.Dim()), SpaceDim: int32(t.mesh.SpaceDim()),
		SaveSize: uint32(t.tr.Size()), NGlobal: t.saved,
	}
	return binary.Write(w, binary.LittleEndian, hd)
}

// Load reads an archive written by Save and announces to the mesh that the
// next mesh Load must keep its per-cell particle blocks. It must run before
// the mesh's Load; FinalizeRestore completes the restore afterwards.
func (t *Tracker) Load(r io.Reader) error {
	hd := &archiveHeader{}
	if err := binary.Read(r, binary.LittleEndian, hd); err != nil {
		return fmt.Errorf("%w: %v", grid.ErrArchive, err)
	}
	if hd.Magic == ReverseMagicNumber {
		return fmt.Errorf("%w: the particle archive was written on a machine "+
			"with the opposite byte order", grid.ErrArchive)
	}
	if hd.Magic != MagicNumber {
		return fmt.Errorf("%w: the archive does not start with the particle "+
			"magic number", grid.ErrArchive)
	}
	if hd.Version > Version {
		return fmt.Errorf("%w: the particle archive has format version %d, but "+
			"this build only reads versions up to %d",
			grid.ErrArchive, hd.Version, Version)
	}
	if hd.EndianFlag != littleEndianFlag {
		return fmt.Errorf("%w: the particle archive has endianness flag %d, but "+
			"only little-endian archives (flag 0) are supported",
			grid.ErrArchive, hd.EndianFlag)
	}
	if int(hd.Dim) != t.mesh.Dim() || int(hd.SpaceDim) != t.mesh.SpaceDim() {
		return fmt.Errorf("%w: the particle archive holds a %d-d mesh in %d-d "+
			"space, but this mesh is %d-d in %d-d space", grid.ErrArchive,
			hd.Dim, hd.SpaceDim, t.mesh.Dim(), t.mesh.SpaceDim())
	}

	t.expected, t.loaded = hd.NGlobal, true
	t.mesh.ExpectAttachedData()
	return nil
}

// FinalizeRestore rebuilds this rank's particle set from the blocks the
// mesh's Load delivered for the cells this rank now owns, replacing any
// particles registered before. The restored particles are bound directly
// from their records; no sort is needed. A FinalizeRestore that returns an
// error leaves the registry half-restored: abandon the restart instead of
// continuing with it. Collective.
func (t *Tracker) FinalizeRestore() error {
	if !t.loaded {
		return fmt.Errorf("No particle archive has been loaded.")
	}
	t.loaded = false
	t.reg.Clear()

	dim, spacedim := t.mesh.Dim(), t.mesh.SpaceDim()
	for _, cellID := range t.mesh.OwnedCells() {
		block, ok := t.mesh.TakeData(cellID)
		if !ok {
			continue
		}
		recs, err := unpackCellRecords(block, dim, spacedim)
		if err != nil {
			return fmt.Errorf("%w: cell %s: %v", grid.ErrArchive, cellID, err)
		}
		for i := range recs {
			p := &Particle{
				ID: recs[i].id, X: recs[i].x, RefX: recs[i].ref,
				Cell: cellID, Bound: true, Payload: recs[i].payload,
			}
			if err := t.reg.Insert(p); err != nil {
				return fmt.Errorf("While restoring cell %s: %w", cellID, err)
			}
		}
	}

	nGlobal, err := t.NGlobal()
	if err != nil {
		return err
	}
	if nGlobal != t.expected {
		return fmt.Errorf("%w: the particle archive promises %d particles but "+
			"%d were delivered; if the counts differ, the usual cause is "+
			"loading the mesh checkpoint before the particle archive",
			grid.ErrArchive, t.expected, nGlobal)
	}

	t.log.Info().Int("local", t.reg.Len()).Uint64("global", nGlobal).
		Msg("restored particles from checkpoint")
	return nil
}
