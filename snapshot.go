package qcow

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Snapshot is one record of the snapshot directory: an alternative L1
// table plus VM state metadata. The accessor exposes snapshots as
// read-only descriptors; reads always go through the live L1 table.
type Snapshot struct {
	// L1 table offset for this snapshot
	L1TableOffset uint64
	// Number of L1 entries
	L1Size uint32
	// Unique ID string
	ID string
	// Human-readable name
	Name string
	// Time when the snapshot was taken
	Date time.Time
	// VM clock at time of snapshot (nanoseconds)
	VMClock uint64
	// Size of saved VM state in bytes (0 if none)
	VMStateSize uint32
	// Extra data (version 3+)
	ExtraData []byte
}

// snapshotHeaderSize is the fixed-size portion of a snapshot record;
// extra data, ID and name follow, padded to 8-byte alignment.
const snapshotHeaderSize = 40

// maxSnapshotExtraData bounds a record's extra-data field; QEMU never
// writes more than a few dozen bytes here.
const maxSnapshotExtraData = 1024

// parseSnapshot reads a single snapshot record at offset. It returns
// the descriptor and the total padded record size.
func parseSnapshot(src Source, offset int64) (*Snapshot, int64, error) {
	header := make([]byte, snapshotHeaderSize)
	if err := readFull(src, header, offset); err != nil {
		return nil, 0, fmt.Errorf("qcow: failed to read snapshot record: %w", err)
	}

	snap := &Snapshot{
		L1TableOffset: binary.BigEndian.Uint64(header[0:8]),
		L1Size:        binary.BigEndian.Uint32(header[8:12]),
	}

	idSize := binary.BigEndian.Uint16(header[12:14])
	nameSize := binary.BigEndian.Uint16(header[14:16])
	dateSeconds := binary.BigEndian.Uint32(header[16:20])
	dateNanos := binary.BigEndian.Uint32(header[20:24])
	snap.VMClock = binary.BigEndian.Uint64(header[24:32])
	snap.VMStateSize = binary.BigEndian.Uint32(header[32:36])
	extraSize := binary.BigEndian.Uint32(header[36:40])

	if extraSize > maxSnapshotExtraData {
		return nil, 0, fmt.Errorf("%w: snapshot extra data size %d", ErrCorruptTable, extraSize)
	}

	snap.Date = time.Unix(int64(dateSeconds), int64(dateNanos))

	pos := offset + snapshotHeaderSize

	if extraSize > 0 {
		snap.ExtraData = make([]byte, extraSize)
		if err := readFull(src, snap.ExtraData, pos); err != nil {
			return nil, 0, fmt.Errorf("qcow: failed to read snapshot extra data: %w", err)
		}
		pos += int64(extraSize)
	}

	if idSize > 0 {
		idBuf := make([]byte, idSize)
		if err := readFull(src, idBuf, pos); err != nil {
			return nil, 0, fmt.Errorf("qcow: failed to read snapshot ID: %w", err)
		}
		snap.ID = string(idBuf)
		pos += int64(idSize)
	}

	if nameSize > 0 {
		nameBuf := make([]byte, nameSize)
		if err := readFull(src, nameBuf, pos); err != nil {
			return nil, 0, fmt.Errorf("qcow: failed to read snapshot name: %w", err)
		}
		snap.Name = string(nameBuf)
		pos += int64(nameSize)
	}

	recordSize := snapshotHeaderSize + int64(extraSize) + int64(idSize) + int64(nameSize)
	if recordSize%8 != 0 {
		recordSize = ((recordSize / 8) + 1) * 8
	}

	return snap, recordSize, nil
}

// loadSnapshots reads the snapshot directory into an ordered list. The
// snapshots' own L1 tables are validated for bounds but never loaded;
// snapshot data access is not supported.
func (img *Image) loadSnapshots() error {
	if img.header.NbSnapshots == 0 || img.header.SnapshotsOffset == 0 {
		img.snapshots = nil
		return nil
	}

	fileSize := uint64(img.src.Size())
	if img.header.SnapshotsOffset >= fileSize {
		return fmt.Errorf("%w: snapshot table offset 0x%x exceeds file size",
			ErrCorruptTable, img.header.SnapshotsOffset)
	}

	img.snapshots = make([]*Snapshot, 0, img.header.NbSnapshots)
	offset := int64(img.header.SnapshotsOffset)

	for i := uint32(0); i < img.header.NbSnapshots; i++ {
		snap, size, err := parseSnapshot(img.src, offset)
		if err != nil {
			return fmt.Errorf("qcow: failed to parse snapshot %d: %w", i, err)
		}

		if snap.L1TableOffset&img.offsetMask != 0 {
			return fmt.Errorf("%w: snapshot %d L1 table offset 0x%x is not cluster-aligned",
				ErrCorruptTable, i, snap.L1TableOffset)
		}
		if snap.L1TableOffset+uint64(snap.L1Size)*8 > fileSize {
			return fmt.Errorf("%w: snapshot %d L1 table exceeds file size", ErrCorruptTable, i)
		}

		img.snapshots = append(img.snapshots, snap)
		offset += size
	}

	return nil
}

// Snapshots returns the ordered list of snapshots in the image, or nil
// if there are none.
func (img *Image) Snapshots() []*Snapshot {
	return img.snapshots
}

// FindSnapshot finds a snapshot by ID or name. Returns nil if not
// found.
func (img *Image) FindSnapshot(idOrName string) *Snapshot {
	for _, snap := range img.snapshots {
		if snap.ID == idOrName || snap.Name == idOrName {
			return snap
		}
	}
	return nil
}
