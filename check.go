package qcow

import (
	"encoding/binary"
	"fmt"
)

// CheckResult reports what a metadata walk found. The reader has no
// refcount view, so the check covers reachability metadata only:
// header-derived bounds, L1/L2 alignment and cluster spans.
type CheckResult struct {
	// Corruptions is the number of table entries that would fail a read.
	Corruptions int

	// Errors describes each corruption found.
	Errors []string

	// AllocatedClusters counts clusters with backing storage.
	AllocatedClusters uint64

	// CompressedClusters counts the allocated clusters that are compressed.
	CompressedClusters uint64

	// ZeroClusters counts explicit zero-flagged clusters.
	ZeroClusters uint64
}

// IsClean returns true if no corruption was found.
func (r *CheckResult) IsClean() bool {
	return r.Corruptions == 0
}

func (r *CheckResult) addError(format string, args ...interface{}) {
	r.Corruptions++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Check walks every L1 and L2 entry of the live table and reports
// entries a read would reject, without failing on the first one. It is
// a diagnostic; the image stays usable for clusters that check clean.
func (img *Image) Check() (*CheckResult, error) {
	if img.closed.Load() {
		return nil, ErrImageClosed
	}

	result := &CheckResult{}
	fileSize := uint64(img.src.Size())

	for i, entry := range img.l1Table {
		l2Off := img.l1EntryOffset(entry)
		if l2Off == 0 {
			continue
		}
		if l2Off&img.offsetMask != 0 {
			result.addError("L1[%d]: L2 table offset 0x%x not cluster-aligned", i, l2Off)
			continue
		}
		if l2Off+img.l2TableBytes > fileSize {
			result.addError("L1[%d]: L2 table at 0x%x exceeds file size", i, l2Off)
			continue
		}

		l2Table, err := img.getL2Table(l2Off)
		if err != nil {
			return nil, err
		}
		img.checkL2Table(i, l2Table, result)
	}

	return result, nil
}

// checkL2Table validates each entry of one L2 table.
func (img *Image) checkL2Table(l1Index int, l2Table []byte, result *CheckResult) {
	for j := uint64(0); j < img.l2Entries; j++ {
		entry := binary.BigEndian.Uint64(l2Table[j*uint64(img.l2EntrySize):])

		var info clusterInfo
		var err error
		switch {
		case img.header.Version == Version1:
			info, err = img.decodeL2EntryV1(entry)
		case img.extendedL2:
			// Subclusters share one offset; decode against the first.
			bitmap := binary.BigEndian.Uint64(l2Table[j*16+8:])
			info, err = img.decodeExtendedL2Entry(0, entry, bitmap)
		default:
			info, err = img.decodeL2Entry(entry)
		}
		if err != nil {
			result.addError("L1[%d] L2[%d]: %v", l1Index, j, err)
			continue
		}

		switch info.ctype {
		case clusterNormal:
			result.AllocatedClusters++
		case clusterCompressed:
			result.AllocatedClusters++
			result.CompressedClusters++
		case clusterZero:
			result.ZeroClusters++
		}
	}
}
