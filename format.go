// Package qcow provides read-only access to QEMU Copy-On-Write (QCOW)
// disk images, versions 1, 2 and 3.
//
// An image exposes a fixed-size logical block device backed by on-disk
// clusters reached through a two-level table. Clusters may be raw,
// compressed (deflate or zstd), encrypted (legacy AES or LUKS), zero, or
// deferred to a backing image. All multi-byte on-disk integers are
// big-endian.
package qcow

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// QCOW magic number: "QFI\xfb"
const Magic = 0x514649fb

// Supported format versions
const (
	Version1 = 1
	Version2 = 2
	Version3 = 3
)

// Header sizes per version
const (
	HeaderSizeV1 = 48  // Fixed header size for version 1
	HeaderSizeV2 = 72  // Minimum header size for version 2
	HeaderSizeV3 = 104 // Minimum header size for version 3
)

// Cluster size limits. The default produced by qemu-img is 64KB (1 << 16).
const (
	MinClusterBits = 9  // 512 bytes
	MaxClusterBits = 21 // 2MB
)

// MaxBackingNameSize bounds the backing file name length stored in the
// header. Larger values indicate a damaged header.
const MaxBackingNameSize = 1023

// MaxSnapshots bounds the snapshot count; matches QEMU's limit.
const MaxSnapshots = 65536

// Encryption methods
const (
	EncryptionNone = 0
	EncryptionAES  = 1 // Legacy AES-128-CBC, sector-granular IVs
	EncryptionLUKS = 2 // LUKS1/LUKS2 header embedded in the image
)

// Compression types (v3, when IncompatCompression is set)
const (
	CompressionZlib = 0 // Raw deflate stream, no zlib wrapper
	CompressionZstd = 1 // Zstandard frame
)

// Incompatible feature bits (must understand to open)
const (
	IncompatDirtyBit     = 1 << 0 // Image was not cleanly closed
	IncompatCorruptBit   = 1 << 1 // Image is corrupt
	IncompatExternalData = 1 << 2 // Cluster data in external file
	IncompatCompression  = 1 << 3 // Compression type in header
	IncompatExtendedL2   = 1 << 4 // 128-bit L2 entries with subclusters
)

// Compatible feature bits (safe to ignore)
const (
	CompatLazyRefcounts = 1 << 0
)

// Autoclear feature bits (retained; a reader never clears them)
const (
	AutoclearBitmaps     = 1 << 0
	AutoclearRawExternal = 1 << 1
)

// MaxRefcountOrder is the largest refcount_order a v3 header may carry
// (refcount width = 1 << order bits, so 64-bit at most).
const MaxRefcountOrder = 6

// L1/L2 entry layout for versions 2 and 3. The offset mask keeps bits
// 9-55; bits 56-61 are reserved, bit 62 flags compression and bit 63 is
// the refcount-one hint, both of which must be masked off before the
// offset is used.
const (
	L2EntryCompressed = uint64(1) << 62
	L2EntryCopied     = uint64(1) << 63
	L2EntryZeroFlag   = uint64(1) << 0 // v3 only: cluster reads as zeros
	L1EntryCopied     = uint64(1) << 63
	EntryOffsetMask   = uint64(0x00fffffffffffe00)
)

// MaxBackingChainDepth is the maximum depth of the backing file chain.
// This matches QEMU's limit and prevents resource exhaustion from
// malicious images.
const MaxBackingChainDepth = 64

// Errors returned by the accessor. Read failures wrap one of these
// sentinels together with offset context; discriminate with errors.Is.
var (
	ErrInvalidMagic        = errors.New("qcow: invalid magic number")
	ErrUnsupportedVersion  = errors.New("qcow: unsupported version")
	ErrInvalidHeader       = errors.New("qcow: invalid header")
	ErrCorruptTable        = errors.New("qcow: corrupt table entry")
	ErrCorruptImage        = errors.New("qcow: image is marked corrupt")
	ErrEncryptionRequired  = errors.New("qcow: encrypted image requires a key")
	ErrInvalidKey          = errors.New("qcow: invalid decryption key")
	ErrDecompressionFailed = errors.New("qcow: cluster decompression failed")
	ErrOffsetOutOfRange    = errors.New("qcow: offset out of range")
	ErrAborted             = errors.New("qcow: read aborted")
	ErrImageClosed         = errors.New("qcow: image is closed")
	ErrBackingChainTooDeep = errors.New("qcow: backing file chain exceeds maximum depth")
)

// Header is the decoded on-disk file header. It is read once on open
// and immutable afterwards.
//
// Version 1 uses a smaller 48-byte layout with a per-image l2_bits
// field and no feature words; the v1-only fields below are zero for
// later versions and vice versa.
type Header struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64 // File offset of the backing file name (0 if none)
	BackingFileSize   uint32
	ClusterBits       uint32
	Size              uint64 // Logical media size in bytes
	EncryptMethod     uint32
	L1Size            uint32 // Number of L1 entries (computed for v1)
	L1TableOffset     uint64

	// Version 1 only
	MTime  uint32
	L2Bits uint32

	// Version 2+ fields
	RefcountTableOffset   uint64 // Parsed and ignored by the reader
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64

	// Version 3+ fields
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefcountOrder        uint32
	HeaderLength         uint32

	// Compression type (when IncompatCompression is set)
	CompressionType uint8
}

// ParseHeader decodes a QCOW header from raw bytes. The input must hold
// at least the fixed header for the version it declares.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSizeV1 {
		return nil, fmt.Errorf("%w: %d bytes is too short for any header", ErrInvalidHeader, len(data))
	}

	h := &Header{
		Magic:   binary.BigEndian.Uint32(data[0:4]),
		Version: binary.BigEndian.Uint32(data[4:8]),
	}

	if h.Magic != Magic {
		return nil, ErrInvalidMagic
	}

	switch h.Version {
	case Version1:
		parseHeaderV1(h, data)
	case Version2, Version3:
		if err := parseHeaderV2V3(h, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	return h, nil
}

// parseHeaderV1 decodes the 48-byte version 1 layout. The L1 entry
// count is not stored on disk; it is derived from the media size and
// the per-image table geometry.
func parseHeaderV1(h *Header, data []byte) {
	h.BackingFileOffset = binary.BigEndian.Uint64(data[8:16])
	h.BackingFileSize = binary.BigEndian.Uint32(data[16:20])
	h.MTime = binary.BigEndian.Uint32(data[20:24])
	h.Size = binary.BigEndian.Uint64(data[24:32])
	h.ClusterBits = uint32(data[32])
	h.L2Bits = uint32(data[33])
	// data[34:36] is padding
	h.EncryptMethod = binary.BigEndian.Uint32(data[36:40])
	h.L1TableOffset = binary.BigEndian.Uint64(data[40:48])

	if h.ClusterBits+h.L2Bits < 64 {
		shift := h.ClusterBits + h.L2Bits
		h.L1Size = uint32((h.Size + (uint64(1) << shift) - 1) >> shift)
	}
}

func parseHeaderV2V3(h *Header, data []byte) error {
	if len(data) < HeaderSizeV2 {
		return fmt.Errorf("%w: %d bytes is too short for a v%d header", ErrInvalidHeader, len(data), h.Version)
	}

	h.BackingFileOffset = binary.BigEndian.Uint64(data[8:16])
	h.BackingFileSize = binary.BigEndian.Uint32(data[16:20])
	h.ClusterBits = binary.BigEndian.Uint32(data[20:24])
	h.Size = binary.BigEndian.Uint64(data[24:32])
	h.EncryptMethod = binary.BigEndian.Uint32(data[32:36])
	h.L1Size = binary.BigEndian.Uint32(data[36:40])
	h.L1TableOffset = binary.BigEndian.Uint64(data[40:48])
	h.RefcountTableOffset = binary.BigEndian.Uint64(data[48:56])
	h.RefcountTableClusters = binary.BigEndian.Uint32(data[56:60])
	h.NbSnapshots = binary.BigEndian.Uint32(data[60:64])
	h.SnapshotsOffset = binary.BigEndian.Uint64(data[64:72])

	if h.Version == Version2 {
		// Version 2 defaults: 16-bit refcounts, fixed header length
		h.RefcountOrder = 4
		h.HeaderLength = HeaderSizeV2
		return nil
	}

	if len(data) < HeaderSizeV3 {
		return fmt.Errorf("%w: %d bytes is too short for a v3 header", ErrInvalidHeader, len(data))
	}
	h.IncompatibleFeatures = binary.BigEndian.Uint64(data[72:80])
	h.CompatibleFeatures = binary.BigEndian.Uint64(data[80:88])
	h.AutoclearFeatures = binary.BigEndian.Uint64(data[88:96])
	h.RefcountOrder = binary.BigEndian.Uint32(data[96:100])
	h.HeaderLength = binary.BigEndian.Uint32(data[100:104])

	if h.IncompatibleFeatures&IncompatCompression != 0 && len(data) > 104 {
		h.CompressionType = data[104]
	}

	return nil
}

// Validate checks the decoded header against the documented structural
// constraints. Violations are fatal at open time.
func (h *Header) Validate() error {
	if h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits {
		return fmt.Errorf("%w: cluster_bits %d outside %d..%d", ErrInvalidHeader, h.ClusterBits, MinClusterBits, MaxClusterBits)
	}

	if h.BackingFileSize > MaxBackingNameSize {
		return fmt.Errorf("%w: backing file name length %d exceeds %d", ErrInvalidHeader, h.BackingFileSize, MaxBackingNameSize)
	}
	if h.BackingFileOffset == 0 && h.BackingFileSize != 0 {
		return fmt.Errorf("%w: backing file size without offset", ErrInvalidHeader)
	}

	switch h.EncryptMethod {
	case EncryptionNone, EncryptionAES:
	case EncryptionLUKS:
		if h.Version < Version3 {
			return fmt.Errorf("%w: LUKS encryption requires version 3", ErrInvalidHeader)
		}
	default:
		return fmt.Errorf("%w: unknown encryption method %d", ErrInvalidHeader, h.EncryptMethod)
	}

	if h.Version == Version1 {
		return h.validateV1()
	}
	return h.validateV2V3()
}

func (h *Header) validateV1() error {
	if h.L2Bits < MinClusterBits || h.L2Bits > MaxClusterBits {
		return fmt.Errorf("%w: l2_bits %d outside %d..%d", ErrInvalidHeader, h.L2Bits, MinClusterBits, MaxClusterBits)
	}
	if h.L1TableOffset == 0 {
		return fmt.Errorf("%w: missing L1 table offset", ErrInvalidHeader)
	}
	return nil
}

func (h *Header) validateV2V3() error {
	clusterSize := h.ClusterSize()

	if h.L1TableOffset&(clusterSize-1) != 0 {
		return fmt.Errorf("%w: L1 table offset 0x%x is not cluster-aligned", ErrInvalidHeader, h.L1TableOffset)
	}

	// The L1 table must be large enough to map the whole media.
	l2Entries := h.L2Entries()
	span := clusterSize * l2Entries
	minL1 := (h.Size + span - 1) / span
	if uint64(h.L1Size) < minL1 {
		return fmt.Errorf("%w: l1_size %d cannot map %d media bytes", ErrInvalidHeader, h.L1Size, h.Size)
	}

	if h.NbSnapshots > MaxSnapshots {
		return fmt.Errorf("%w: %d snapshots exceeds %d", ErrInvalidHeader, h.NbSnapshots, MaxSnapshots)
	}
	if h.NbSnapshots != 0 && h.SnapshotsOffset == 0 {
		return fmt.Errorf("%w: snapshot count without table offset", ErrInvalidHeader)
	}

	if h.Version < Version3 {
		return nil
	}

	if h.IncompatibleFeatures&IncompatCorruptBit != 0 {
		return ErrCorruptImage
	}
	supported := uint64(IncompatDirtyBit | IncompatCorruptBit | IncompatExternalData |
		IncompatCompression | IncompatExtendedL2)
	if unknown := h.IncompatibleFeatures &^ supported; unknown != 0 {
		return fmt.Errorf("%w: unknown incompatible features 0x%x", ErrUnsupportedVersion, unknown)
	}

	if h.IncompatibleFeatures&IncompatCompression != 0 {
		switch h.CompressionType {
		case CompressionZlib, CompressionZstd:
		default:
			return fmt.Errorf("%w: unknown compression type %d", ErrUnsupportedVersion, h.CompressionType)
		}
	}

	if h.RefcountOrder > MaxRefcountOrder {
		return fmt.Errorf("%w: refcount_order %d exceeds %d", ErrInvalidHeader, h.RefcountOrder, MaxRefcountOrder)
	}
	if h.HeaderLength < HeaderSizeV3 {
		return fmt.Errorf("%w: header_length %d below %d", ErrInvalidHeader, h.HeaderLength, HeaderSizeV3)
	}
	if uint64(h.HeaderLength) > clusterSize {
		return fmt.Errorf("%w: header_length %d exceeds cluster size", ErrInvalidHeader, h.HeaderLength)
	}

	return nil
}

// ClusterSize returns the cluster size in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// L2Entries returns the number of entries per L2 table.
func (h *Header) L2Entries() uint64 {
	switch {
	case h.Version == Version1:
		return 1 << h.L2Bits
	case h.HasExtendedL2():
		return h.ClusterSize() / 16
	default:
		return h.ClusterSize() / 8
	}
}

// IsEncrypted returns true if the image uses any encryption method.
func (h *Header) IsEncrypted() bool {
	return h.EncryptMethod != EncryptionNone
}

// IsDirty returns true if the image was not cleanly closed. A reader
// may still open it; only refcount metadata is stale.
func (h *Header) IsDirty() bool {
	return h.IncompatibleFeatures&IncompatDirtyBit != 0
}

// HasExternalDataFile returns true if cluster data lives in a separate
// file named by a header extension.
func (h *Header) HasExternalDataFile() bool {
	return h.IncompatibleFeatures&IncompatExternalData != 0
}

// HasExtendedL2 returns true if L2 tables carry 128-bit entries with
// subcluster bitmaps.
func (h *Header) HasExtendedL2() bool {
	return h.IncompatibleFeatures&IncompatExtendedL2 != 0
}
