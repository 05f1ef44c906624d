package qcow

import (
	"encoding/binary"
	"fmt"
)

// Header extension types
const (
	ExtensionEndOfHeader      = 0x00000000
	ExtensionBackingFormat    = 0xe2792aca
	ExtensionFeatureNameTable = 0x6803f857
	ExtensionBitmaps          = 0x23852875
	ExtensionFullDiskEncrypt  = 0x0537be77
	ExtensionExternalDataFile = 0x44415441 // "DATA"
)

// HeaderExtension is one raw, unrecognised extension record.
type HeaderExtension struct {
	Type   uint32
	Length uint32
	Data   []byte
}

// EncryptionHeaderPointer locates the embedded LUKS header and key
// material within the image file (full-disk-encryption extension).
type EncryptionHeaderPointer struct {
	Offset uint64
	Length uint64
}

// HeaderExtensions holds all parsed header extensions.
type HeaderExtensions struct {
	BackingFormat    string                   // Backing file format (e.g. "qcow2", "raw")
	FeatureNames     map[string]string        // Feature name table
	ExternalDataFile string                   // External data file name
	EncryptionHeader *EncryptionHeaderPointer // LUKS header location
	Unknown          []HeaderExtension        // Unrecognised but compatible extensions
}

// parseHeaderExtensions reads the extension records that sit between
// the fixed header and the end of cluster 0 (or the backing file name,
// whichever comes first). Version 2 extensions start at byte 72;
// version 3 at header_length.
func parseHeaderExtensions(src Source, header *Header, clusterSize uint64) (*HeaderExtensions, error) {
	var start uint64
	if header.Version >= Version3 {
		start = uint64(header.HeaderLength)
	} else {
		start = HeaderSizeV2
	}

	end := clusterSize
	if header.BackingFileOffset > 0 && header.BackingFileOffset < end {
		end = header.BackingFileOffset
	}
	if fileSize := uint64(src.Size()); end > fileSize {
		end = fileSize
	}
	if end <= start {
		return &HeaderExtensions{FeatureNames: make(map[string]string)}, nil
	}

	extData := make([]byte, end-start)
	if err := readFull(src, extData, int64(start)); err != nil {
		return nil, fmt.Errorf("qcow: failed to read header extensions: %w", err)
	}

	extensions := &HeaderExtensions{
		FeatureNames: make(map[string]string),
	}

	offset := uint64(0)
	for offset+8 <= uint64(len(extData)) {
		extType := binary.BigEndian.Uint32(extData[offset:])
		extLen := binary.BigEndian.Uint32(extData[offset+4:])

		if extType == ExtensionEndOfHeader {
			break
		}

		dataEnd := offset + 8 + uint64(extLen)
		if dataEnd > uint64(len(extData)) {
			return nil, fmt.Errorf("%w: header extension 0x%x exceeds header cluster", ErrInvalidHeader, extType)
		}
		data := extData[offset+8 : dataEnd]

		switch extType {
		case ExtensionBackingFormat:
			extensions.BackingFormat = string(data)

		case ExtensionFeatureNameTable:
			parseFeatureNameTable(data, extensions.FeatureNames)

		case ExtensionExternalDataFile:
			extensions.ExternalDataFile = string(data)

		case ExtensionFullDiskEncrypt:
			if len(data) < 16 {
				return nil, fmt.Errorf("%w: truncated encryption header extension", ErrInvalidHeader)
			}
			extensions.EncryptionHeader = &EncryptionHeaderPointer{
				Offset: binary.BigEndian.Uint64(data[0:8]),
				Length: binary.BigEndian.Uint64(data[8:16]),
			}

		default:
			ext := HeaderExtension{
				Type:   extType,
				Length: extLen,
				Data:   make([]byte, len(data)),
			}
			copy(ext.Data, data)
			extensions.Unknown = append(extensions.Unknown, ext)
		}

		// Records are padded to 8-byte alignment
		paddedLen := (extLen + 7) &^ uint32(7)
		offset += 8 + uint64(paddedLen)
	}

	return extensions, nil
}

// parseFeatureNameTable parses the feature name table extension.
// Format: repeated 48-byte entries of:
//   - 1 byte: feature type (0=incompatible, 1=compatible, 2=autoclear)
//   - 1 byte: bit number
//   - 46 bytes: null-padded name
func parseFeatureNameTable(data []byte, names map[string]string) {
	const entrySize = 48
	for i := 0; i+entrySize <= len(data); i += entrySize {
		featureType := data[i]
		bitNumber := data[i+1]
		nameBytes := data[i+2 : i+entrySize]

		name := ""
		for j, b := range nameBytes {
			if b == 0 {
				name = string(nameBytes[:j])
				break
			}
		}
		if name == "" && nameBytes[0] != 0 {
			name = string(nameBytes)
		}

		var typeStr string
		switch featureType {
		case 0:
			typeStr = "incompat"
		case 1:
			typeStr = "compat"
		case 2:
			typeStr = "autoclear"
		default:
			continue
		}

		names[fmt.Sprintf("%s_%d", typeStr, bitNumber)] = name
	}
}

// Extensions returns the parsed header extensions (nil for version 1
// images, which have none).
func (img *Image) Extensions() *HeaderExtensions {
	return img.extensions
}

// BackingFormat returns the format of the backing file (e.g. "qcow2",
// "raw"), or "" if the header does not record one.
func (img *Image) BackingFormat() string {
	if img.extensions != nil {
		return img.extensions.BackingFormat
	}
	return ""
}
