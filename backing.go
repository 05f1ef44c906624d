package qcow

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readBackingName reads the backing file name from the header region.
// Returns "" when the image has no backing file.
func (img *Image) readBackingName() (string, error) {
	if img.header.BackingFileOffset == 0 || img.header.BackingFileSize == 0 {
		return "", nil
	}

	nameBuf := make([]byte, img.header.BackingFileSize)
	if err := readFull(img.src, nameBuf, int64(img.header.BackingFileOffset)); err != nil {
		return "", fmt.Errorf("qcow: failed to read backing file name: %w", err)
	}

	name := string(nameBuf)
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: backing file name contains a NUL byte", ErrInvalidHeader)
	}
	return name, nil
}

// openBackingFile resolves and opens the backing file named in the
// header. A backing image that is itself QCOW is opened recursively
// with loop and depth protection; anything else is served verbatim as
// a raw byte store.
func (img *Image) openBackingFile(depth int, seen []os.FileInfo, o *imageOptions) error {
	name, err := img.readBackingName()
	if err != nil {
		return err
	}
	img.backingName = name
	if name == "" {
		return nil
	}

	if img.path == "" {
		return fmt.Errorf("qcow: cannot resolve backing file %q without an image path (use WithNoBackingFile, then SetBacking)", name)
	}

	backingPath, err := resolveRelativePath(img.path, name)
	if err != nil {
		return fmt.Errorf("qcow: cannot resolve backing file: %w", err)
	}

	isQcow, err := probeMagic(backingPath)
	if err != nil {
		return fmt.Errorf("qcow: failed to probe backing file %q: %w", backingPath, err)
	}

	var backing BackingStore
	if isQcow {
		backing, err = openPath(backingPath, depth+1, seen, o)
	} else {
		// Raw backing files terminate the chain; their bytes are the
		// media view directly.
		backing, err = OpenSource(backingPath)
	}
	if err != nil {
		return fmt.Errorf("qcow: failed to open backing file %q: %w", backingPath, err)
	}

	img.backing = backing
	img.ownsBacking = true
	return nil
}

// probeMagic reports whether the file at path starts with the QCOW
// magic number.
func probeMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return false, nil // too small to be QCOW; treat as raw
	}
	return binary.BigEndian.Uint32(magic[:]) == Magic, nil
}

// resolveRelativePath resolves name relative to the directory holding
// basePath. Absolute names pass through untouched.
func resolveRelativePath(basePath, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	return filepath.Join(filepath.Dir(basePath), name), nil
}

// BackingFileName returns the backing file name stored in the header,
// or "" if the image has none.
func (img *Image) BackingFileName() string {
	return img.backingName
}

// HasBackingFile returns true if the header names a backing file.
func (img *Image) HasBackingFile() bool {
	return img.header.BackingFileOffset != 0 && img.header.BackingFileSize != 0
}

// BackingChainDepth returns how many QCOW parents sit below this image.
// A raw backing file does not count.
func (img *Image) BackingChainDepth() int {
	depth := 0
	current := img.backing
	for current != nil {
		parent, ok := current.(*Image)
		if !ok {
			break
		}
		depth++
		current = parent.backing
	}
	return depth
}
