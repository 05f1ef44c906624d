package qcow

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// SectorSize is the 512-byte unit encryption and compressed-entry
// accounting operate on.
const SectorSize = 512

// AESCipher holds the key schedule for legacy AES-128-CBC encrypted
// images (method=1). Each 512-byte sector is decrypted independently
// with a PLAIN64 IV: the logical sector index as a little-endian 64-bit
// value, zero-padded to the AES block size.
//
// This scheme is insecure (predictable IVs, password used directly as
// key) and exists only so data can be recovered from legacy images.
// The context is immutable after creation; per-sector CBC state lives
// on the caller's stack.
type AESCipher struct {
	block cipher.Block
}

// NewAESCipher builds a cipher context from a 16-byte AES-128 key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != 16 {
		return nil, fmt.Errorf("%w: AES key must be 16 bytes, got %d", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to create AES cipher: %w", err)
	}
	return &AESCipher{block: block}, nil
}

// aesKeyFromPassword derives the AES-128 key the way QEMU does: the
// password bytes are copied into a zeroed 16-byte buffer, truncating
// anything past 16 bytes. There is no hashing or stretching.
func aesKeyFromPassword(password string) []byte {
	key := make([]byte, 16)
	copy(key, password)
	return key
}

// DecryptSectors decrypts buf in place, sector by sector, starting at
// the given sector index. len(buf) must be a multiple of SectorSize.
func (c *AESCipher) DecryptSectors(buf []byte, firstSector uint64) error {
	if len(buf)%SectorSize != 0 {
		return fmt.Errorf("qcow: decrypt length %d is not sector-aligned", len(buf))
	}

	var iv [aes.BlockSize]byte
	for i := 0; i < len(buf); i += SectorSize {
		clearBytes(iv[:])
		binary.LittleEndian.PutUint64(iv[:], firstSector+uint64(i/SectorSize))

		mode := cipher.NewCBCDecrypter(c.block, iv[:])
		mode.CryptBlocks(buf[i:i+SectorSize], buf[i:i+SectorSize])
	}
	return nil
}

// SetPassword sets the password for a legacy AES encrypted image
// (method=1), deriving the key the way QEMU does. It must be called
// before the first read.
func (img *Image) SetPassword(password string) error {
	if img.header.EncryptMethod != EncryptionAES {
		return fmt.Errorf("qcow: SetPassword requires AES encryption (method=%d)", img.header.EncryptMethod)
	}
	return img.SetKey(aesKeyFromPassword(password))
}

// SetKey installs an explicit 16-byte AES-128 key, bypassing password
// derivation.
func (img *Image) SetKey(key []byte) error {
	if img.header.EncryptMethod != EncryptionAES {
		return fmt.Errorf("qcow: SetKey requires AES encryption (method=%d)", img.header.EncryptMethod)
	}
	c, err := NewAESCipher(key)
	if err != nil {
		return err
	}
	img.aes = c
	return nil
}
