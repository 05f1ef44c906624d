package qcow

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ehrlich-b/go-qcow/testutil"
)

// encryptAES produces the on-disk form of a cluster: AES-128-CBC per
// 512-byte sector, IV = little-endian sector index zero-padded, exactly
// what the read path must invert.
func encryptAES(t *testing.T, key, plaintext []byte, firstSector uint64) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}

	out := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += SectorSize {
		var iv [aes.BlockSize]byte
		binary.LittleEndian.PutUint64(iv[:], firstSector+uint64(i/SectorSize))
		cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out[i:i+SectorSize], plaintext[i:i+SectorSize])
	}
	return out
}

func testKey() []byte {
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i + 1) // 0x01..0x10
	}
	return key
}

func TestReadEncryptedAES(t *testing.T) {
	key := testKey()

	// Sector 0 is 0xAA; the rest of the cluster stays zero (but is
	// still encrypted, like qemu-img writes it).
	plaintext := make([]byte, 4096)
	copy(plaintext, repeatByte(0xAA, SectorSize))

	b := testutil.NewBuilder(2, 12, 4096)
	b.EncryptMethod = EncryptionAES
	b.MapRaw(0, encryptAES(t, key, plaintext, 0))
	img := openImageBytes(t, b.Bytes())

	if img.EncryptionMethod() != EncryptionAES {
		t.Fatalf("EncryptionMethod = %d, want %d", img.EncryptionMethod(), EncryptionAES)
	}

	// No key yet: reads must refuse before any I/O.
	buf := make([]byte, SectorSize)
	if _, err := img.ReadAt(buf, 0); !errors.Is(err, ErrEncryptionRequired) {
		t.Fatalf("read without key: err=%v, want ErrEncryptionRequired", err)
	}

	if err := img.SetKey(key); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}
	n, err := img.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != SectorSize {
		t.Fatalf("ReadAt n = %d, want %d", n, SectorSize)
	}
	if !bytes.Equal(buf, repeatByte(0xAA, SectorSize)) {
		t.Errorf("decrypted sector mismatch")
	}
}

func TestEncryptedIVUsesLogicalSector(t *testing.T) {
	key := testKey()

	// Cluster at logical index 1 starts at logical sector 8 (4KB
	// clusters). The IV must follow the logical position, not the
	// physical placement of the cluster in the file.
	plaintext := byteRamp(4096)

	b := testutil.NewBuilder(2, 12, 8192)
	b.EncryptMethod = EncryptionAES
	b.MapRaw(1, encryptAES(t, key, plaintext, 8))
	img := openImageBytes(t, b.Bytes())

	if err := img.SetKey(key); err != nil {
		t.Fatalf("SetKey failed: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 4096); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("logical-sector IV: decrypted data mismatch")
	}
}

func TestSetPasswordDerivation(t *testing.T) {
	// QEMU derives the key by copying the password into a zeroed
	// 16-byte buffer; "test" therefore equals the padded key below.
	key := make([]byte, 16)
	copy(key, "test")

	plaintext := repeatByte(0x3C, 4096)

	b := testutil.NewBuilder(2, 12, 4096)
	b.EncryptMethod = EncryptionAES
	b.MapRaw(0, encryptAES(t, key, plaintext, 0))
	img := openImageBytes(t, b.Bytes())

	if err := img.SetPassword("test"); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("password-derived key: data mismatch")
	}
}

func TestLongPasswordTruncated(t *testing.T) {
	long := "0123456789abcdefEXTRA-IGNORED"
	key := []byte(long)[:16]

	plaintext := repeatByte(0x42, 4096)

	b := testutil.NewBuilder(2, 12, 4096)
	b.EncryptMethod = EncryptionAES
	b.MapRaw(0, encryptAES(t, key, plaintext, 0))
	img := openImageBytes(t, b.Bytes())

	if err := img.SetPassword(long); err != nil {
		t.Fatalf("SetPassword failed: %v", err)
	}

	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("truncated password key: data mismatch")
	}
}

func TestSetKeyErrors(t *testing.T) {
	b := testutil.NewBuilder(2, 12, 4096)
	b.EncryptMethod = EncryptionAES
	img := openImageBytes(t, b.Bytes())

	if err := img.SetKey(make([]byte, 8)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("short key: err=%v, want ErrInvalidKey", err)
	}
}

func TestSetPasswordOnPlainImage(t *testing.T) {
	b := testutil.NewBuilder(2, 12, 4096)
	img := openImageBytes(t, b.Bytes())

	if err := img.SetPassword("whatever"); err == nil {
		t.Errorf("SetPassword on unencrypted image: want error")
	}
	if err := img.SetKey(testKey()); err == nil {
		t.Errorf("SetKey on unencrypted image: want error")
	}
}

func TestDecryptSectorsAlignment(t *testing.T) {
	c, err := NewAESCipher(testKey())
	if err != nil {
		t.Fatalf("NewAESCipher failed: %v", err)
	}
	if err := c.DecryptSectors(make([]byte, 100), 0); err == nil {
		t.Errorf("unaligned buffer: want error")
	}
}
