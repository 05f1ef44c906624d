package qcow

import (
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"hash"
	"io"
	"testing"

	"golang.org/x/crypto/xts"
)

// afSplit is the forward anti-forensic split, implemented here so the
// merge in the library can be verified without a full LUKS volume. The
// filler stripes are deterministic; only their XOR relationship to the
// final stripe matters.
func afSplit(key []byte, stripes int, hashFunc func() hash.Hash) []byte {
	keyLen := len(key)
	split := make([]byte, keyLen*stripes)
	d := make([]byte, keyLen)

	for i := 0; i < stripes-1; i++ {
		stripe := split[i*keyLen : (i+1)*keyLen]
		for j := range stripe {
			stripe[j] = byte(j*31 + i*7 + 1)
		}
		for j := 0; j < keyLen; j++ {
			d[j] ^= stripe[j]
		}
		d = afDiffuse(d, hashFunc)
	}

	last := split[(stripes-1)*keyLen:]
	for j := 0; j < keyLen; j++ {
		last[j] = d[j] ^ key[j]
	}
	return split
}

func TestAFMergeRoundTrip(t *testing.T) {
	for _, stripes := range []int{1, 2, 4, 4000} {
		key := make([]byte, 32)
		for i := range key {
			key[i] = byte(i + 100)
		}

		split := afSplit(key, stripes, sha256.New)
		got := afMerge(split, len(key), stripes, sha256.New)

		if !bytes.Equal(got, key) {
			t.Errorf("stripes=%d: merged key mismatch", stripes)
		}
	}
}

func TestDecryptKeyMaterialRoundTrip(t *testing.T) {
	// aes-256-xts slot key: 64 bytes
	slotKey := make([]byte, 64)
	for i := range slotKey {
		slotKey[i] = byte(i * 3)
	}

	plaintext := make([]byte, 1024)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	cipher, err := xts.NewCipher(aes.NewCipher, slotKey)
	if err != nil {
		t.Fatalf("xts.NewCipher: %v", err)
	}
	encrypted := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += SectorSize {
		cipher.Encrypt(encrypted[i:i+SectorSize], plaintext[i:i+SectorSize], uint64(i/SectorSize))
	}

	got, err := decryptKeyMaterial(encrypted, slotKey)
	if err != nil {
		t.Fatalf("decryptKeyMaterial failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("key material round trip mismatch")
	}
}

func TestLUKSDecryptSectors(t *testing.T) {
	masterKey := make([]byte, 64)
	for i := range masterKey {
		masterKey[i] = byte(200 - i)
	}
	cipher, err := xts.NewCipher(aes.NewCipher, masterKey)
	if err != nil {
		t.Fatalf("xts.NewCipher: %v", err)
	}

	plaintext := byteRamp(2048)
	physOff := uint64(0x30000)

	encrypted := make([]byte, len(plaintext))
	start := physOff / SectorSize
	for i := 0; i < len(plaintext); i += SectorSize {
		cipher.Encrypt(encrypted[i:i+SectorSize], plaintext[i:i+SectorSize], start+uint64(i/SectorSize))
	}

	d := &LUKSDecryptor{cipher: cipher, sectorSize: SectorSize}
	if err := d.DecryptSectors(encrypted, physOff); err != nil {
		t.Fatalf("DecryptSectors failed: %v", err)
	}
	if !bytes.Equal(encrypted, plaintext) {
		t.Errorf("XTS sector decryption mismatch")
	}

	if err := d.DecryptSectors(make([]byte, 100), 0); err == nil {
		t.Errorf("unaligned buffer: want error")
	}
}

func TestHashBySpec(t *testing.T) {
	for _, spec := range []string{"sha1", "sha256", "sha512"} {
		if hashBySpec(spec) == nil {
			t.Errorf("hashBySpec(%q) = nil", spec)
		}
	}
	if hashBySpec("ripemd160") != nil {
		t.Errorf("hashBySpec(ripemd160): want nil (unsupported)")
	}
}

func TestHeaderRegionReader(t *testing.T) {
	backing := byteRamp(1024)
	r := newHeaderRegionReader(bytes.NewReader(backing), 256, 512)

	// ReadAt windows into [256, 768) of the backing bytes.
	buf := make([]byte, 16)
	if _, err := r.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(buf, backing[256:272]) {
		t.Errorf("ReadAt window mismatch")
	}

	if _, err := r.ReadAt(buf, 512); err != io.EOF {
		t.Errorf("ReadAt past region: err=%v, want EOF", err)
	}

	// Sequential Read with Seek
	if _, err := r.Seek(500, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	n, _ := r.Read(buf)
	if n != 12 {
		t.Errorf("Read near region end = %d bytes, want 12", n)
	}
	if !bytes.Equal(buf[:n], backing[756:768]) {
		t.Errorf("Read window mismatch")
	}
}
