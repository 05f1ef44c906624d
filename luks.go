package qcow

import (
	"crypto/aes"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/containers/luksy"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

// LUKSDecryptor decrypts clusters of a LUKS-encrypted image (method=2)
// with random access. luksy parses the LUKS binary headers; key slot
// unlocking (PBKDF2/Argon2 plus the anti-forensic merge) and per-sector
// XTS decryption are done here, because luksy's own Decrypt only
// supports sequential sector numbering and QCOW clusters are scattered.
//
// The decryptor is immutable after creation.
type LUKSDecryptor struct {
	cipher     *xts.Cipher
	sectorSize int
}

// NewLUKSDecryptor reads the LUKS header from r and unlocks it with
// password. Both LUKS1 and LUKS2 volumes are supported, restricted to
// aes-xts-plain64 (the mode QEMU emits) and aes-xts-plain.
func NewLUKSDecryptor(r luksy.ReaderAtSeekCloser, password string) (*LUKSDecryptor, error) {
	v1hdr, v2hdr, _, v2json, err := luksy.ReadHeaders(r, luksy.ReadHeaderOptions{})
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to read LUKS headers: %w", err)
	}

	switch {
	case v1hdr != nil:
		return unlockLUKS1(v1hdr, r, password)
	case v2hdr != nil && v2json != nil:
		return unlockLUKS2(v2json, r, password)
	}
	return nil, fmt.Errorf("%w: no valid LUKS header found", ErrInvalidHeader)
}

// unlockLUKS1 tries every active LUKS1 key slot against the password.
func unlockLUKS1(hdr *luksy.V1Header, r io.ReaderAt, password string) (*LUKSDecryptor, error) {
	if hdr.CipherName() != "aes" {
		return nil, fmt.Errorf("qcow: unsupported LUKS cipher %q", hdr.CipherName())
	}
	if mode := hdr.CipherMode(); mode != "xts-plain64" && mode != "xts-plain" {
		return nil, fmt.Errorf("qcow: unsupported LUKS cipher mode %q", mode)
	}

	hashFunc := hashBySpec(hdr.HashSpec())
	if hashFunc == nil {
		return nil, fmt.Errorf("qcow: unsupported LUKS hash %q", hdr.HashSpec())
	}
	keyBytes := int(hdr.KeyBytes())

	var masterKey []byte
	for slot := 0; slot < 8; slot++ {
		ks, err := hdr.KeySlot(slot)
		if err != nil {
			continue
		}
		if active, err := ks.Active(); err != nil || !active {
			continue
		}
		if mk, err := unlockKeySlotV1(hdr, &ks, r, password, keyBytes, hashFunc); err == nil {
			masterKey = mk
			break
		}
		// Wrong password for this slot; try the next one.
	}
	if masterKey == nil {
		return nil, fmt.Errorf("%w: no LUKS key slot matched the password", ErrInvalidKey)
	}

	cipher, err := xts.NewCipher(aes.NewCipher, masterKey)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to create XTS cipher: %w", err)
	}
	return &LUKSDecryptor{cipher: cipher, sectorSize: SectorSize}, nil
}

// unlockKeySlotV1 recovers the master key from one LUKS1 key slot:
// derive the slot key with PBKDF2, decrypt the key material, merge the
// anti-forensic stripes, then verify against the master key digest.
func unlockKeySlotV1(hdr *luksy.V1Header, ks *luksy.V1KeySlot, r io.ReaderAt, password string, keyBytes int, hashFunc func() hash.Hash) ([]byte, error) {
	salt := ks.KeySlotSalt()
	stripes := int(ks.Stripes())
	materialOffset := int64(ks.KeyMaterialOffset()) * SectorSize

	slotKey := pbkdf2.Key([]byte(password), salt, int(ks.Iterations()), keyBytes, hashFunc)

	materialSize := keyBytes * stripes
	materialSectors := (materialSize + SectorSize - 1) / SectorSize
	material := make([]byte, materialSectors*SectorSize)
	if _, err := r.ReadAt(material, materialOffset); err != nil {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}

	splitKey, err := decryptKeyMaterial(material[:materialSize], slotKey)
	if err != nil {
		return nil, err
	}
	masterKey := afMerge(splitKey, keyBytes, stripes, hashFunc)

	digest := pbkdf2.Key(masterKey, hdr.MKDigestSalt(), int(hdr.MKDigestIter()), len(hdr.MKDigest()), hashFunc)
	if subtle.ConstantTimeCompare(digest, hdr.MKDigest()) != 1 {
		return nil, fmt.Errorf("master key digest mismatch")
	}
	return masterKey, nil
}

// unlockLUKS2 tries every luks2-type key slot described in the JSON
// metadata area.
func unlockLUKS2(meta *luksy.V2JSON, r io.ReaderAt, password string) (*LUKSDecryptor, error) {
	var segment *luksy.V2JSONSegment
	for _, seg := range meta.Segments {
		if seg.Type == "crypt" {
			segment = &seg
			break
		}
	}
	if segment == nil || segment.V2JSONSegmentCrypt == nil {
		return nil, fmt.Errorf("%w: no crypt segment in LUKS2 metadata", ErrInvalidHeader)
	}

	if enc := segment.Encryption; enc != "aes-xts-plain64" && enc != "aes-xts-plain" {
		return nil, fmt.Errorf("qcow: unsupported LUKS2 cipher %q", enc)
	}

	sectorSize := segment.SectorSize
	if sectorSize == 0 {
		sectorSize = SectorSize
	}

	var masterKey []byte
	for slotID, slot := range meta.Keyslots {
		if slot.Type != "luks2" || slot.V2JSONKeyslotLUKS2 == nil {
			continue
		}
		if mk, err := unlockKeySlotV2(meta, slotID, &slot, r, password); err == nil {
			masterKey = mk
			break
		}
	}
	if masterKey == nil {
		return nil, fmt.Errorf("%w: no LUKS2 key slot matched the password", ErrInvalidKey)
	}

	cipher, err := xts.NewCipher(aes.NewCipher, masterKey)
	if err != nil {
		return nil, fmt.Errorf("qcow: failed to create XTS cipher: %w", err)
	}
	return &LUKSDecryptor{cipher: cipher, sectorSize: sectorSize}, nil
}

// unlockKeySlotV2 recovers the master key from one LUKS2 key slot.
func unlockKeySlotV2(meta *luksy.V2JSON, slotID string, slot *luksy.V2JSONKeyslot, r io.ReaderAt, password string) ([]byte, error) {
	luks2 := slot.V2JSONKeyslotLUKS2
	kdf := luks2.Kdf
	af := luks2.AF

	keySize := slot.KeySize
	if keySize == 0 {
		return nil, fmt.Errorf("key slot has no key size")
	}

	if af.Type != "luks1" || af.V2JSONAFLUKS1 == nil {
		return nil, fmt.Errorf("unsupported AF type %q", af.Type)
	}
	stripes := af.Stripes

	hashFunc := hashBySpec(af.Hash)
	if hashFunc == nil {
		return nil, fmt.Errorf("unsupported AF hash %q", af.Hash)
	}

	var slotKey []byte
	switch kdf.Type {
	case "pbkdf2":
		if kdf.V2JSONKdfPbkdf2 == nil {
			return nil, fmt.Errorf("pbkdf2 KDF missing parameters")
		}
		kdfHash := hashBySpec(kdf.Hash)
		if kdfHash == nil {
			return nil, fmt.Errorf("unsupported PBKDF2 hash %q", kdf.Hash)
		}
		slotKey = pbkdf2.Key([]byte(password), kdf.Salt, kdf.Iterations, keySize, kdfHash)

	case "argon2i":
		if kdf.V2JSONKdfArgon2i == nil {
			return nil, fmt.Errorf("argon2i KDF missing parameters")
		}
		slotKey = argon2.Key([]byte(password), kdf.Salt,
			uint32(kdf.Time), uint32(kdf.Memory), uint8(kdf.CPUs), uint32(keySize))

	case "argon2id":
		if kdf.V2JSONKdfArgon2i == nil {
			return nil, fmt.Errorf("argon2id KDF missing parameters")
		}
		slotKey = argon2.IDKey([]byte(password), kdf.Salt,
			uint32(kdf.Time), uint32(kdf.Memory), uint8(kdf.CPUs), uint32(keySize))

	default:
		return nil, fmt.Errorf("unsupported KDF type %q", kdf.Type)
	}

	area := slot.Area
	if area.Type != "raw" {
		return nil, fmt.Errorf("unsupported key material area type %q", area.Type)
	}

	material := make([]byte, keySize*stripes)
	if _, err := r.ReadAt(material, area.Offset); err != nil {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}

	splitKey, err := decryptKeyMaterial(material, slotKey)
	if err != nil {
		return nil, err
	}
	masterKey := afMerge(splitKey, keySize, stripes, hashFunc)

	// Verify against a digest that covers this key slot.
	for _, digest := range meta.Digests {
		for _, ks := range digest.Keyslots {
			if ks != slotID {
				continue
			}
			if digest.Type != "pbkdf2" || digest.V2JSONDigestPbkdf2 == nil {
				continue
			}
			digestHash := hashBySpec(digest.Hash)
			if digestHash == nil {
				continue
			}
			computed := pbkdf2.Key(masterKey, digest.Salt, digest.Iterations, len(digest.Digest), digestHash)
			if subtle.ConstantTimeCompare(computed, digest.Digest) == 1 {
				return masterKey, nil
			}
		}
	}
	return nil, fmt.Errorf("master key digest mismatch")
}

// decryptKeyMaterial decrypts the AF-split key material into a new
// buffer, leaving encrypted untouched. The
// material is encrypted with the volume cipher (AES-XTS here) keyed by
// the slot key, sector numbers counting from zero.
func decryptKeyMaterial(encrypted []byte, slotKey []byte) ([]byte, error) {
	cipher, err := xts.NewCipher(aes.NewCipher, slotKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create XTS cipher for key material: %w", err)
	}

	plaintext := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += SectorSize {
		end := i + SectorSize
		if end > len(encrypted) {
			end = len(encrypted)
		}
		cipher.Decrypt(plaintext[i:end], encrypted[i:end], uint64(i/SectorSize))
	}
	return plaintext, nil
}

// afMerge reverses the LUKS anti-forensic split: XOR each stripe into
// an accumulator, diffusing between stripes, with the final stripe
// XORed in last.
func afMerge(splitKey []byte, keyLen int, stripes int, hashFunc func() hash.Hash) []byte {
	d := make([]byte, keyLen)

	for i := 0; i < stripes-1; i++ {
		start := i * keyLen
		if start+keyLen > len(splitKey) {
			break
		}
		for j := 0; j < keyLen; j++ {
			d[j] ^= splitKey[start+j]
		}
		d = afDiffuse(d, hashFunc)
	}

	final := (stripes - 1) * keyLen
	if final+keyLen <= len(splitKey) {
		for j := 0; j < keyLen; j++ {
			d[j] ^= splitKey[final+j]
		}
	}
	return d
}

// afDiffuse hashes the accumulator in hash-sized blocks, mixing in the
// big-endian block index, per the LUKS AF specification.
func afDiffuse(data []byte, hashFunc func() hash.Hash) []byte {
	h := hashFunc()
	blockSize := h.Size()
	result := make([]byte, len(data))

	for i := 0; i < len(data); i += blockSize {
		h.Reset()

		var index [4]byte
		binary.BigEndian.PutUint32(index[:], uint32(i/blockSize))
		h.Write(index[:])

		end := i + blockSize
		if end > len(data) {
			end = len(data)
		}
		h.Write(data[i:end])

		copy(result[i:end], h.Sum(nil))
	}
	return result
}

// hashBySpec maps a LUKS hash spec string to a constructor.
func hashBySpec(spec string) func() hash.Hash {
	switch spec {
	case "sha1":
		return sha1.New
	case "sha256":
		return sha256.New
	case "sha512":
		return sha512.New
	default:
		return nil
	}
}

// SectorSize returns the LUKS sector size (typically 512 bytes).
func (d *LUKSDecryptor) SectorSize() int {
	return d.sectorSize
}

// DecryptSectors decrypts buf in place. physOff is the byte offset of
// buf[0] within the image file; LUKS tweaks each sector by its
// physical sector number, unlike the legacy AES scheme's logical
// numbering.
func (d *LUKSDecryptor) DecryptSectors(buf []byte, physOff uint64) error {
	if len(buf)%d.sectorSize != 0 {
		return fmt.Errorf("qcow: decrypt length %d is not a multiple of the LUKS sector size %d", len(buf), d.sectorSize)
	}

	startSector := physOff / uint64(d.sectorSize)
	for i := 0; i < len(buf); i += d.sectorSize {
		sector := startSector + uint64(i/d.sectorSize)
		d.cipher.Decrypt(buf[i:i+d.sectorSize], buf[i:i+d.sectorSize], sector)
	}
	return nil
}

// headerRegionReader presents a slice of the image file as a standalone
// volume, the shape luksy wants for header parsing.
type headerRegionReader struct {
	src    io.ReaderAt
	offset int64
	size   int64
	pos    int64
}

func newHeaderRegionReader(src io.ReaderAt, offset, size int64) *headerRegionReader {
	return &headerRegionReader{src: src, offset: offset, size: size}
}

func (w *headerRegionReader) Read(p []byte) (int, error) {
	if w.pos >= w.size {
		return 0, io.EOF
	}
	if remaining := w.size - w.pos; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := w.src.ReadAt(p, w.offset+w.pos)
	w.pos += int64(n)
	return n, err
}

func (w *headerRegionReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= w.size {
		return 0, io.EOF
	}
	if remaining := w.size - off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	return w.src.ReadAt(p, w.offset+off)
}

func (w *headerRegionReader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = w.pos + offset
	case io.SeekEnd:
		pos = w.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	w.pos = pos
	return pos, nil
}

// Close is a no-op; the image owns the underlying source.
func (w *headerRegionReader) Close() error {
	return nil
}

// SetPasswordLUKS unlocks a LUKS-encrypted image (method=2). It must
// be called before the first read. A wrong password fails with
// ErrInvalidKey.
func (img *Image) SetPasswordLUKS(password string) error {
	if img.header.EncryptMethod != EncryptionLUKS {
		return fmt.Errorf("qcow: SetPasswordLUKS requires LUKS encryption (method=%d)", img.header.EncryptMethod)
	}
	if img.extensions == nil || img.extensions.EncryptionHeader == nil {
		return fmt.Errorf("%w: LUKS image missing encryption header extension", ErrInvalidHeader)
	}

	ext := img.extensions.EncryptionHeader
	region := newHeaderRegionReader(img.src, int64(ext.Offset), int64(ext.Length))

	decryptor, err := NewLUKSDecryptor(region, password)
	if err != nil {
		return err
	}
	img.luks = decryptor
	return nil
}
