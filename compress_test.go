package qcow

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ehrlich-b/go-qcow/testutil"
)

func TestParseCompressedL2Entry(t *testing.T) {
	tests := []struct {
		name        string
		clusterBits uint32
		offset      uint64
		sectors     uint64
		wantSize    uint64
	}{
		{
			// 64KB clusters: x=54, one sector, aligned stream
			name:        "aligned single sector",
			clusterBits: 16,
			offset:      0x40000,
			sectors:     0,
			wantSize:    512,
		},
		{
			// Stream starting mid-sector loses the lead-in bytes
			name:        "unaligned stream",
			clusterBits: 16,
			offset:      0x40000 + 100,
			sectors:     1,
			wantSize:    2*512 - 100,
		},
		{
			// 4KB clusters: x=58, 4 sector bits
			name:        "small clusters",
			clusterBits: 12,
			offset:      0x3000,
			sectors:     3,
			wantSize:    4 * 512,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := &Image{
				clusterBits: tt.clusterBits,
				clusterSize: 1 << tt.clusterBits,
			}

			x := 62 - (tt.clusterBits - 8)
			entry := L2EntryCompressed | tt.sectors<<x | tt.offset

			gotOff, gotSize := img.parseCompressedL2Entry(entry)
			if gotOff != tt.offset {
				t.Errorf("offset = 0x%x, want 0x%x", gotOff, tt.offset)
			}
			if gotSize != tt.wantSize {
				t.Errorf("size = %d, want %d", gotSize, tt.wantSize)
			}
		})
	}
}

func TestDecompressGarbageFails(t *testing.T) {
	b := testutil.NewBuilder(2, 12, 4096)
	// 0x06 declares the reserved deflate block type 11, which every
	// inflater rejects immediately.
	b.MapCompressedStream(0, bytes.Repeat([]byte{0x06}, 512))
	img := openImageBytes(t, b.Bytes())

	buf := make([]byte, 512)
	if _, err := img.ReadAt(buf, 0); !errors.Is(err, ErrDecompressionFailed) {
		t.Errorf("garbage stream: err=%v, want ErrDecompressionFailed", err)
	}
}

func TestDecompressShortOutputZeroPadded(t *testing.T) {
	// A stream that inflates to less than a cluster: the tail must be
	// zero-filled, not left over from a previous buffer.
	b := testutil.NewBuilder(2, 12, 4096)
	b.MapCompressed(0, repeatByte(0x31, 100))
	img := openImageBytes(t, b.Bytes())

	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got[:100], repeatByte(0x31, 100)) {
		t.Errorf("inflated prefix mismatch")
	}
	if !bytes.Equal(got[100:], make([]byte, 4096-100)) {
		t.Errorf("short inflate: tail not zero-padded")
	}
}

func TestCompressedClusterCached(t *testing.T) {
	b := testutil.NewBuilder(2, 12, 4096)
	streamOff := b.MapCompressed(0, byteRamp(4096))
	src := newCountingSource(b.Bytes())

	img, err := NewImage(src)
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	defer img.Close()

	buf := make([]byte, 512)
	for i := 0; i < 5; i++ {
		if _, err := img.ReadAt(buf, 0); err != nil {
			t.Fatalf("ReadAt failed: %v", err)
		}
	}

	if n := src.count(int64(streamOff)); n != 1 {
		t.Errorf("compressed stream reads = %d, want 1 (cached after first)", n)
	}
}
