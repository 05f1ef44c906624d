package qcow

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-qcow/testutil"
)

func TestSnapshotTable(t *testing.T) {
	b := testutil.NewBuilder(3, 12, 4096)
	b.MapRaw(0, repeatByte(0xEE, 4096))
	b.AddSnapshot("1", "before-upgrade", []byte{0, 0, 0, 0, 0, 0, 0, 1})
	b.AddSnapshot("2", "nightly", nil)
	img := openImageBytes(t, b.Bytes())

	snaps := img.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Snapshots len = %d, want 2", len(snaps))
	}

	first := snaps[0]
	if first.ID != "1" || first.Name != "before-upgrade" {
		t.Errorf("snapshot 0 = %q/%q", first.ID, first.Name)
	}
	if len(first.ExtraData) != 8 {
		t.Errorf("snapshot 0 extra data len = %d, want 8", len(first.ExtraData))
	}
	if want := time.Unix(1136073600, 0); !first.Date.Equal(want) {
		t.Errorf("snapshot 0 date = %v, want %v", first.Date, want)
	}
	if first.L1Size != 1 {
		t.Errorf("snapshot 0 L1Size = %d, want 1", first.L1Size)
	}

	// Records are 8-byte aligned; the second record must still parse.
	second := snaps[1]
	if second.ID != "2" || second.Name != "nightly" {
		t.Errorf("snapshot 1 = %q/%q", second.ID, second.Name)
	}
	if second.ExtraData != nil {
		t.Errorf("snapshot 1 extra data = %v, want none", second.ExtraData)
	}

	// Reads still go through the live L1 table.
	got := make([]byte, 4096)
	if _, err := img.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if got[0] != 0xEE {
		t.Errorf("live read after snapshot parse: got 0x%02x", got[0])
	}
}

func TestFindSnapshot(t *testing.T) {
	b := testutil.NewBuilder(3, 12, 4096)
	b.AddSnapshot("17", "golden", nil)
	img := openImageBytes(t, b.Bytes())

	if s := img.FindSnapshot("17"); s == nil || s.Name != "golden" {
		t.Errorf("FindSnapshot by ID failed")
	}
	if s := img.FindSnapshot("golden"); s == nil || s.ID != "17" {
		t.Errorf("FindSnapshot by name failed")
	}
	if s := img.FindSnapshot("missing"); s != nil {
		t.Errorf("FindSnapshot(missing) = %+v, want nil", s)
	}
}

func TestNoSnapshots(t *testing.T) {
	b := testutil.NewBuilder(2, 12, 4096)
	img := openImageBytes(t, b.Bytes())

	if snaps := img.Snapshots(); snaps != nil {
		t.Errorf("Snapshots = %v, want nil", snaps)
	}
}
