package qcow

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/go-qcow/testutil"
)

func TestCacheLRUEviction(t *testing.T) {
	c := newClusterCache(2)

	load := func(v byte) func() ([]byte, error) {
		return func() ([]byte, error) { return []byte{v}, nil }
	}

	for i := byte(1); i <= 3; i++ {
		if _, err := c.getOrLoad(uint64(i), load(i)); err != nil {
			t.Fatalf("getOrLoad(%d) failed: %v", i, err)
		}
	}

	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}
	if c.get(1) != nil {
		t.Errorf("oldest entry survived eviction")
	}
	if got := c.get(3); got == nil || got[0] != 3 {
		t.Errorf("newest entry missing")
	}
}

func TestCacheTouchOnHit(t *testing.T) {
	c := newClusterCache(2)

	c.getOrLoad(1, func() ([]byte, error) { return []byte{1}, nil })
	c.getOrLoad(2, func() ([]byte, error) { return []byte{2}, nil })

	// Touch 1 so 2 becomes the eviction victim.
	c.get(1)
	c.getOrLoad(3, func() ([]byte, error) { return []byte{3}, nil })

	if c.get(1) == nil {
		t.Errorf("recently used entry evicted")
	}
	if c.get(2) != nil {
		t.Errorf("least recently used entry survived")
	}
}

func TestCacheZeroCapacity(t *testing.T) {
	c := newClusterCache(0)

	loads := 0
	load := func() ([]byte, error) { loads++; return []byte{9}, nil }

	for i := 0; i < 3; i++ {
		got, err := c.getOrLoad(7, load)
		if err != nil || got[0] != 9 {
			t.Fatalf("getOrLoad = %v, %v", got, err)
		}
	}
	if loads != 3 {
		t.Errorf("loads = %d, want 3 (nothing cached)", loads)
	}
	if c.len() != 0 {
		t.Errorf("len = %d, want 0", c.len())
	}
}

func TestCacheSingleFlight(t *testing.T) {
	c := newClusterCache(4)

	var loads atomic.Int32
	load := func() ([]byte, error) {
		loads.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return []byte{0xAB}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.getOrLoad(42, load)
			if err != nil || got[0] != 0xAB {
				t.Errorf("getOrLoad = %v, %v", got, err)
			}
		}()
	}
	wg.Wait()

	if n := loads.Load(); n != 1 {
		t.Errorf("loads = %d, want exactly 1", n)
	}
}

func TestCacheFailedLoadClearsMarker(t *testing.T) {
	c := newClusterCache(4)

	boom := errors.New("boom")
	calls := 0
	load := func() ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		return []byte{1}, nil
	}

	if _, err := c.getOrLoad(5, load); !errors.Is(err, boom) {
		t.Fatalf("first load: err=%v, want boom", err)
	}

	// The failed marker is gone; the next caller loads afresh.
	got, err := c.getOrLoad(5, load)
	if err != nil || got[0] != 1 {
		t.Fatalf("second load = %v, %v", got, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// countingSource counts positional reads by offset, to observe how many
// physical fetches the image performs.
type countingSource struct {
	src   Source
	mu    sync.Mutex
	reads map[int64]int
}

func newCountingSource(raw []byte) *countingSource {
	return &countingSource{
		src:   NewSource(bytes.NewReader(raw), int64(len(raw))),
		reads: make(map[int64]int),
	}
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	c.reads[off]++
	c.mu.Unlock()
	return c.src.ReadAt(p, off)
}

func (c *countingSource) Size() int64 { return c.src.Size() }

func (c *countingSource) Close() error { return c.src.Close() }

func (c *countingSource) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = make(map[int64]int)
}

func (c *countingSource) count(off int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[off]
}

func TestSingleFlightAcrossReaders(t *testing.T) {
	const clusterSize = 4096

	b := testutil.NewBuilder(2, 12, clusterSize)
	dataOff := b.MapRaw(0, byteRamp(clusterSize))
	src := newCountingSource(b.Bytes())

	img, err := NewImage(src)
	if err != nil {
		t.Fatalf("NewImage failed: %v", err)
	}
	defer img.Close()

	// Only reads triggered by ReadAt count.
	src.reset()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := make([]byte, clusterSize)
			if _, err := img.ReadAt(got, 0); err != nil {
				t.Errorf("ReadAt failed: %v", err)
			}
		}()
	}
	wg.Wait()

	l2Off := int64(2 * clusterSize) // builder places the L2 table in cluster 2
	if n := src.count(l2Off); n != 1 {
		t.Errorf("L2 table reads = %d, want exactly 1", n)
	}
	if n := src.count(int64(dataOff)); n != 1 {
		t.Errorf("data cluster reads = %d, want exactly 1", n)
	}
}
