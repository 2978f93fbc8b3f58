package carstore_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/carpd/carstore"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

func randBlock(t *testing.T, n int) blocks.Block {
	t.Helper()

	data := frand.Bytes(n)
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := blocks.NewBlockWithCid(data, cid.NewCidV1(cid.Raw, hash))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 512)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	written := []blocks.Block{root}
	for i := 0; i < 9; i++ {
		written = append(written, randBlock(t, 256+i))
	}
	var totalSize uint64
	for _, b := range written {
		if err := cs.Put(ctx, b); err != nil {
			t.Fatal(err)
		}
		totalSize += uint64(len(b.RawData()))
	}

	// blocks must be readable while the store is still open
	for _, b := range written {
		got, err := cs.Get(ctx, b.Cid())
		if err != nil {
			t.Fatal(err)
		} else if !bytes.Equal(got.RawData(), b.RawData()) {
			t.Fatalf("block %q: read bytes do not match written bytes", b.Cid())
		}
	}

	// writing the same block again must not double-count or rewrite
	if err := cs.Put(ctx, written[0]); err != nil {
		t.Fatal(err)
	}
	stats := cs.Stats()
	if stats.BlocksWritten != uint64(len(written)) {
		t.Fatalf("expected %d blocks written, got %d", len(written), stats.BlocksWritten)
	} else if stats.TotalSize != totalSize {
		t.Fatalf("expected total size %d, got %d", totalSize, stats.TotalSize)
	} else if stats.Finalized {
		t.Fatal("store should not be finalized")
	}

	if ok, err := cs.Has(ctx, written[3].Cid()); err != nil || !ok {
		t.Fatalf("expected Has to return true, got %v %v", ok, err)
	}
	if size, err := cs.GetSize(ctx, written[3].Cid()); err != nil {
		t.Fatal(err)
	} else if size != len(written[3].RawData()) {
		t.Fatalf("expected size %d, got %d", len(written[3].RawData()), size)
	}

	if _, err := cs.Finalize(); err != nil {
		t.Fatal(err)
	}

	// the archive must be readable by a standard CAR reader
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f)
	if err != nil {
		t.Fatal(err)
	} else if len(br.Roots) != 1 || !br.Roots[0].Equals(root.Cid()) {
		t.Fatalf("expected root %q, got %v", root.Cid(), br.Roots)
	}

	expected := make(map[cid.Cid][]byte)
	for _, b := range written {
		expected[b.Cid()] = b.RawData()
	}
	var n int
	for {
		b, err := br.Next()
		if err != nil {
			break
		}
		if data, ok := expected[b.Cid()]; !ok {
			t.Fatalf("unexpected block %q in archive", b.Cid())
		} else if !bytes.Equal(data, b.RawData()) {
			t.Fatalf("block %q: archive bytes do not match written bytes", b.Cid())
		}
		n++
	}
	if n != len(written) {
		t.Fatalf("expected %d blocks in archive, got %d", len(written), n)
	}
}

func TestStoreRecordSizes(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	// payload sizes straddling the varint length-prefix width boundaries; a
	// record length mis-tracked by even one byte corrupts every later offset
	written := []blocks.Block{root}
	for _, n := range []int{1, 91, 92, 93, 16347, 16348, 300} {
		written = append(written, randBlock(t, n))
	}
	for _, b := range written {
		if err := cs.Put(ctx, b); err != nil {
			t.Fatal(err)
		}
		// read every block written so far after each write
		for _, prev := range written {
			got, err := cs.Get(ctx, prev.Cid())
			if err != nil {
				t.Fatal(err)
			} else if !bytes.Equal(got.RawData(), prev.RawData()) {
				t.Fatalf("block %q: read bytes do not match written bytes", prev.Cid())
			}
			if prev.Cid().Equals(b.Cid()) {
				break
			}
		}
	}

	if _, err := cs.Finalize(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f)
	if err != nil {
		t.Fatal(err)
	}
	var n int
	for {
		if _, err := br.Next(); err != nil {
			break
		}
		n++
	}
	if n != len(written) {
		t.Fatalf("expected %d blocks in archive, got %d", len(written), n)
	}
}

func TestStoreMissingBlocks(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	if err := cs.Put(ctx, root); err != nil {
		t.Fatal(err)
	}

	unknown := randBlock(t, 64)
	if _, err := cs.Get(ctx, unknown.Cid()); !format.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}

	stats := cs.Stats()
	if stats.BlocksWritten != 1 {
		t.Fatalf("expected 1 block written, got %d", stats.BlocksWritten)
	} else if stats.TotalSize != uint64(len(root.RawData())) {
		t.Fatalf("expected total size %d, got %d", len(root.RawData()), stats.TotalSize)
	} else if _, ok := stats.Missing[unknown.Cid()]; !ok {
		t.Fatal("expected missing set to contain the unknown cid")
	}

	// supplying the block afterwards clears the miss
	if err := cs.Put(ctx, unknown); err != nil {
		t.Fatal(err)
	}
	if stats := cs.Stats(); len(stats.Missing) != 0 {
		t.Fatalf("expected empty missing set, got %d", len(stats.Missing))
	}

	// the returned missing set must be a copy
	stats.Missing[root.Cid()] = struct{}{}
	if len(cs.Stats().Missing) != 0 {
		t.Fatal("mutating a stats copy should not affect the store")
	}
}

func TestStoreFinalize(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	// an archive must declare at least one block
	if _, err := cs.Finalize(); !errors.Is(err, carstore.ErrEmptyStore) {
		t.Fatalf("expected %v, got %v", carstore.ErrEmptyStore, err)
	}

	if err := cs.Put(ctx, root); err != nil {
		t.Fatal(err)
	}
	stats, err := cs.Finalize()
	if err != nil {
		t.Fatal(err)
	} else if !stats.Finalized {
		t.Fatal("expected finalized stats")
	}

	// a second finalize returns the same snapshot
	again, err := cs.Finalize()
	if err != nil {
		t.Fatal(err)
	} else if again.BlocksWritten != stats.BlocksWritten || again.TotalSize != stats.TotalSize || !again.StartTime.Equal(stats.StartTime) {
		t.Fatalf("expected identical snapshot, got %+v and %+v", stats, again)
	}

	if err := cs.Put(ctx, randBlock(t, 64)); !errors.Is(err, carstore.ErrFinalized) {
		t.Fatalf("expected %v, got %v", carstore.ErrFinalized, err)
	}

	// reads still work after finalize
	if got, err := cs.Get(ctx, root.Cid()); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got.RawData(), root.RawData()) {
		t.Fatal("read bytes do not match written bytes")
	}
}

func TestStoreDeleteUnsupported(t *testing.T) {
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	if err := cs.DeleteBlock(context.Background(), root.Cid()); !errors.Is(err, carstore.ErrUnsupportedOperation) {
		t.Fatalf("expected %v, got %v", carstore.ErrUnsupportedOperation, err)
	}
}

func TestStoreNotifications(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	var mu sync.Mutex
	var stored, missing int
	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t),
		carstore.WithBlockStoredFunc(func(cid.Cid, uint64) {
			mu.Lock()
			defer mu.Unlock()
			stored++
		}),
		carstore.WithBlockMissingFunc(func(cid.Cid) {
			mu.Lock()
			defer mu.Unlock()
			missing++
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	if err := cs.Put(ctx, root); err != nil {
		t.Fatal(err)
	} else if err := cs.Put(ctx, root); err != nil { // no notification for dups
		t.Fatal(err)
	}
	cs.Get(ctx, randBlock(t, 64).Cid())

	mu.Lock()
	defer mu.Unlock()
	if stored != 1 {
		t.Fatalf("expected 1 stored notification, got %d", stored)
	} else if missing != 1 {
		t.Fatalf("expected 1 missing notification, got %d", missing)
	}
}

func TestStoreConcurrentReads(t *testing.T) {
	ctx := context.Background()
	root := randBlock(t, 64)
	path := filepath.Join(t.TempDir(), "test.car")

	cs, err := carstore.Create(path, root.Cid(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Cleanup()

	var written []blocks.Block
	for i := 0; i < 16; i++ {
		b := randBlock(t, 1024)
		if err := cs.Put(ctx, b); err != nil {
			t.Fatal(err)
		}
		written = append(written, b)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(written))
	for _, b := range written {
		wg.Add(1)
		go func(b blocks.Block) {
			defer wg.Done()
			got, err := cs.Get(ctx, b.Cid())
			if err != nil {
				errCh <- err
			} else if !bytes.Equal(got.RawData(), b.RawData()) {
				errCh <- errors.New("read bytes do not match written bytes")
			}
		}(b)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
