package ipfs_test

import (
	"bytes"
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	"github.com/multiformats/go-multihash"
	"go.sia.tech/carpd/ipfs"
	"lukechampine.com/frand"
)

func TestBlockCache(t *testing.T) {
	ctx := context.Background()
	cache, err := ipfs.NewBlockCache(16)
	if err != nil {
		t.Fatal(err)
	}

	data := frand.Bytes(256)
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := blocks.NewBlockWithCid(data, cid.NewCidV1(cid.Raw, hash))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cache.Get(ctx, b.Cid()); !format.IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}

	if err := cache.Put(ctx, b); err != nil {
		t.Fatal(err)
	}
	if ok, err := cache.Has(ctx, b.Cid()); err != nil || !ok {
		t.Fatalf("expected cached block, got %v %v", ok, err)
	}
	if got, err := cache.Get(ctx, b.Cid()); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got.RawData(), data) {
		t.Fatal("read bytes do not match cached bytes")
	}
	if size, err := cache.GetSize(ctx, b.Cid()); err != nil {
		t.Fatal(err)
	} else if size != len(data) {
		t.Fatalf("expected size %d, got %d", len(data), size)
	}

	if err := cache.DeleteBlock(ctx, b.Cid()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := cache.Has(ctx, b.Cid()); ok {
		t.Fatal("expected block to be evicted")
	}
}
