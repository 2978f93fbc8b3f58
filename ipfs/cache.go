package ipfs

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

// A BlockCache is an in-memory blockstore backed by a 2Q LRU cache. It keeps
// recently fetched blocks available for bitswap and for repeat pins of
// overlapping DAGs, so shared blocks are not re-fetched from the network.
type BlockCache struct {
	cache *lru.TwoQueueCache[cid.Cid, []byte]
}

// DeleteBlock removes a given block from the cache.
func (bc *BlockCache) DeleteBlock(_ context.Context, c cid.Cid) error {
	bc.cache.Remove(c)
	return nil
}

// Has returns whether or not a given block is in the cache.
func (bc *BlockCache) Has(_ context.Context, c cid.Cid) (bool, error) {
	return bc.cache.Contains(c), nil
}

// Get returns a block by CID
func (bc *BlockCache) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	if buf, ok := bc.cache.Get(c); ok {
		return blocks.NewBlockWithCid(buf, c)
	}
	return nil, format.ErrNotFound{Cid: c}
}

// GetSize returns the CIDs mapped BlockSize
func (bc *BlockCache) GetSize(_ context.Context, c cid.Cid) (int, error) {
	if buf, ok := bc.cache.Get(c); ok {
		return len(buf), nil
	}
	return 0, format.ErrNotFound{Cid: c}
}

// Put caches a given block
func (bc *BlockCache) Put(_ context.Context, b blocks.Block) error {
	bc.cache.Add(b.Cid(), b.RawData())
	return nil
}

// PutMany caches a slice of blocks
func (bc *BlockCache) PutMany(ctx context.Context, blocks []blocks.Block) error {
	for _, b := range blocks {
		if err := bc.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// AllKeysChan returns a channel of the CIDs currently in the cache.
func (bc *BlockCache) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	keys := bc.cache.Keys()
	ch := make(chan cid.Cid)
	go func() {
		defer close(ch)
		for _, c := range keys {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// HashOnRead specifies if every read block should be
// rehashed to make sure it matches its CID.
func (bc *BlockCache) HashOnRead(enabled bool) {}

// NewBlockCache creates a block cache holding at most size blocks.
func NewBlockCache(size int) (*BlockCache, error) {
	cache, err := lru.New2Q[cid.Cid, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &BlockCache{cache: cache}, nil
}

var _ blockstore.Blockstore = (*BlockCache)(nil)
