package ipfs

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
)

// blockFetchTimeout bounds the network fetch of a single block. The walk
// treats a timed-out block as missing and keeps going.
const blockFetchTimeout = time.Minute

// Fetch walks the DAG rooted at root and writes every reachable block into
// dst. Origins are multiaddr hints for peers known to have the content.
// Blocks that cannot be retrieved are recorded against dst as missing and
// their subtrees are skipped; a partial walk is not an error.
func (n *Node) Fetch(ctx context.Context, root cid.Cid, origins []string, dst blockstore.Blockstore) error {
	log := n.log.Named("fetch").With(zap.Stringer("rootCID", root))

	for _, origin := range origins {
		info, err := peer.AddrInfoFromString(origin)
		if err != nil {
			log.Warn("ignoring invalid origin", zap.String("origin", origin), zap.Error(err))
			continue
		}
		n.AddPeer(*info)
	}

	sess := merkledag.NewSession(ctx, n.dagService)
	seen := make(map[string]bool)
	err := merkledag.Walk(ctx, merkledag.GetLinksWithDAG(sess), root, func(c cid.Cid) bool {
		var key string
		switch c.Version() {
		case 0:
			key = cid.NewCidV1(c.Type(), c.Hash()).String()
		case 1:
			key = c.String()
		}
		if seen[key] {
			return false
		}
		log := log.With(zap.Stringer("childCID", c))

		ctx, cancel := context.WithTimeout(ctx, blockFetchTimeout)
		defer cancel()

		node, err := sess.Get(ctx, c)
		if err != nil {
			log.Error("failed to get node", zap.Error(err))
			// records the miss against the destination's stats
			if _, err := dst.Get(ctx, c); err != nil {
				log.Debug("block not in archive", zap.Error(err))
			}
			return false
		} else if err := dst.Put(ctx, node); err != nil {
			log.Error("failed to store block", zap.Error(err))
			return false
		}
		seen[key] = true
		log.Debug("stored block")
		return true
	}, merkledag.Concurrent(), merkledag.IgnoreErrors())
	if err != nil {
		return fmt.Errorf("failed to walk DAG: %w", err)
	}
	return nil
}
