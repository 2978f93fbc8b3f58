// Package ipfs implements the content-fetch side of carpd: a minimal IPFS
// node that discovers DAG blocks on the network and writes them into a
// destination blockstore.
package ipfs

import (
	"context"
	"fmt"

	"github.com/ipfs/boxo/bitswap"
	bnetwork "github.com/ipfs/boxo/bitswap/network"
	"github.com/ipfs/boxo/blockservice"
	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-datastore"
	format "github.com/ipfs/go-ipld-format"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p-kad-dht/fullrt"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.sia.tech/carpd/config"
	"go.uber.org/zap"
)

var bootstrapPeers = []peer.AddrInfo{
	mustParsePeer("/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN"),
	mustParsePeer("/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa"),
	mustParsePeer("/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb"),
	mustParsePeer("/dnsaddr/bootstrap.libp2p.io/p2p/QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt"),
	mustParsePeer("/ip4/104.131.131.82/tcp/4001/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"),
	mustParsePeer("/ip4/104.131.131.82/udp/4001/quic/p2p/QmaCpDMGvV2BGHeYERUEnRQAwe3N8SzbUtfsmvsqQLuvuJ"),
}

// A Node is a minimal IPFS node
type Node struct {
	log  *zap.Logger
	host host.Host
	frt  *fullrt.FullRT

	blockService blockservice.BlockService
	dagService   format.DAGService
	bitswap      *bitswap.Bitswap
}

// Close closes the node
func (n *Node) Close() error {
	n.frt.Close()
	n.bitswap.Close()
	n.host.Close()
	n.blockService.Close()
	return nil
}

// PeerID returns the peer ID of the node
func (n *Node) PeerID() peer.ID {
	return n.frt.Host().ID()
}

// AddPeer adds a peer to the peerstore
func (n *Node) AddPeer(addr peer.AddrInfo) {
	n.host.Peerstore().AddAddrs(addr.ID, addr.Addrs, peerstore.AddressTTL)
}

func mustParsePeer(s string) peer.AddrInfo {
	info, err := peer.AddrInfoFromString(s)
	if err != nil {
		panic(err)
	}
	return *info
}

// NewNode creates a new IPFS node. Blocks fetched from the network are cached
// in bs, which also serves bitswap requests from other peers.
func NewNode(ctx context.Context, privateKey crypto.PrivKey, cfg config.IPFS, ds datastore.Batching, bs blockstore.Blockstore, log *zap.Logger) (*Node, error) {
	cmgr, err := connmgr.NewConnManager(600, 900)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	scalingLimits := rcmgr.DefaultLimits
	libp2p.SetDefaultServiceLimits(&scalingLimits)

	limiter := rcmgr.NewFixedLimiter(rcmgr.InfiniteLimits)
	rm, err := rcmgr.NewResourceManager(limiter, rcmgr.WithMetricsDisabled())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddresses...),
		libp2p.ConnectionManager(cmgr),
		libp2p.Identity(privateKey),
		libp2p.EnableRelay(),
		libp2p.ResourceManager(rm),
		libp2p.DefaultPeerstore,
		libp2p.DefaultTransports,
	}

	if len(cfg.AnnounceAddresses) != 0 {
		var addrs []multiaddr.Multiaddr
		for _, as := range cfg.AnnounceAddresses {
			addr, err := multiaddr.NewMultiaddr(as)
			if err != nil {
				return nil, fmt.Errorf("failed to parse announce address %q: %w", as, err)
			}
			addrs = append(addrs, addr)
		}
		opts = append(opts, libp2p.AddrsFactory(func([]multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return addrs
		}))
	}

	host, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.BootstrapPeers(bootstrapPeers...),
		dht.BucketSize(20),
		dht.Concurrency(30),
		dht.Datastore(ds),
	}
	frt, err := fullrt.NewFullRT(host, dht.DefaultPrefix, fullrt.DHTOption(dhtOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create fullrt: %w", err)
	}

	bitswapOpts := []bitswap.Option{
		bitswap.EngineBlockstoreWorkerCount(600),
		bitswap.TaskWorkerCount(600),
		bitswap.MaxOutstandingBytesPerPeer(int(5 << 20)),
	}

	bitswapNet := bnetwork.NewFromIpfsHost(host, frt)
	bitswap := bitswap.New(ctx, bitswapNet, bs, bitswapOpts...)

	blockServ := blockservice.New(bs, bitswap)
	dagService := merkledag.NewDAGService(blockServ)

	for _, p := range cfg.Peers {
		mh := make([]multiaddr.Multiaddr, 0, len(p.Addresses))
		for _, addr := range p.Addresses {
			maddr, err := multiaddr.NewMultiaddr(addr)
			if err != nil {
				return nil, fmt.Errorf("failed to parse multiaddr %q: %w", addr, err)
			}
			mh = append(mh, maddr)
		}

		host.Peerstore().AddAddrs(p.ID, mh, peerstore.PermanentAddrTTL)
	}

	return &Node{
		log:          log,
		frt:          frt,
		host:         host,
		bitswap:      bitswap,
		blockService: blockServ,
		dagService:   dagService,
	}, nil
}
