// Package carstore implements an IPFS blockstore whose writes are streamed
// into a CARv1 archive on local disk. Written blocks remain readable by
// recorded byte offset without re-parsing the archive.
package carstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
	"github.com/ipld/go-car/util"
	"github.com/multiformats/go-varint"
	"go.uber.org/zap"
)

var (
	// ErrFinalized is returned when a block is written to a store that has
	// already been finalized.
	ErrFinalized = errors.New("store is finalized")
	// ErrEmptyStore is returned when a store is finalized before any block
	// was written. A CAR archive must contain at least one block.
	ErrEmptyStore = errors.New("no blocks written")
	// ErrUnsupportedOperation is returned for operations that are not valid
	// on an append-only archive.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

type (
	// A BlockOffset is the byte range of a block's payload within the
	// archive, after the record's varint length prefix and CID.
	BlockOffset struct {
		Start  uint64 `json:"start"`
		Length uint64 `json:"length"`
	}

	// Stats aggregates the write statistics of a store.
	Stats struct {
		BlocksWritten uint64               `json:"blocksWritten"`
		TotalSize     uint64               `json:"totalSize"`
		Missing       map[cid.Cid]struct{} `json:"missing"`
		StartTime     time.Time            `json:"startTime"`
		Finalized     bool                 `json:"finalized"`
	}

	// An Option configures a Store.
	Option func(*Store)

	// A Store implements the IPFS blockstore interface backed by a CARv1
	// archive. It is bound to a single root CID and output path for its
	// entire lifetime.
	Store struct {
		root cid.Cid
		path string
		log  *zap.Logger

		onStored  func(cid.Cid, uint64)
		onMissing func(cid.Cid)

		mu        sync.Mutex
		f         *os.File
		w         *bufio.Writer
		cursor    uint64 // write position in the archive, tracked in lock-step with w
		offsets   map[cid.Cid]BlockOffset
		missing   map[cid.Cid]struct{}
		written   uint64
		totalSize uint64
		start     time.Time
		finalized bool
		final     Stats
	}
)

// WithBlockStoredFunc sets the callback invoked after a new block is written
// to the archive.
func WithBlockStoredFunc(fn func(c cid.Cid, size uint64)) Option {
	return func(s *Store) {
		s.onStored = fn
	}
}

// WithBlockMissingFunc sets the callback invoked when a block is requested
// but has never been written.
func WithBlockMissingFunc(fn func(c cid.Cid)) Option {
	return func(s *Store) {
		s.onMissing = fn
	}
}

func (st Stats) clone() Stats {
	missing := make(map[cid.Cid]struct{}, len(st.Missing))
	for c := range st.Missing {
		missing[c] = struct{}{}
	}
	st.Missing = missing
	return st
}

func (s *Store) statsLocked() Stats {
	return Stats{
		BlocksWritten: s.written,
		TotalSize:     s.totalSize,
		Missing:       s.missing,
		StartTime:     s.start,
		Finalized:     s.finalized,
	}.clone()
}

// Root returns the root CID the archive was created for.
func (s *Store) Root() cid.Cid { return s.root }

// Path returns the path of the backing archive file.
func (s *Store) Path() string { return s.path }

// DeleteBlock removes a given block from the blockstore.
// note: archives are append-only, this always fails
func (s *Store) DeleteBlock(context.Context, cid.Cid) error {
	return fmt.Errorf("failed to delete block: %w", ErrUnsupportedOperation)
}

// Has returns whether or not a given block is in the blockstore.
func (s *Store) Has(_ context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.offsets[c]
	return ok, nil
}

// Get returns a block by CID. If the block was never written, the CID is
// recorded as missing and a not-found error is returned so callers can tell
// "absent" apart from "corrupt". Each call opens its own read handle so
// concurrent reads do not interfere.
func (s *Store) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	s.mu.Lock()
	off, ok := s.offsets[c]
	if !ok {
		s.missing[c] = struct{}{}
		onMissing := s.onMissing
		s.mu.Unlock()
		if onMissing != nil {
			onMissing(c)
		}
		return nil, format.ErrNotFound{Cid: c}
	}
	// buffered writes must reach disk before the read handle can see them
	if !s.finalized {
		if err := s.w.Flush(); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to flush archive: %w", err)
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	buf := make([]byte, off.Length)
	if _, err := f.ReadAt(buf, int64(off.Start)); err != nil {
		return nil, fmt.Errorf("failed to read block %q: %w", c, err)
	}
	return blocks.NewBlockWithCid(buf, c)
}

// GetSize returns the CIDs mapped BlockSize
func (s *Store) GetSize(_ context.Context, c cid.Cid) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offsets[c]
	if !ok {
		return 0, format.ErrNotFound{Cid: c}
	}
	return int(off.Length), nil
}

// Put appends a block to the archive and records the byte range of its
// payload. Writing a block that is already in the archive is a no-op; the
// same content is never framed twice and never double-counted.
func (s *Store) Put(_ context.Context, b blocks.Block) error {
	c, data := b.Cid(), b.RawData()

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return fmt.Errorf("failed to put block %q: %w", c, ErrFinalized)
	} else if _, ok := s.offsets[c]; ok {
		s.mu.Unlock()
		return nil
	}

	// The framing layer does not expose byte positions, so the payload
	// offset must be computed before the record is written: the payload
	// lands after the record's varint length prefix and the CID.
	recordLen := uint64(len(c.Bytes()) + len(data))
	prefixLen := uint64(varint.UvarintSize(recordLen)) + uint64(len(c.Bytes()))
	off := BlockOffset{
		Start:  s.cursor + prefixLen,
		Length: uint64(len(data)),
	}

	if err := util.LdWrite(s.w, c.Bytes(), data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to write block %q: %w", c, err)
	}
	s.cursor += prefixLen + uint64(len(data))
	s.offsets[c] = off
	s.written++
	s.totalSize += uint64(len(data))
	delete(s.missing, c) // supplied after all
	onStored := s.onStored
	s.mu.Unlock()

	if onStored != nil {
		onStored(c, uint64(len(data)))
	}
	return nil
}

// PutMany writes a slice of blocks with identical per-block semantics to Put.
func (s *Store) PutMany(ctx context.Context, blocks []blocks.Block) error {
	for _, b := range blocks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// GetBlocks requests the given CIDs, returning blocks as they are found.
// CIDs that were never written are skipped after being recorded as missing.
func (s *Store) GetBlocks(ctx context.Context, ks []cid.Cid) <-chan blocks.Block {
	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		for _, k := range ks {
			b, err := s.Get(ctx, k)
			if err != nil {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// AllKeysChan returns a channel of all CIDs written to the archive.
func (s *Store) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	s.mu.Lock()
	keys := make([]cid.Cid, 0, len(s.offsets))
	for c := range s.offsets {
		keys = append(keys, c)
	}
	s.mu.Unlock()

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
func (s *Store) HashOnRead(enabled bool) {}

// Stats returns a copy of the store's current statistics. The missing set is
// never aliased to internal state.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.final.clone()
	}
	return s.statsLocked()
}

// Finalize flushes and closes the archive, freezing the store's statistics.
// It fails if no blocks were ever written. Calling Finalize on an already
// finalized store returns the frozen snapshot without re-doing work.
func (s *Store) Finalize() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.final.clone(), nil
	} else if s.written == 0 {
		return Stats{}, fmt.Errorf("failed to finalize archive: %w", ErrEmptyStore)
	}

	if err := s.w.Flush(); err != nil {
		return Stats{}, fmt.Errorf("failed to flush archive: %w", err)
	} else if err := s.f.Sync(); err != nil {
		return Stats{}, fmt.Errorf("failed to sync archive: %w", err)
	} else if err := s.f.Close(); err != nil {
		return Stats{}, fmt.Errorf("failed to close archive: %w", err)
	}
	s.finalized = true
	s.final = s.statsLocked()
	return s.final.clone(), nil
}

// Cleanup releases the write handle. It is safe to call at any lifecycle
// point, including after an error mid-write; internal errors are logged and
// swallowed since cleanup runs inside failure paths.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized || s.f == nil {
		return
	}
	if err := s.w.Flush(); err != nil {
		s.log.Debug("failed to flush archive", zap.Error(err))
	}
	if err := s.f.Close(); err != nil {
		s.log.Debug("failed to close archive", zap.Error(err))
	}
	s.f = nil
}

// Create creates a CARv1 archive at path, bound to the given root CID, and
// returns a store streaming writes into it.
func Create(path string, root cid.Cid, log *zap.Logger, opts ...Option) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	w := bufio.NewWriter(f)
	header := &car.CarHeader{
		Roots:   []cid.Cid{root},
		Version: 1,
	}
	if err := car.WriteHeader(header, w); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write archive header: %w", err)
	}
	headerSize, err := car.HeaderSize(header)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size archive header: %w", err)
	}

	s := &Store{
		root: root,
		path: path,
		log:  log,

		f:       f,
		w:       w,
		cursor:  headerSize,
		offsets: make(map[cid.Cid]BlockOffset),
		missing: make(map[cid.Cid]struct{}),
		start:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ blockstore.Blockstore = (*Store)(nil)
