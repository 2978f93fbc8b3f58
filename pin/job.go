package pin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpd/carstore"
	"go.uber.org/zap"
)

// runJob drives a single pin from queued to a terminal state. The context is
// cancelled by Cancel and Stop; the job checks it at every suspension point
// and aborts without touching the record once it observes cancellation.
func (s *Store) runJob(ctx context.Context, id string, c cid.Cid) {
	defer s.wg.Done()
	log := s.log.Named("job").With(zap.String("pin", id), zap.Stringer("cid", c))

	// let the caller observe the queued state
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.queueDelay):
	}

	if err := s.pinContent(ctx, id, c, log); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// cancelled mid-flight: the record is already gone (Cancel) or
			// must not be mutated (Stop)
			log.Debug("job aborted", zap.Error(err))
			return
		}
		s.fail(id, c, err, log)
	}
}

func (s *Store) pinContent(ctx context.Context, id string, c cid.Cid, log *zap.Logger) error {
	s.mu.Lock()
	rec, ok := s.pins[id]
	if !ok {
		s.mu.Unlock()
		return nil // cancelled before the job started
	}
	rec.Status = StatusPinning
	path := rec.Archive.Path
	startedAt := rec.Archive.StartedAt
	origins := append([]string(nil), rec.Origins...)
	if err := s.journal.PutPin(rec.clone()); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist pin: %w", err)
	}
	s.mu.Unlock()

	var cs *carstore.Store
	cs, err := carstore.Create(path, c, log.Named("carstore"),
		carstore.WithBlockStoredFunc(func(bc cid.Cid, size uint64) {
			s.blockStored(id, cs, bc, size)
		}),
		carstore.WithBlockMissingFunc(func(bc cid.Cid) {
			s.blockMissing(id, bc)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	s.mu.Lock()
	job, ok := s.active[id]
	if !ok {
		// cancelled or stopped while the archive was being opened; only a
		// destructive cancel removes the record, and only then is the
		// archive deleted
		_, exists := s.pins[id]
		s.mu.Unlock()
		cs.Cleanup()
		if !exists {
			s.removeArchive(path, log)
		}
		return context.Canceled
	}
	job.store = cs
	job.started = time.Now()
	s.mu.Unlock()

	// best-effort persistence: per-block fetch errors never fail the pin,
	// they surface as missing blocks in the stats
	if err := s.fetcher.Fetch(ctx, c, origins, cs); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("content walk ended early", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stats, err := cs.Finalize()
	if err != nil {
		cs.Cleanup()
		s.removeArchive(path, log)
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	log.Debug("archive finalized",
		zap.Uint64("blocks", stats.BlocksWritten),
		zap.Uint64("size", stats.TotalSize),
		zap.Int("missing", len(stats.Missing)))

	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		s.removeArchive(path, log)
		return fmt.Errorf("failed to open archive: %w", err)
	}
	res, uploadErr := s.uploader.UploadCAR(ctx, c, f)
	f.Close()
	if uploadErr != nil {
		// rollback: a pin that cannot be stored remotely leaves no local
		// archive behind
		s.removeArchive(path, log)
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUploadFailed, uploadErr)
	}

	completed := time.Now()
	elapsed := completed.Sub(startedAt)
	s.mu.Lock()
	rec, ok = s.pins[id]
	if ok {
		rec.Status = StatusPinned
		rec.Archive.Stats = stats
		rec.Archive.Remote = &res
		rec.Archive.CompletedAt = completed
		rec.Archive.Duration = elapsed
		if err := s.journal.PutPin(rec.clone()); err != nil {
			log.Error("failed to persist pin", zap.Error(err))
		}
	}
	if job, ok := s.active[id]; ok {
		job.cancel()
		delete(s.active, id)
	}
	onEvent := s.onEvent
	s.mu.Unlock()

	if ok && onEvent != nil {
		onEvent(EventArchiveCompleted{PinID: id, CID: c, Blocks: stats.BlocksWritten, Size: stats.TotalSize})
	}
	log.Info("pin complete",
		zap.Uint64("blocks", stats.BlocksWritten),
		zap.Uint64("size", stats.TotalSize),
		zap.Int("missing", len(stats.Missing)),
		zap.Duration("elapsed", elapsed))
	return nil
}

// fail marks a pin failed, preserving the original error message for
// diagnostics. Failures never affect other pins.
func (s *Store) fail(id string, c cid.Cid, jobErr error, log *zap.Logger) {
	s.mu.Lock()
	rec, ok := s.pins[id]
	if ok {
		rec.Status = StatusFailed
		rec.Error = jobErr.Error()
		if err := s.journal.PutPin(rec.clone()); err != nil {
			log.Error("failed to persist pin", zap.Error(err))
		}
	}
	if job, ok := s.active[id]; ok {
		job.cancel()
		delete(s.active, id)
	}
	onEvent := s.onEvent
	s.mu.Unlock()

	log.Error("pin failed", zap.Error(jobErr))
	if ok && onEvent != nil {
		onEvent(EventPinFailed{PinID: id, CID: c, Err: jobErr.Error()})
	}
}

// blockStored mirrors a block-stored notification from a pin's archive into
// the record's live stats and the store-level event handler.
func (s *Store) blockStored(id string, cs *carstore.Store, c cid.Cid, size uint64) {
	s.mu.Lock()
	if rec, ok := s.pins[id]; ok {
		rec.Archive.Stats = cs.Stats()
	}
	onEvent := s.onEvent
	s.mu.Unlock()

	if onEvent != nil {
		onEvent(EventBlockStored{PinID: id, CID: c, Size: size})
	}
}

func (s *Store) blockMissing(id string, c cid.Cid) {
	s.mu.Lock()
	onEvent := s.onEvent
	s.mu.Unlock()

	if onEvent != nil {
		onEvent(EventBlockMissing{PinID: id, CID: c})
	}
}
