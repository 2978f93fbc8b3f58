package pin

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/boxo/blockstore"
	"github.com/ipfs/go-cid"
	"go.sia.tech/carpd/carstore"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

type (
	// A Fetcher discovers every block reachable from a root CID and writes
	// it into the destination blockstore. Per-block failures are the
	// fetcher's to tolerate; the pin store proceeds with whatever was
	// retrieved.
	Fetcher interface {
		Fetch(ctx context.Context, root cid.Cid, origins []string, dst blockstore.Blockstore) error
	}

	// An Uploader stores a finished archive remotely and returns a remote
	// reference for it.
	Uploader interface {
		UploadCAR(ctx context.Context, root cid.Cid, r io.Reader) (UploadResult, error)
	}

	// A RecordStore durably journals pin records across restarts.
	RecordStore interface {
		PutPin(Record) error
		DeletePin(id string) error
		ListPins() ([]Record, error)
	}

	// A Filter selects records from List.
	Filter struct {
		CID    cid.Cid
		Name   string
		Status Status
		Limit  int
	}

	// ActiveStats is a point-in-time snapshot of one pinning job, for
	// operational monitoring.
	ActiveStats struct {
		PinID    string         `json:"pinId"`
		Stats    carstore.Stats `json:"stats"`
		Duration time.Duration  `json:"duration"`
	}

	// An Option configures a Store.
	Option func(*Store)

	activeJob struct {
		store   *carstore.Store
		cancel  context.CancelFunc
		started time.Time
	}

	// A Store owns the collection of pin records and drives each pin's
	// background job from queued to a terminal state.
	Store struct {
		fetcher  Fetcher
		uploader Uploader
		journal  RecordStore
		dir      string
		log      *zap.Logger

		queueDelay time.Duration
		onEvent    func(Event)

		mu      sync.Mutex // protects the fields below
		pins    map[string]*Record
		active  map[string]*activeJob
		running bool

		wg sync.WaitGroup
	}
)

// WithQueueDelay sets how long a pin stays queued before its background job
// starts. The delay exists so a caller can observe the queued state.
func WithQueueDelay(d time.Duration) Option {
	return func(s *Store) {
		s.queueDelay = d
	}
}

// WithEventHandler registers a handler for pin store events. The handler is
// invoked synchronously and must not call back into the store.
func WithEventHandler(fn func(Event)) Option {
	return func(s *Store) {
		s.onEvent = fn
	}
}

// Start loads the pin journal. Records that were still queued or pinning at
// the last shutdown are marked failed since their jobs did not survive the
// process.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.journal.ListPins()
	if err != nil {
		return fmt.Errorf("failed to load pin journal: %w", err)
	}
	for i := range records {
		rec := records[i]
		if rec.Status == StatusQueued || rec.Status == StatusPinning {
			rec.Status = StatusFailed
			rec.Error = "interrupted by shutdown"
			if err := s.journal.PutPin(rec); err != nil {
				return fmt.Errorf("failed to persist pin %q: %w", rec.ID, err)
			}
		}
		s.pins[rec.ID] = &rec
	}
	s.running = true
	return nil
}

// Stop cancels every active job and releases its resources, leaving the
// active-job collection empty. It does not delete archive files or mutate
// persisted records.
func (s *Store) Stop() {
	s.mu.Lock()
	s.running = false
	jobs := make([]*activeJob, 0, len(s.active))
	for _, job := range s.active {
		jobs = append(jobs, job)
	}
	s.active = make(map[string]*activeJob)
	s.mu.Unlock()

	for _, job := range jobs {
		job.cancel()
		if job.store != nil {
			job.store.Cleanup()
		}
	}
	s.wg.Wait()
}

// Pin creates a record in the queued state and schedules its background job.
// It returns immediately; callers poll Get or List for progress.
func (s *Store) Pin(requester string, c cid.Cid, opts Options) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Record{}, ErrNotRunning
	}

	now := time.Now()
	rec := &Record{
		ID:        hex.EncodeToString(frand.Bytes(16)),
		Requester: requester,
		Status:    StatusQueued,
		Created:   now,
		CID:       c,
		Name:      opts.Name,
		Origins:   append([]string(nil), opts.Origins...),
		Meta:      opts.Meta,
		Archive: ArchiveMeta{
			// named from (cid, startedAt) so concurrent pins of the same
			// CID never collide
			Path:      filepath.Join(s.dir, fmt.Sprintf("%s_%d.car", c.String(), now.UnixNano())),
			StartedAt: now,
		},
	}
	if err := s.journal.PutPin(rec.clone()); err != nil {
		return Record{}, fmt.Errorf("failed to persist pin %q: %w", rec.ID, err)
	}
	s.pins[rec.ID] = rec

	ctx, cancel := context.WithCancel(context.Background())
	s.active[rec.ID] = &activeJob{cancel: cancel, started: now}
	s.wg.Add(1)
	go s.runJob(ctx, rec.ID, c)
	return rec.clone(), nil
}

// Get returns the record with the given id, if it belongs to the requester.
func (s *Store) Get(requester, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pins[id]
	if !ok || rec.Requester != requester {
		return Record{}, false
	}
	return rec.clone(), true
}

// Update mutates the caller-visible name, origins, and metadata of a record.
// Zero-valued fields are left unchanged and metadata is merged. Archive state
// is never touched.
func (s *Store) Update(requester, id string, opts Options) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pins[id]
	if !ok || rec.Requester != requester {
		return Record{}, ErrNotFound
	}
	if opts.Name != "" {
		rec.Name = opts.Name
	}
	if opts.Origins != nil {
		rec.Origins = append([]string(nil), opts.Origins...)
	}
	if len(opts.Meta) > 0 {
		if rec.Meta == nil {
			rec.Meta = make(map[string]string, len(opts.Meta))
		}
		for k, v := range opts.Meta {
			rec.Meta[k] = v
		}
	}
	if err := s.journal.PutPin(rec.clone()); err != nil {
		return Record{}, fmt.Errorf("failed to persist pin %q: %w", id, err)
	}
	return rec.clone(), nil
}

// Cancel releases a pin's active resources, deletes its archive, and removes
// the record from the store. Cancelling a pin in a terminal state is a no-op
// on the state but still removes the record and its archive.
func (s *Store) Cancel(requester, id string) error {
	s.mu.Lock()
	rec, ok := s.pins[id]
	if !ok || rec.Requester != requester {
		s.mu.Unlock()
		return ErrNotFound
	}
	job := s.active[id]
	delete(s.active, id)
	delete(s.pins, id)
	path := rec.Archive.Path
	err := s.journal.DeletePin(id)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("failed to delete pin from journal", zap.String("pin", id), zap.Error(err))
	}
	if job != nil {
		job.cancel()
		if job.store != nil {
			job.store.Cleanup()
		}
	}
	s.removeArchive(path, s.log.Named("cancel").With(zap.String("pin", id)))
	return nil
}

// List returns the requester's records matching the filter, newest first.
// The returned count is the number of matches before the limit is applied.
func (s *Store) List(requester string, filter Filter) (int, []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Record
	for _, rec := range s.pins {
		if rec.Requester != requester {
			continue
		} else if filter.CID.Defined() && !rec.CID.Equals(filter.CID) {
			continue
		} else if filter.Name != "" && !strings.Contains(rec.Name, filter.Name) {
			continue
		} else if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec.clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Created.After(matched[j].Created)
	})
	count := len(matched)
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return count, matched
}

// ActivePinStats returns a snapshot of every job currently in the pinning
// state.
func (s *Store) ActivePinStats() []ActiveStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]ActiveStats, 0, len(s.active))
	for id, job := range s.active {
		if job.store == nil { // still queued
			continue
		}
		stats = append(stats, ActiveStats{
			PinID:    id,
			Stats:    job.store.Stats(),
			Duration: time.Since(job.started),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].PinID < stats[j].PinID })
	return stats
}

func (s *Store) removeArchive(path string, log *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Error("failed to remove archive", zap.String("path", path), zap.Error(err))
	}
}

// NewStore creates a pin store writing archives into dir. The fetcher and
// uploader collaborators are owned by the store for its lifetime.
func NewStore(dir string, fetcher Fetcher, uploader Uploader, journal RecordStore, log *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	s := &Store{
		fetcher:  fetcher,
		uploader: uploader,
		journal:  journal,
		dir:      dir,
		log:      log,

		queueDelay: 100 * time.Millisecond,
		pins:       make(map[string]*Record),
		active:     make(map[string]*activeJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}
