// Package pin implements a pin store: a collection of background jobs that
// persist content-addressed DAGs into CAR archives and upload the finished
// archives to a remote store.
package pin

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"go.sia.tech/carpd/carstore"
)

// A Status is the lifecycle state of a pin.
type Status string

// statuses of a pin. A pin starts queued, transitions to pinning when its
// background job starts, and ends pinned or failed. There is no transition
// out of a terminal status.
const (
	StatusQueued  Status = "queued"
	StatusPinning Status = "pinning"
	StatusPinned  Status = "pinned"
	StatusFailed  Status = "failed"
)

var (
	// ErrNotFound is returned when a pin is not in the store.
	ErrNotFound = errors.New("pin not found")
	// ErrNotRunning is returned when a pin is requested before Start or
	// after Stop.
	ErrNotRunning = errors.New("pin store is not running")
	// ErrUploadFailed wraps errors from the uploader. An upload failure
	// rolls back the local archive.
	ErrUploadFailed = errors.New("upload failed")
)

type (
	// Options are the caller-supplied options of a pin request.
	Options struct {
		Name    string            `json:"name,omitempty"`
		Origins []string          `json:"origins,omitempty"`
		Meta    map[string]string `json:"meta,omitempty"`
	}

	// An UploadResult is the remote reference returned by the uploader for
	// a stored archive.
	UploadResult struct {
		Bucket string `json:"bucket"`
		Key    string `json:"key"`
	}

	// ArchiveMeta describes the local archive backing a pin and, after
	// completion, the uploader's remote reference.
	ArchiveMeta struct {
		Path        string         `json:"path"`
		Stats       carstore.Stats `json:"stats"`
		StartedAt   time.Time      `json:"startedAt"`
		CompletedAt time.Time      `json:"completedAt,omitempty"`
		Duration    time.Duration  `json:"duration,omitempty"`
		Remote      *UploadResult  `json:"remote,omitempty"`
	}

	// A Record tracks one pin request from creation to its terminal state.
	Record struct {
		ID        string            `json:"id"`
		Requester string            `json:"requester"`
		Status    Status            `json:"status"`
		Created   time.Time         `json:"created"`
		CID       cid.Cid           `json:"cid"`
		Name      string            `json:"name,omitempty"`
		Origins   []string          `json:"origins,omitempty"`
		Meta      map[string]string `json:"meta,omitempty"`
		Archive   ArchiveMeta       `json:"archive"`
		Error     string            `json:"error,omitempty"`
	}
)

// Info returns a flattened string-keyed view of the record for status
// responses. It is derived from the record and carries no state of its own.
func (r *Record) Info() map[string]string {
	info := map[string]string{
		"cid":     r.CID.String(),
		"status":  string(r.Status),
		"created": r.Created.UTC().Format(time.RFC3339),
	}
	if r.Name != "" {
		info["name"] = r.Name
	}
	if len(r.Origins) > 0 {
		info["origins"] = strings.Join(r.Origins, ",")
	}
	for k, v := range r.Meta {
		info["meta."+k] = v
	}
	if r.Archive.Path != "" {
		info["archive"] = r.Archive.Path
		info["blocks"] = strconv.FormatUint(r.Archive.Stats.BlocksWritten, 10)
		info["size"] = strconv.FormatUint(r.Archive.Stats.TotalSize, 10)
		info["missing"] = strconv.Itoa(len(r.Archive.Stats.Missing))
	}
	if r.Archive.Remote != nil {
		info["remote.bucket"] = r.Archive.Remote.Bucket
		info["remote.key"] = r.Archive.Remote.Key
	}
	if !r.Archive.CompletedAt.IsZero() {
		info["completed"] = r.Archive.CompletedAt.UTC().Format(time.RFC3339)
		info["duration"] = r.Archive.Duration.String()
	}
	if r.Error != "" {
		info["error"] = r.Error
	}
	return info
}

func (r *Record) clone() Record {
	c := *r
	c.Origins = append([]string(nil), r.Origins...)
	if r.Meta != nil {
		c.Meta = make(map[string]string, len(r.Meta))
		for k, v := range r.Meta {
			c.Meta[k] = v
		}
	}
	if r.Archive.Stats.Missing != nil {
		missing := make(map[cid.Cid]struct{}, len(r.Archive.Stats.Missing))
		for mc := range r.Archive.Stats.Missing {
			missing[mc] = struct{}{}
		}
		c.Archive.Stats.Missing = missing
	}
	if r.Archive.Remote != nil {
		remote := *r.Archive.Remote
		c.Archive.Remote = &remote
	}
	return c
}
