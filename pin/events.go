package pin

import "github.com/ipfs/go-cid"

type (
	// An Event is a notification emitted by the pin store for logging and
	// metrics consumers. The set of variants is closed; handlers can switch
	// over them exhaustively.
	Event interface {
		isEvent()
	}

	// EventBlockStored is emitted when a block is written to a pin's
	// archive.
	EventBlockStored struct {
		PinID string
		CID   cid.Cid
		Size  uint64
	}

	// EventBlockMissing is emitted when a block is requested from a pin's
	// archive but was never supplied.
	EventBlockMissing struct {
		PinID string
		CID   cid.Cid
	}

	// EventArchiveCompleted is emitted when a pin's archive is finalized
	// and uploaded.
	EventArchiveCompleted struct {
		PinID  string
		CID    cid.Cid
		Blocks uint64
		Size   uint64
	}

	// EventPinFailed is emitted when a pin reaches the failed state.
	EventPinFailed struct {
		PinID string
		CID   cid.Cid
		Err   string
	}
)

func (EventBlockStored) isEvent()      {}
func (EventBlockMissing) isEvent()     {}
func (EventArchiveCompleted) isEvent() {}
func (EventPinFailed) isEvent()        {}
