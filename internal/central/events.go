package central

import "github.com/chaz8081/blewatch/internal/ble"

// event is anything the loop consumes. Commands carry a reply channel;
// the rest are completions re-entering the state machine from transport
// goroutines and timers, tagged with the generation they belong to.
type event interface{ isEvent() }

type reply chan error

func newReply() reply { return make(reply, 1) }

type (
	startScanCmd struct {
		prepErr error
		reply   reply
	}
	stopScanCmd   struct{ reply reply }
	selectPeerCmd struct {
		address string
		prepErr error
		reply   reply
	}
	disconnectCmd struct{ reply reply }
	clearErrorCmd struct{ reply reply }
	closeCmd      struct{ reply reply }
	stateQuery    struct{ reply chan ConnectionState }

	peerObserved struct {
		gen uint64
		adv ble.Advertisement
	}
	scanEnded struct {
		gen uint64
		err error
	}
	timerFired struct {
		kind timerKind
		gen  uint64
	}
	attachDone struct {
		gen  uint64
		link ble.Link
		err  error
	}
	attributesDone struct {
		gen   uint64
		table ble.AttributeTable
		err   error
	}
	readDone struct {
		gen   uint64
		value []byte
		err   error
	}
	linkLost struct{ gen uint64 }
)

func (startScanCmd) isEvent()   {}
func (stopScanCmd) isEvent()    {}
func (selectPeerCmd) isEvent()  {}
func (disconnectCmd) isEvent()  {}
func (clearErrorCmd) isEvent()  {}
func (closeCmd) isEvent()       {}
func (stateQuery) isEvent()     {}
func (peerObserved) isEvent()   {}
func (scanEnded) isEvent()      {}
func (timerFired) isEvent()     {}
func (attachDone) isEvent()     {}
func (attributesDone) isEvent() {}
func (readDone) isEvent()       {}
func (linkLost) isEvent()       {}
