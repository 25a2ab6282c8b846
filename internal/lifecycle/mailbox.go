package lifecycle

import (
	"github.com/Workiva/go-datastructures/queue"
	"github.com/soyeahso/omnidesk/internal/domain"
)

const mailboxBatch = 16

// finishMarker ends a mailbox after everything queued before it is delivered.
type finishMarker struct{}

// mailbox is an unbounded FIFO of events for one listener, drained by its
// own goroutine so a slow listener never holds up a transition.
type mailbox struct {
	listener Listener
	q        *queue.Queue
	// ready is closed once the replay event has been delivered.
	ready chan struct{}
	done  chan struct{}
}

func newMailbox(l Listener) *mailbox {
	return &mailbox{
		listener: l,
		q:        queue.New(mailboxBatch),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (mb *mailbox) put(ev domain.Event) {
	// Put only fails once the mailbox is disposed.
	_ = mb.q.Put(ev)
}

func (mb *mailbox) run() {
	defer close(mb.done)
	<-mb.ready
	for {
		items, err := mb.q.Get(mailboxBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			if mb.q.Disposed() {
				return
			}
			switch v := item.(type) {
			case domain.Event:
				mb.listener.OnEvent(v)
			case finishMarker:
				mb.q.Dispose()
				return
			}
		}
	}
}

// finish lets queued events drain, then stops the mailbox.
func (mb *mailbox) finish() {
	_ = mb.q.Put(finishMarker{})
}

// drop stops the mailbox, discarding queued events.
func (mb *mailbox) drop() {
	mb.q.Dispose()
}
