package room

import (
	"github.com/rs/zerolog"

	"watchparty/internal/wplog"
	"watchparty/pkg/types"
)

// mailboxSize is the buffered depth of a room's command channel. Sized for bursts of chunk-
// progress broadcasts and host commands without blocking callers under normal load.
const mailboxSize = 256

type task struct {
	fn   func(*types.Room)
	done chan struct{}
}

// Actor owns exactly one *types.Room and serializes every mutation and read through a single
// goroutine draining a buffered mailbox, the per-room generalization of the teacher's process-
// wide hub loop (§5).
type Actor struct {
	room    *types.Room
	mailbox chan task
	stop    chan struct{}
	log     zerolog.Logger
}

func newActor(r *types.Room) *Actor {
	return &Actor{
		room:    r,
		mailbox: make(chan task, mailboxSize),
		stop:    make(chan struct{}),
		log:     wplog.WithRoom("room", r.ID),
	}
}

func (a *Actor) run() {
	for {
		select {
		case t := <-a.mailbox:
			t.fn(a.room)
			close(t.done)
		case <-a.stop:
			a.drain()
			return
		}
	}
}

// drain closes done for every task still sitting in the mailbox when the actor stops, without
// running fn. Without this, a Do call whose send already landed in the buffered mailbox before
// close() fired would have its done channel never closed if run() took the stop branch instead of
// draining it, leaving that caller blocked on <-done forever.
func (a *Actor) drain() {
	for {
		select {
		case t := <-a.mailbox:
			close(t.done)
		default:
			return
		}
	}
}

// Do runs fn against the owned room on the actor's goroutine and blocks until it returns, giving
// the caller a synchronous call with the serialization guarantee of a single-threaded actor.
func (a *Actor) Do(fn func(*types.Room)) {
	done := make(chan struct{})
	select {
	case a.mailbox <- task{fn: fn, done: done}:
		<-done
	case <-a.stop:
	}
}

// ID returns the room's identifier without entering the mailbox; the field is immutable after
// construction so this is safe to read directly.
func (a *Actor) ID() string {
	return a.room.ID
}

func (a *Actor) close() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
}
