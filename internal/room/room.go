// Package room runs one actor goroutine per live event: it owns the member
// set, the per-room sequence counter, and the snapshot-before-deltas ordering
// on join. All state is confined to the loop goroutine, so membership and
// fan-out never race.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/wire"
)

type Msg interface{ isRoomMsg() }

// Join registers a connection. The room computes a full snapshot, delivers it
// into Outbox, and only then adds the member to the live set, so the client
// never sees a delta it has no baseline for.
type Join struct {
	ParticipantID string
	Outbox        chan wire.Envelope
	Reply         chan JoinReply
}

func (Join) isRoomMsg() {}

type JoinReply struct {
	ConnID string
	Err    error
}

type Leave struct{ ConnID string }

func (Leave) isRoomMsg() {}

// PublishFresh runs a state recompute inside the loop and broadcasts the
// result in one step. Serializing the read with the fan-out is what keeps
// concurrent mutations honest: by the time a queued recompute runs, every
// mutation whose recompute was queued before it has already committed, so the
// last delta a member receives can never carry a tally older than an earlier
// one.
type PublishFresh struct {
	Compute func(ctx context.Context) (wire.Delta, error)
	Reply   chan FreshReply
}

func (PublishFresh) isRoomMsg() {}

// FreshReply hands the broadcast delta back to the mutating caller.
type FreshReply struct {
	Delta wire.Delta
	Err   error
}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// GetState reflects internal state without data races. Test-only.
type GetState struct{ Reply chan View }

func (GetState) isRoomMsg() {}

type graceExpired struct{ gen int }

func (graceExpired) isRoomMsg() {}

type Phase string

const (
	PhaseEmpty    Phase = "empty"
	PhaseActive   Phase = "active"
	PhaseDraining Phase = "draining"
)

type View struct {
	Seq        uint64
	NumMembers int
	Members    []string
	Phase      Phase
}

// SnapshotFunc computes the full current state for this room's event.
type SnapshotFunc func(ctx context.Context) (wire.Snapshot, error)

type Config struct {
	// Grace keeps a zero-member room alive so a leave immediately followed
	// by a rejoin does not tear state down and rebuild it.
	Grace time.Duration
	// SnapshotTimeout bounds in-loop state computation, both join snapshots
	// and fresh-delta recomputes; overruns are reported to the caller, never
	// a silent hang.
	SnapshotTimeout time.Duration
}

type Room struct {
	eventID  string
	inbox    chan Msg
	members  map[string]chan wire.Envelope
	seq      uint64
	phase    Phase
	gen      int // invalidates stale grace-timer fires
	cfg      Config
	snapshot SnapshotFunc
	onIdle   func(eventID string, r *Room)
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, eventID string, cfg Config, snapshot SnapshotFunc, onIdle func(string, *Room), log *zap.Logger) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		eventID:  eventID,
		inbox:    make(chan Msg, 64),
		members:  make(map[string]chan wire.Envelope),
		phase:    PhaseEmpty,
		cfg:      cfg,
		snapshot: snapshot,
		onIdle:   onIdle,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	// A room nobody ever joins must still expire.
	r.gen++
	r.armGrace(r.gen)
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room has shut down; senders select on it to avoid
// queueing into a loop nobody reads.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) EventID() string { return r.eventID }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)

			case Leave:
				// Closing the outbox is the disconnect signal the writer
				// side ranges on; leaving it open would leak that goroutine.
				if ch, ok := r.members[msg.ConnID]; ok {
					close(ch)
					delete(r.members, msg.ConnID)
				}
				r.maybeDrain()

			case PublishFresh:
				r.handlePublishFresh(msg)

			case GetState:
				members := make([]string, 0, len(r.members))
				for id := range r.members {
					members = append(members, id)
				}
				msg.Reply <- View{Seq: r.seq, NumMembers: len(r.members), Members: members, Phase: r.phase}

			case graceExpired:
				if msg.gen == r.gen && len(r.members) == 0 {
					r.onIdle(r.eventID, r)
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SnapshotTimeout)
	snap, err := r.snapshot(ctx)
	cancel()
	if err != nil {
		msg.Reply <- JoinReply{Err: fmt.Errorf("resync snapshot for %s: %w", r.eventID, err)}
		return
	}

	// Snapshot carries the current seq; the next delta is seq+1, so the
	// client can verify it missed nothing in between.
	env := wire.Envelop(r.eventID, r.seq, snap)
	select {
	case msg.Outbox <- env:
	default:
		msg.Reply <- JoinReply{Err: fmt.Errorf("join %s: outbox full before snapshot", r.eventID)}
		return
	}

	connID := uuid.NewString()
	r.members[connID] = msg.Outbox
	r.gen++ // cancel any pending grace fire
	r.phase = PhaseActive
	msg.Reply <- JoinReply{ConnID: connID}
}

func (r *Room) handlePublishFresh(msg PublishFresh) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SnapshotTimeout)
	d, err := msg.Compute(ctx)
	cancel()
	if err != nil {
		msg.Reply <- FreshReply{Err: err}
		return
	}
	r.broadcast(d)
	msg.Reply <- FreshReply{Delta: d}
}

func (r *Room) broadcast(d wire.Delta) {
	r.seq++
	env := wire.Envelop(r.eventID, r.seq, d)
	for id, ch := range r.members {
		select {
		case ch <- env:
		default:
			// Slow consumer: drop it rather than stall the room. It will
			// resync on reconnect instead of receiving a gapped stream.
			close(ch)
			delete(r.members, id)
			r.log.Warn("dropping slow consumer",
				zap.String("event_id", r.eventID), zap.String("conn_id", id), zap.Uint64("seq", r.seq))
		}
	}
	r.maybeDrain()
}

// maybeDrain moves a zero-member room into draining and arms the grace
// timer. A rejoin before the fire bumps gen, making the fire a no-op.
func (r *Room) maybeDrain() {
	if len(r.members) > 0 || r.phase == PhaseDraining {
		return
	}
	r.phase = PhaseDraining
	r.gen++
	r.armGrace(r.gen)
}

func (r *Room) armGrace(gen int) {
	time.AfterFunc(r.cfg.Grace, func() {
		select {
		case r.inbox <- graceExpired{gen: gen}:
		case <-r.ctx.Done():
		}
	})
}

func (r *Room) shutdown() {
	for id, ch := range r.members {
		close(ch)
		delete(r.members, id)
	}
	r.cancel()
}
