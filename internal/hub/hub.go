// Package hub is the process-wide room registry: one actor goroutine that
// maps event ids to live rooms. The hub loop does nothing but membership of
// the map itself, so unrelated events' traffic never serializes here.
package hub

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/room"
)

// ErrUnknownRoom rejects joins for events that do not exist.
var ErrUnknownRoom = errors.New("unknown room")

type Msg interface{ isHubMsg() }

// EnsureRoom returns the room for an event, creating it on first join.
type EnsureRoom struct {
	EventID string
	Reply   chan *room.Room
}

func (EnsureRoom) isHubMsg() {}

// GetRoom returns the live room or nil. Publishing to an event with no room
// is a no-op: nobody is listening, and durable state is the source of truth.
type GetRoom struct {
	EventID string
	Reply   chan *room.Room
}

func (GetRoom) isHubMsg() {}

// RemoveRoom is sent by a room whose grace period expired with no members.
// The hub drops it from the registry and shuts it down. R guards against
// removing a newer room that already replaced it.
type RemoveRoom struct {
	EventID string
	R       *room.Room
}

func (RemoveRoom) isHubMsg() {}

type ShutdownHub struct{}

func (ShutdownHub) isHubMsg() {}

// Factory builds the per-event room; the engine closes over its snapshot
// computation here.
type Factory func(parent context.Context, eventID string, onIdle func(string, *room.Room)) *room.Room

type Hub struct {
	inbox   chan Msg
	rooms   map[string]*room.Room
	factory Factory
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan Msg, 64),
		rooms:   make(map[string]*room.Room),
		factory: factory,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Done is closed once the hub loop has exited; senders select on it so calls
// made after ShutdownHub fail fast instead of filling a dead inbox.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				if r := h.rooms[msg.EventID]; r != nil {
					msg.Reply <- r
					break
				}
				r := h.factory(h.ctx, msg.EventID, h.removeIdle)
				h.rooms[msg.EventID] = r
				h.log.Info("room created", zap.String("event_id", msg.EventID))
				msg.Reply <- r

			case GetRoom:
				msg.Reply <- h.rooms[msg.EventID] // may be nil

			case RemoveRoom:
				if h.rooms[msg.EventID] != msg.R {
					break // already replaced by a rejoin race
				}
				delete(h.rooms, msg.EventID)
				msg.R.Inbox() <- room.Shutdown{}
				h.log.Info("room discarded", zap.String("event_id", msg.EventID))

			case ShutdownHub:
				for _, r := range h.rooms {
					r.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
				return
			}
		}
	}
}

// removeIdle is handed to each room as its onIdle callback. It must not
// block the room loop, so it queues into the hub inbox asynchronously.
func (h *Hub) removeIdle(eventID string, r *room.Room) {
	select {
	case h.inbox <- RemoveRoom{EventID: eventID, R: r}:
	case <-h.ctx.Done():
	}
}
