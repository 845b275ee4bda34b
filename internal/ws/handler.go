// Package ws adapts the live engine to websocket connections. The transport
// is deliberately thin: it parses client intents, calls the engine, and
// relays envelopes; rejections go back to the offending connection only.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askroom/askroom-backend/internal/live"
	"github.com/askroom/askroom-backend/internal/wire"
)

const writeTimeout = 3 * time.Second

// ClientMessage is the inbound intent set. Participants can vote, submit,
// and upvote; everything host-side goes through the HTTP surface.
type ClientMessage struct {
	Type       string   `json:"type"` // "cast_vote" | "submit_question" | "upvote_question"
	PollID     string   `json:"poll_id,omitempty"`
	OptionIDs  []string `json:"option_ids,omitempty"`
	QuestionID string   `json:"question_id,omitempty"`
	Text       string   `json:"text,omitempty"`
}

func Handler(e *live.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := r.URL.Query().Get("event")
		if eventID == "" {
			http.Error(w, "missing event", http.StatusBadRequest)
			return
		}
		// A client that reconnects with the same participant id keeps its
		// vote identity; a fresh one is anonymous.
		participantID := r.URL.Query().Get("participant")
		if participantID == "" {
			participantID = uuid.NewString()
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		token, updates, err := e.Join(r.Context(), eventID, participantID)
		if err != nil {
			writeRejection(r.Context(), conn, eventID, err)
			return
		}
		defer e.Leave(token)

		// Writer: snapshot first, then live deltas in room order. The
		// channel closes when the room drops us (slow) or shuts down.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for env := range updates {
				payload, _ := json.Marshal(env)
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
			conn.Close(websocket.StatusGoingAway, "resync required")
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeRejectionCode(r.Context(), conn, eventID, "bad_json", "malformed message")
				continue
			}

			if err := dispatch(r.Context(), e, eventID, participantID, cm); err != nil {
				code, rejection := live.RejectionCode(err)
				if errors.Is(err, errUnknownType) {
					code = "unknown_type"
				} else if !rejection {
					log.Error("mutation failed",
						zap.String("event_id", eventID), zap.String("type", cm.Type), zap.Error(err))
				}
				writeRejectionCode(r.Context(), conn, eventID, code, err.Error())
			}
		}
	}
}

func dispatch(ctx context.Context, e *live.Engine, eventID, participantID string, cm ClientMessage) error {
	switch cm.Type {
	case "cast_vote":
		_, err := e.CastVote(ctx, cm.PollID, participantID, cm.OptionIDs)
		return err
	case "submit_question":
		_, err := e.SubmitQuestion(ctx, eventID, participantID, cm.Text)
		return err
	case "upvote_question":
		_, err := e.UpvoteQuestion(ctx, cm.QuestionID, participantID)
		return err
	default:
		return errUnknownType
	}
}

var errUnknownType = errors.New("unknown message type")

func writeRejection(ctx context.Context, conn *websocket.Conn, eventID string, err error) {
	code, _ := live.RejectionCode(err)
	writeRejectionCode(ctx, conn, eventID, code, err.Error())
}

func writeRejectionCode(ctx context.Context, conn *websocket.Conn, eventID, code, msg string) {
	env := wire.RejectionEnvelope(eventID, wire.Rejection{Code: code, Message: msg})
	payload, _ := json.Marshal(env)
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
