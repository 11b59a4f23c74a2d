package control

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// ForceActivate asks a waiting cache version to become active right away.
	ForceActivate = "force-activate"
	// AckType is the type of the fixed acknowledgment sent on reply channels.
	AckType = "ack"
)

const maxMessageBytes = 64 << 10

type Reply struct {
	Type string `json:"type"`
}

// Message is a control message from the page. Reply is optional.
type Message struct {
	Type  string        `json:"type"`
	Reply chan<- Reply `json:"-"`
}

// Activator ends the waiting period of an installed version.
type Activator interface {
	SkipWaiting(ctx context.Context) error
}

type Listener struct {
	activator Activator
	log       zerolog.Logger
}

func NewListener(activator Activator, logger zerolog.Logger) *Listener {
	return &Listener{activator: activator, log: logger}
}

// Handle acts on a recognized message and acknowledges any message that has a reply channel.
// Unrecognized messages are ignored.
func (l *Listener) Handle(ctx context.Context, msg Message) error {
	var err error
	switch msg.Type {
	case ForceActivate:
		l.log.Debug().Msg("Force activate requested")
		err = l.activator.SkipWaiting(ctx)
	default:
		l.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown control message")
	}
	if msg.Reply != nil {
		select {
		case msg.Reply <- Reply{Type: AckType}:
		default:
			l.log.Warn().Msg("Reply channel not ready, acknowledgment dropped")
		}
	}
	return err
}

// Handler returns the HTTP adapter of the control channel.
// The request body is the JSON message. Requests with `?reply=1` or accepting JSON
// get a reply channel and receive the acknowledgment as the response; the rest get 202.
func Handler(deliver func(ctx context.Context, msg Message) error, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
		if err != nil {
			http.Error(w, "Could not read message", http.StatusBadRequest)
			return
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			http.Error(w, "Malformed control message", http.StatusBadRequest)
			return
		}
		var replies chan Reply
		if r.URL.Query().Get("reply") == "1" || strings.Contains(r.Header.Get("Accept"), "application/json") {
			replies = make(chan Reply, 1)
			msg.Reply = replies
		}
		if err := deliver(r.Context(), msg); err != nil {
			logger.Warn().Err(err).Str("type", msg.Type).Msg("Control message failed")
		}
		if replies == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		select {
		case reply := <-replies:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(reply)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
	}
}
