package torii

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kagami-chain/kagami/pkg/wsv"
)

const (
	wsWriteWait = 10 * time.Second
	wsSendBuf   = 256
)

// handleEventsWS streams every WSV event to the client as JSON frames.
// A client that stops reading is disconnected once a write blocks for
// longer than wsWriteWait, rather than stalling the event bus — the bus
// itself already drops for lagging subscribers, this guards the socket
// hop.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.world.Subscribe()
	go s.pumpEvents(conn, sub, func(ev wsv.Event) (interface{}, bool) { return ev, true })
}

// handleBlocksWS streams each committed block, read from Kura by the
// height of a BlockEvent filtered from the same event feed; when Kura
// does not return that block, the BlockEvent (height + hash) is sent
// instead.
func (s *Server) handleBlocksWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.world.Subscribe()
	go s.pumpEvents(conn, sub, func(ev wsv.Event) (interface{}, bool) {
		be, ok := ev.Payload.(wsv.BlockEvent)
		if !ok {
			return nil, false
		}
		b, found := s.store.GetByHeight(be.Height)
		if !found {
			return be, true
		}
		return b, true
	})
}

// pumpEvents forwards the subscription to the socket until either side
// goes away. reader goroutine only consumes control frames (close).
func (s *Server) pumpEvents(conn *websocket.Conn, sub *wsv.Subscription, project func(wsv.Event) (interface{}, bool)) {
	defer func() {
		sub.Unsubscribe()
		_ = conn.Close()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, keep := project(ev)
			if !keep {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}
