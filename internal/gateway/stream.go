package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/stellarlinkco/lookout/internal/trigger"
)

const writeTimeout = 5 * time.Second

type triggerFrame struct {
	Type string `json:"type"`
	trigger.Event
}

type ackFrame struct {
	Type      string `json:"type"`
	TriggerID uint64 `json:"trigger_id"`
}

// handleTriggerStream pushes a device's triggers over a websocket. The device
// reports the last trigger it processed in last_ack and acks each trigger as
// it completes; anything unacked is replayed on the next connection.
func (g *Gateway) handleTriggerStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if err := g.allowed(r, deviceID); err != nil {
		writeError(w, err)
		return
	}
	var lastAck uint64
	if s := r.URL.Query().Get("last_ack"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, badRequest("last_ack: %v", err))
			return
		}
		if n > trigger.MaxID {
			writeError(w, fmt.Errorf("%w: %d", trigger.ErrInvalidAck, n))
			return
		}
		lastAck = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] trigger stream accept for %s: %v", deviceID, err)
		return
	}
	defer conn.CloseNow()

	sub, err := g.hub.Subscribe(deviceID, lastAck)
	if err != nil {
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var f ackFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			if f.Type != "ack" {
				continue
			}
			if err := g.hub.Ack(deviceID, f.TriggerID); err != nil {
				log.Printf("[gateway] %s ack rejected: %v", deviceID, err)
			}
		}
	}()

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "replaced by a newer connection")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, triggerFrame{Type: "trigger", Event: ev})
			wcancel()
			if err != nil {
				log.Printf("[gateway] %s trigger #%d not delivered: %v", deviceID, ev.ID, err)
				return
			}
		case <-ticker.C:
			if err := ping(ctx, conn); err != nil {
				log.Printf("[gateway] %s missed heartbeat: %v", deviceID, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleEventStream pushes capture events for one organization to a
// dashboard. The stream is read-only; a slow reader loses events.
func (g *Gateway) handleEventStream(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] event stream accept for %s: %v", org, err)
		return
	}
	defer conn.CloseNow()

	sub := g.events.Subscribe(org)
	defer g.events.Unsubscribe(sub)
	ctx := conn.CloseRead(r.Context())

	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, e)
			wcancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			if err := ping(ctx, conn); err != nil {
				return
			}
		case <-ctx.Done():
			if n := sub.Dropped(); n > 0 {
				log.Printf("[gateway] %s dashboard listener dropped %d events", org, n)
			}
			return
		}
	}
}

func ping(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Ping(ctx)
}
