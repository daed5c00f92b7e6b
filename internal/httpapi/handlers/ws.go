package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/claim-desk/internal/common"
	"github.com/suPer8Hu/claim-desk/internal/session"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10
	wsSendQueue = 32
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

var (
	ErrNoChannel   = errors.New("ws: channel not connected")
	ErrChannelFull = fmt.Errorf("ws: channel send queue full: %w", session.ErrBackpressure)
)

type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type wsInbound struct {
	Type           string `json:"type"`
	ClaimID        uint64 `json:"claim_id,omitempty"`
	Message        string `json:"message,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Hub owns the open websocket channels. It is the session router's transport:
// Send never blocks on a slow client. A full queue refuses the event but keeps
// the channel.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]chan wsOutbound
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]chan wsOutbound)}
}

func (h *Hub) Send(channelID, event string, payload any) error {
	h.mu.RLock()
	ch, ok := h.conns[channelID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoChannel
	}
	select {
	case ch <- wsOutbound{Event: event, Data: payload}:
		return nil
	default:
		return ErrChannelFull
	}
}

func (h *Hub) open(channelID string) chan wsOutbound {
	ch := make(chan wsOutbound, wsSendQueue)
	h.mu.Lock()
	h.conns[channelID] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) close(channelID string) {
	h.mu.Lock()
	delete(h.conns, channelID)
	h.mu.Unlock()
}

// Connect upgrades to a websocket and binds the caller's identity to it.
// The same socket accepts answers as {"type":"answer","claim_id":..,"message":..}.
func (h *Handler) Connect(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		return
	}

	channelID, err := common.NewULID()
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to open channel")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writeCh := h.Hub.open(channelID)
	h.Sessions.Bind(identity, channelID)
	defer func() {
		h.Hub.close(channelID)
		h.Sessions.Unbind(identity, channelID)
	}()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		log.Printf("[WS] set read deadline failed channel=%s err=%v", channelID, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	log.Printf("[WS] connected identity=%s channel=%s", identity, channelID)
	_ = h.Hub.Send(channelID, "connected", gin.H{"identity": identity})

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			cancel()
			<-writerDone
			log.Printf("[WS] closed identity=%s channel=%s", identity, channelID)
			return
		}

		switch strings.ToLower(strings.TrimSpace(in.Type)) {
		case "ping":
			_ = h.Hub.Send(channelID, "pong", nil)
		case "answer":
			h.wsAnswer(ctx, identity, channelID, in)
		default:
			_ = h.Hub.Send(channelID, "error", common.Response{Code: 10007, Message: "unknown message type"})
		}
	}
}

func (h *Handler) wsAnswer(ctx context.Context, identity, channelID string, in wsInbound) {
	if _, err := h.Svc.ClaimOwnedBy(ctx, in.ClaimID, identity); err != nil {
		_ = h.Hub.Send(channelID, "error", common.Response{Code: 40004, Message: "claim not found"})
		return
	}
	reply, err := h.Svc.PostAnswer(ctx, in.ClaimID, in.Message, in.IdempotencyKey)
	if err != nil {
		log.Printf("[WS] answer failed identity=%s claim_id=%d err=%v", identity, in.ClaimID, err)
		_ = h.Hub.Send(channelID, "error", common.Response{Code: 40001, Message: "failed to post answer"})
		return
	}
	_ = h.Hub.Send(channelID, "reply", reply)
}
