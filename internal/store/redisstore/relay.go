package redisstore

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const PushChannel = "claimdesk:push"

type pushEnvelope struct {
	Identity string          `json:"identity"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// LocalPusher is the in-process side of a push: the session router.
type LocalPusher interface {
	Push(ctx context.Context, identity, event string, payload any) bool
}

// PushRelay carries pushes from a process without live sessions (the worker)
// to the API processes that hold them.
type PushRelay struct {
	rdb     *redis.Client
	channel string
}

func NewPushRelay(s *Store) *PushRelay {
	return &PushRelay{rdb: s.rdb, channel: PushChannel}
}

// Push reports true when at least one API process received the envelope.
// Whether that process still had a session is not known here.
func (r *PushRelay) Push(ctx context.Context, identity, event string, payload any) bool {
	body, err := encodeEnvelope(identity, event, payload)
	if err != nil {
		log.Printf("[Relay] encode failed identity=%s event=%s err=%v", identity, event, err)
		return false
	}
	n, err := r.rdb.Publish(ctx, r.channel, body).Result()
	if err != nil {
		log.Printf("[Relay] publish failed identity=%s event=%s err=%v", identity, event, err)
		return false
	}
	return n > 0
}

// Forward subscribes to the relay channel and hands every envelope to local
// until ctx is done.
func (r *PushRelay) Forward(ctx context.Context, local LocalPusher) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("[Relay] forwarding channel=%s", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			forwardOne(ctx, local, m.Payload)
		}
	}
}

func encodeEnvelope(identity, event string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(pushEnvelope{Identity: identity, Event: event, Payload: raw})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func forwardOne(ctx context.Context, local LocalPusher, body string) bool {
	var env pushEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil || env.Identity == "" || env.Event == "" {
		log.Printf("[Relay] bad envelope err=%v", err)
		return false
	}
	return local.Push(ctx, env.Identity, env.Event, env.Payload)
}
