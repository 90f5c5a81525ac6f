package instance

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rezkam/backlog/internal/notify"
	"github.com/rezkam/backlog/internal/producer"
	"github.com/rezkam/backlog/internal/registry"
)

const checkAction = "check"

// CheckQueues asks every node of the instance to report its producer state
// and collects replies until the wait elapses. This node answers its own
// request, so the result always includes the local queues.
func (i *Instance) CheckQueues(ctx context.Context, queue string, wait time.Duration) ([]notify.CheckReplyPayload, error) {
	replies := make(chan notify.CheckReplyPayload, 64)
	cancel, err := i.relay.Subscribe(ctx, []string{notify.ChannelGossip}, func(msg notify.Message) {
		var reply notify.CheckReplyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil || reply.Name == "" {
			return
		}
		select {
		case replies <- reply:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	err = i.relay.Notify(ctx, notify.ChannelGossip, notify.CheckRequestPayload{
		Action:  checkAction,
		Queue:   queue,
		ReplyTo: i.cfg.Ident(),
	})
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	var collected []notify.CheckReplyPayload
	for {
		select {
		case reply := <-replies:
			collected = append(collected, reply)
		case <-deadline.C:
			return collected, nil
		case <-ctx.Done():
			return collected, ctx.Err()
		}
	}
}

// onGossip answers check requests with one reply per local producer, scoped
// to the requester's ident so other nodes do not see the response.
func (i *Instance) onGossip(ctx context.Context, msg notify.Message) {
	var req notify.CheckRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if req.Action != checkAction || req.ReplyTo == "" {
		return
	}

	i.registry.Each(i.cfg.Name, registry.RoleProducer, func(queue string, handle any) {
		if req.Queue != "" && req.Queue != queue {
			return
		}
		p, ok := handle.(*producer.Producer)
		if !ok {
			return
		}

		info := p.Check()
		reply := notify.CheckReplyPayload{
			Name:      i.cfg.Name,
			Node:      i.cfg.Node,
			Queue:     info.Queue,
			Limit:     info.Limit,
			Paused:    info.Paused,
			Running:   info.Running,
			StartedAt: info.StartedAt.Format(time.RFC3339),
			Ident:     req.ReplyTo,
		}
		if err := i.relay.Notify(ctx, notify.ChannelGossip, reply); err != nil {
			slog.WarnContext(ctx, "failed to reply to queue check", "queue", queue, "error", err)
		}
	})
}
