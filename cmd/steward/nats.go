package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/stewardbot/steward/automod/event"
	"github.com/stewardbot/steward/util/keyed"

	"github.com/nats-io/nats.go"
)

// RunNATS consumes chat events from core NATS queue subscriptions until ctx is done. Returns
// immediately if NATS is not configured.
func (s *Server) RunNATS(ctx context.Context) error {
	if s.config.NATSURL == "" {
		return nil
	}
	logger := s.logger.With("component", "nats")

	closed := make(chan struct{})
	nc, err := nats.Connect(s.config.NATSURL,
		nats.Name("steward"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}

	// callbacks of one subscription run serially; processing fans out to workers keyed by user, so one
	// user's events are handled in arrival order. A full scheduler holds up the callback, which leaves
	// messages in the subscription's pending buffer.
	workers := 4 * runtime.GOMAXPROCS(0)
	sched := keyed.NewScheduler(workers, 64*workers, "nats", logger)

	prefix := strings.TrimSuffix(s.config.NATSSubjectPrefix, ".")
	handlers := map[string]func([]byte) (string, func(context.Context) error, error){
		prefix + ".message": s.decodeNATSMessage,
		prefix + ".command": s.decodeNATSCommand,
	}
	for subject, decode := range handlers {
		sub, err := nc.QueueSubscribe(subject, s.config.NATSQueue, func(m *nats.Msg) {
			key, handle, err := decode(m.Data)
			if err != nil {
				logger.Warn("dropping undecodable event", "subject", subject, "err", err)
				return
			}
			// in-flight events finish even when shutdown has begun
			werr := sched.AddWork(context.Background(), key, func() {
				if err := handle(context.WithoutCancel(ctx)); err != nil {
					logger.Error("failed to process event", "subject", subject, "key", key, "err", err)
				}
			})
			if werr != nil {
				logger.Error("failed to schedule event", "subject", subject, "key", key, "err", werr)
			}
		})
		if err != nil {
			nc.Close()
			sched.Shutdown()
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		_ = sub.SetPendingLimits(100_000, 64*1024*1024)
		logger.Info("consuming events", "subject", subject, "queue", s.config.NATSQueue)
	}

	<-ctx.Done()
	if err := nc.Drain(); err != nil {
		logger.Warn("failed to drain nats connection", "err", err)
	}
	<-closed
	sched.Shutdown()
	return nil
}

// userKey orders events per user. Messages and commands of the same user share a key.
func userKey(guildID, userID string) string {
	return "user/" + guildID + "/" + userID
}

func (s *Server) decodeNATSMessage(data []byte) (string, func(context.Context) error, error) {
	var evt event.MessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return "", nil, fmt.Errorf("%w: %v", event.ErrInvalidEvent, err)
	}
	return userKey(evt.GuildID, evt.AuthorID), func(ctx context.Context) error {
		_, err := s.engine.ProcessMessage(ctx, &evt)
		return err
	}, nil
}

func (s *Server) decodeNATSCommand(data []byte) (string, func(context.Context) error, error) {
	var cmd event.CommandEvent
	if err := json.Unmarshal(data, &cmd); err != nil {
		return "", nil, fmt.Errorf("%w: %v", event.ErrInvalidEvent, err)
	}
	return userKey(cmd.GuildID, cmd.Invoker), func(ctx context.Context) error {
		_, err := s.engine.ProcessCommand(ctx, &cmd)
		return err
	}, nil
}
