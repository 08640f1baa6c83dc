package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const SubjectLogout = "session.logout"

type logoutMessage struct {
	Instance string    `json:"instance"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Broadcaster fans logouts out to the other processes over NATS core
// pub/sub. A nil Broadcaster, or one without a connection, is a no-op.
type Broadcaster struct {
	nc       *nats.Conn
	instance string
	log      *zap.Logger
}

func NewBroadcaster(nc *nats.Conn, instance string, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{nc: nc, instance: instance, log: log}
}

func (b *Broadcaster) Announce(_ context.Context, reason string) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(logoutMessage{Instance: b.instance, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := b.nc.Publish(SubjectLogout, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectLogout, err)
	}
	return nil
}

// Subscribe calls onLogout for logouts announced by other instances. The
// returned function unsubscribes.
func (b *Broadcaster) Subscribe(onLogout func(reason string)) (func() error, error) {
	if b == nil || b.nc == nil {
		return func() error { return nil }, nil
	}
	sub, err := b.nc.Subscribe(SubjectLogout, func(msg *nats.Msg) {
		b.handle(msg.Data, onLogout)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectLogout, err)
	}
	return sub.Unsubscribe, nil
}

func (b *Broadcaster) handle(data []byte, onLogout func(reason string)) {
	var msg logoutMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.log.Warn("malformed logout broadcast", zap.Error(err))
		return
	}
	if msg.Instance == b.instance {
		return
	}
	b.log.Info("logout broadcast received", zap.String("from", msg.Instance), zap.String("reason", msg.Reason))
	onLogout("broadcast:" + msg.Reason)
}
