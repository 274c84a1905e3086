// Package nats publishes accepted relay messages to a NATS subject per
// session and lets watchers follow them.
package nats

import (
	"bytes"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"game_channel/internal/model"
	"game_channel/internal/utils/log"
)

const subjectPrefix = "relay."

type (
	Publisher interface {
		Publish(subject string, data []byte) error
	}

	Subscriber interface {
		Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	}

	Feed struct {
		pub Publisher
	}
)

func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("game channel relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
	)
}

// Subject is the subject accepted messages of session are published on.
// An empty session subscribes to every session.
func Subject(session string) string {
	if session == "" {
		return subjectPrefix + "*.accepted"
	}
	return subjectPrefix + session + ".accepted"
}

func NewFeed(pub Publisher) *Feed {
	return &Feed{pub: pub}
}

func (f *Feed) Accepted(rec *model.Record) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return f.pub.Publish(Subject(rec.Session), data)
}

// Watch calls cb for every record published for session. Undecodable
// messages are logged and skipped.
func Watch(sub Subscriber, session string, cb func(*model.Record)) (*nats.Subscription, error) {
	return sub.Subscribe(Subject(session), func(m *nats.Msg) {
		decoder := cbor.NewDecoder(bytes.NewReader(m.Data))
		for {
			var rec model.Record
			err := decoder.Decode(&rec)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				log.Error("decode relay record failed", zap.String("subject", m.Subject), zap.Error(err))
				return
			}
			cb(&rec)
		}
	})
}
