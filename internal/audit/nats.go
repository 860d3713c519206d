package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubject = "consent.audit"

// NATS publishes each event as JSON on <subject>.<kind>.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(url, subject string, log zerolog.Logger) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	opts := []nats.Option{
		nats.Name("consentd-audit"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, subject: subject}, nil
}

func (n *NATS) Record(_ context.Context, e Event) error {
	data, err := json.Marshal(Stamp(e))
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject+"."+string(e.Kind), data)
}

func (n *NATS) Close() {
	_ = n.conn.Drain()
}
