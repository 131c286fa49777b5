package comms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned when publishing without a live server connection.
var ErrNotConnected = errors.New("not connected to server")

// ErrNoRoom is returned when sending a room status before any handshake succeeded.
var ErrNoRoom = errors.New("no room configured")

// Handler receives a raw message and the subject it arrived on.
type Handler func(subject string, data []byte)

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is one connection to the coordination server.
type Conn interface {
	Publish(subject string, data []byte) error
	// PublishDurable publishes a message that must not be lost or duplicated.
	// msgID identifies the message for server-side deduplication.
	PublishDurable(ctx context.Context, subject string, data []byte, msgID string) error
	Subscribe(subject string, h Handler) (Subscription, error)
	IsConnected() bool
	Close()
}

// Dialer opens connections. onClosed must be called once when an established
// connection goes away, whether it was closed locally or dropped by the network.
type Dialer interface {
	Dial(ctx context.Context, addr string, port int, onClosed func()) (Conn, error)
}

// ClientName builds a unique connection name for a room node.
func ClientName(mac string) string {
	return "Room_" + mac + "_" + uuid.New().String()[:8]
}

// NATSDialer connects to a NATS server. Reconnects are disabled: losing the
// connection is reported to the state machine, which decides where to connect next.
type NATSDialer struct {
	Scheme        string
	User          string
	Password      string
	ClientName    string
	Timeout       time.Duration
	ResultsStream string // when set, game results are published through JetStream
}

// Dial connects to addr:port.
func (d NATSDialer) Dial(ctx context.Context, addr string, port int, onClosed func()) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scheme := d.Scheme
	if scheme == "" {
		scheme = "nats"
	}
	url := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(addr, strconv.Itoa(port)))

	opts := []nats.Option{
		nats.Name(d.ClientName),
		nats.NoReconnect(),
		nats.ClosedHandler(func(nc *nats.Conn) {
			onClosed()
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	if d.Timeout > 0 {
		opts = append(opts, nats.Timeout(d.Timeout))
	}
	if d.User != "" {
		opts = append(opts, nats.UserInfo(d.User, d.Password))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	c := &natsConn{nc: nc}
	if d.ResultsStream != "" {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		c.js = js
	}
	return c, nil
}

type natsConn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) PublishDurable(ctx context.Context, subject string, data []byte, msgID string) error {
	if c.js == nil {
		if err := c.nc.Publish(subject, data); err != nil {
			return err
		}
		return c.nc.FlushWithContext(ctx)
	}
	if _, err := c.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish to stream: %w", err)
	}
	return nil
}

func (c *natsConn) Subscribe(subject string, h Handler) (Subscription, error) {
	return c.nc.Subscribe(subject, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
}

func (c *natsConn) IsConnected() bool {
	return c.nc.IsConnected()
}

func (c *natsConn) Close() {
	c.nc.Close()
}
