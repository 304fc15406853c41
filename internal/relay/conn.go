package relay

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/apiteam/test-manager/internal/entity"
	"github.com/apiteam/test-manager/internal/envelope"
)

// Disconnect reasons.
const (
	reasonTerminal    = "terminal"
	reasonMaxDuration = "max_duration"
)

// Events posted into a connection's inbox.
type (
	busMessage  string
	responseAck entity.ResponseCreated
	timerFired  string
)

const inboxSize = 256

// handler is the endpoint specific part of a connection.
type handler interface {
	message(ctx context.Context, raw string)
	ack(ctx context.Context, ack entity.ResponseCreated)
	// expire runs before the connection is closed for exceeding its lifetime.
	expire(ctx context.Context)
}

// conn owns one client socket. Everything that touches per-connection state
// runs on the goroutine executing loop; other goroutines only post.
type conn struct {
	srv      *Server
	sock     Socket
	endpoint string

	inbox    chan any
	done     chan struct{}
	doneOnce sync.Once

	stopGrace func() bool
}

func newConn(srv *Server, sock Socket, endpoint string) *conn {
	return &conn{
		srv:      srv,
		sock:     sock,
		endpoint: endpoint,
		inbox:    make(chan any, inboxSize),
		done:     make(chan struct{}),
	}
}

// post delivers ev to the connection goroutine, or drops it once the
// connection has ended.
func (c *conn) post(ev any) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// postMessage is the bus subscription handler.
func (c *conn) postMessage(payload string) {
	c.post(busMessage(payload))
}

func (c *conn) postAck(ack entity.ResponseCreated) {
	c.post(responseAck(ack))
}

// loop dispatches inbox events until the socket closes, a disconnect timer
// fires, or ctx is cancelled.
func (c *conn) loop(ctx context.Context, h handler) {
	if d := c.srv.cfg.MaxJobDuration; d > 0 {
		stop := c.srv.afterFunc(d, func() { c.post(timerFired(reasonMaxDuration)) })
		defer stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sock.Done():
			return
		case ev := <-c.inbox:
			switch ev := ev.(type) {
			case busMessage:
				h.message(ctx, string(ev))
			case responseAck:
				h.ack(ctx, entity.ResponseCreated(ev))
			case timerFired:
				if ev == reasonMaxDuration {
					h.expire(ctx)
				}
				log.Printf("relay: endpoint=%s forced disconnect reason=%s", c.endpoint, ev)
				c.srv.metrics.ForcedDisconnect(string(ev))
				return
			}
		}
	}
}

// forward emits one envelope to the client, scheduling the disconnect when
// it carries a terminal status.
func (c *conn) forward(env envelope.Envelope) {
	if err := c.sock.Emit(EventUpdates, env); err != nil {
		log.Printf("relay: job=%s emit update: %v", env.JobID, err)
		return
	}
	c.srv.metrics.MessageForwarded()

	if env.IsTerminalStatus() {
		c.scheduleDisconnect()
	}
}

// scheduleDisconnect arms the grace timer once.
func (c *conn) scheduleDisconnect() {
	if c.stopGrace != nil {
		return
	}
	c.stopGrace = c.srv.afterFunc(c.srv.cfg.DisconnectGrace, func() {
		c.post(timerFired(reasonTerminal))
	})
}

// decode parses a bus payload, logging and counting anything undecodable.
func (c *conn) decode(jobID, raw string) (envelope.Envelope, bool) {
	env, err := envelope.DecodeString(raw)
	if err != nil {
		log.Printf("relay: job=%s dropping message: %v", jobID, err)
		c.srv.metrics.MessageDropped("decode")
		return envelope.Envelope{}, false
	}
	return env, true
}

// reject reports an admission failure and ends the connection.
func (c *conn) reject(err error) {
	var adm *AdmissionError
	if !errors.As(err, &adm) {
		c.fail(err)
		return
	}
	log.Printf("relay: endpoint=%s rejected field=%s: %s", c.endpoint, adm.Field, adm.Message)
	c.srv.metrics.AdmissionRejected(c.endpoint)
	c.emitError(adm.Message)
}

// fail reports an internal error without leaking its details to the client.
func (c *conn) fail(err error) {
	log.Printf("relay: endpoint=%s error: %v", c.endpoint, err)
	c.emitError(msgUnexpected)
}

func (c *conn) emitError(msg string) {
	if err := c.sock.Emit(EventError, msg); err != nil {
		log.Printf("relay: emit error event: %v", err)
	}
}

// shutdown closes the socket and releases the inbox.
func (c *conn) shutdown() {
	c.doneOnce.Do(func() {
		if c.stopGrace != nil {
			c.stopGrace()
		}
		close(c.done)
		if err := c.sock.Close(); err != nil {
			log.Printf("relay: close socket: %v", err)
		}
	})
}
