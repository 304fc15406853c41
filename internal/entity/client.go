// Package entity is the side channel to the entity engine, which owns the
// persisted response records that test results are attached to.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when sending on a closed side channel.
var ErrNotConnected = errors.New("entity engine: not connected")

// DefaultWriteTimeout bounds a single frame write when ctx has no deadline.
const DefaultWriteTimeout = 10 * time.Second

// Dialer opens side channels to one entity engine.
type Dialer struct {
	url    string
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer for the ws:// or wss:// endpoint rawURL.
func NewDialer(rawURL string) *Dialer {
	return &Dialer{
		url: rawURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Dial connects on behalf of one scope. onCreated is called from the
// connection's read goroutine for every response-record acknowledgement.
func (d *Dialer) Dial(ctx context.Context, params ConnParams, onCreated func(ResponseCreated)) (*Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("entity engine url: %w", err)
	}
	q := u.Query()
	q.Set("scopeId", params.ScopeID)
	q.Set("bearer", params.Bearer)
	q.Set("projectId", params.ProjectID)
	u.RawQuery = q.Encode()

	ws, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial entity engine: %w", err)
	}

	c := &Conn{
		ws:        ws,
		onCreated: onCreated,
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Conn is one open side channel. Send methods are safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	onCreated func(ResponseCreated)

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) CreateResponse(ctx context.Context, req CreateResponse) error {
	return c.send(ctx, EventCreateResponse, req)
}

func (c *Conn) AddOptions(ctx context.Context, req AddOptions) error {
	return c.send(ctx, EventAddOptions, req)
}

func (c *Conn) SuccessSingle(ctx context.Context, req SuccessSingle) error {
	return c.send(ctx, EventSuccessSingle, req)
}

func (c *Conn) SuccessMultiple(ctx context.Context, req SuccessMultiple) error {
	return c.send(ctx, EventSuccessMultiple, req)
}

func (c *Conn) Failure(ctx context.Context, req Failure) error {
	return c.send(ctx, EventFailure, req)
}

// Connected reports whether the side channel is still open.
func (c *Conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the side channel closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		close(c.done)
	})
	return err
}

func (c *Conn) send(ctx context.Context, event string, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// readLoop dispatches inbound frames until the engine closes the connection.
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					log.Printf("entity: read error: %v", err)
				}
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("entity: malformed frame: %v", err)
			continue
		}

		switch frame.Event {
		case EventCreateResponseSuccess:
			var ack ResponseCreated
			if err := json.Unmarshal(frame.Data, &ack); err != nil {
				log.Printf("entity: malformed %s: %v", frame.Event, err)
				continue
			}
			if c.onCreated != nil {
				c.onCreated(ack)
			}
		default:
			log.Printf("entity: ignoring event %q", frame.Event)
		}
	}
}
