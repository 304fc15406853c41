package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Events emitted to clients.
const (
	EventUpdates         = "updates"
	EventError           = "error"
	EventResponseCreated = "rest-create-response:success"
)

const writeTimeout = 10 * time.Second

// errSocketClosed is returned when emitting on a closed socket.
var errSocketClosed = errors.New("socket closed")

// Socket is one client connection.
type Socket interface {
	Emit(event string, payload any) error
	Close() error
	// Done is closed once the socket is closed by either side.
	Done() <-chan struct{}
}

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsSocket adapts a websocket connection to Socket. Inbound frames are
// discarded; reading only detects the client going away.
type wsSocket struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSSocket(ws *websocket.Conn) *wsSocket {
	s := &wsSocket{ws: ws, done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *wsSocket) Emit(event string, payload any) error {
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}

	data, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (s *wsSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.ws.Close()
		close(s.done)
	})
	return err
}

func (s *wsSocket) Done() <-chan struct{} {
	return s.done
}

func (s *wsSocket) readLoop() {
	defer s.Close()
	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			return
		}
	}
}
