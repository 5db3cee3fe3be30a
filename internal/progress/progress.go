// Package progress is an operator-facing progress-event sink: a WebSocket
// fan-out pushing stage and job events to connected dashboards. A Tracer
// with an attached Sink publishes stage start/end events, and the server
// publishes each job's outcome. This is explicitly not the job-ingress API
// (internal/jobapi) — no job is ever created or queried through it, it only
// broadcasts events published to it.
//
// Adapted from internal/websocket/manager.go's Manager/Connection in the
// teacher repo: the register/unregister/broadcast channel shape and the
// per-connection read/write pumps are kept; the bidirectional
// action-dispatch MessageHandler map is dropped since operators only
// observe here, they never issue commands over this channel.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one progress notification pushed to operator dashboards.
type Event struct {
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	Current    int       `json:"current,omitempty"`
	Total      int       `json:"total,omitempty"`
	Percentage int       `json:"percentage,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Connection is one managed operator WebSocket connection.
type Connection struct {
	ID     string
	conn   *websocket.Conn
	send   chan Event
	sink   *Sink
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Sink fans Events out to every registered operator Connection.
type Sink struct {
	connections map[string]*Connection
	register    chan *Connection
	unregister  chan *Connection
	broadcast   chan Event
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewSink creates a Sink and starts its dispatch loop.
func NewSink() *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		connections: make(map[string]*Connection),
		register:    make(chan *Connection, 16),
		unregister:  make(chan *Connection, 16),
		broadcast:   make(chan Event, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.connections[conn.ID] = conn
			s.mu.Unlock()
		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.connections[conn.ID]; ok {
				delete(s.connections, conn.ID)
				close(conn.send)
			}
			s.mu.Unlock()
		case event := <-s.broadcast:
			s.mu.RLock()
			for _, conn := range s.connections {
				select {
				case conn.send <- event:
				default:
					// slow consumer; drop rather than block the sink
				}
			}
			s.mu.RUnlock()
		case <-s.ctx.Done():
			return
		}
	}
}

// Publish fans event out to every connected operator dashboard.
// Non-blocking: a full broadcast buffer drops the event rather than stall
// the caller (the Tracer, typically mid-stage).
func (s *Sink) Publish(event Event) {
	select {
	case s.broadcast <- event:
	default:
	}
}

// NewConnection registers conn under connectionID and starts its pumps.
func (s *Sink) NewConnection(conn *websocket.Conn, connectionID string) *Connection {
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Connection{
		ID:     connectionID,
		conn:   conn,
		send:   make(chan Event, 64),
		sink:   s,
		ctx:    ctx,
		cancel: cancel,
	}
	s.register <- c
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Connection) writePump() {
	defer c.wg.Done()
	for {
		select {
		case event, ok := <-c.send:
			if !ok {
				c.conn.Close()
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// readPump only drains and discards incoming frames (pings/keepalives);
// this sink is one-directional, operators never issue commands through it.
func (c *Connection) readPump() {
	defer c.wg.Done()
	defer func() { c.sink.unregister <- c }()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close tears down the connection's pumps.
func (c *Connection) Close() {
	c.cancel()
	c.conn.Close()
	c.wg.Wait()
}

// CloseSink stops the dispatch loop and waits for it to exit.
func (s *Sink) CloseSink() {
	s.cancel()
	s.wg.Wait()
}
