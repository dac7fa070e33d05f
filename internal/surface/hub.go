package surface

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/logging"
	"maxidomd/internal/metrics"
)

const (
	maxFrameBytes = 64 << 10
	// maxEventsPerFrame bounds one input batch.
	maxEventsPerFrame = 512
)

// ErrTooManySurfaces is returned when the hub is at its connection limit.
var ErrTooManySurfaces = errors.New("surface: too many connected surfaces")

// Options configures a Hub.
type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	VerifyPerMinute int
	VerifyBurst     int
	MaxSurfaces     int
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.VerifyPerMinute <= 0 {
		o.VerifyPerMinute = 6
	}
	if o.VerifyBurst <= 0 {
		o.VerifyBurst = 3
	}
	if o.MaxSurfaces <= 0 {
		o.MaxSurfaces = 64
	}
}

type client struct {
	ref     lockdown.SurfaceRef
	conn    *websocket.Conn
	attempt *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// offer queues data without blocking. full reports a live but saturated queue.
func (c *client) offer(data []byte) (sent, full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, false
	}
	select {
	case c.send <- data:
		return true, false
	default:
		return false, true
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub tracks connected surfaces and fans directives out to them.
type Hub struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.DaemonMetrics

	ctrl      Controller
	submitter Submitter

	mu      sync.RWMutex
	clients map[lockdown.SurfaceRef]*client
	closed  bool
}

// NewHub creates a Hub. Bind must be called before surfaces connect.
func NewHub(opts Options, log *logging.Logger, m *metrics.DaemonMetrics) *Hub {
	opts.setDefaults()
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.NewDaemonMetrics(nil)
	}
	return &Hub{
		opts:    opts,
		log:     log.WithComponent("surface"),
		metrics: m,
		clients: make(map[lockdown.SurfaceRef]*client),
	}
}

// Bind attaches the controller and the capture entry point. The hub and the
// engine refer to each other, so this happens after both exist.
func (h *Hub) Bind(ctrl Controller, sub Submitter) {
	h.mu.Lock()
	h.ctrl = ctrl
	h.submitter = sub
	h.mu.Unlock()
}

// Send implements lockdown.Broadcaster. It never blocks: a surface whose
// queue is full is disconnected and reported Unreachable.
func (h *Hub) Send(ref lockdown.SurfaceRef, d lockdown.Directive) lockdown.Outcome {
	h.mu.RLock()
	c, ok := h.clients[ref]
	h.mu.RUnlock()
	if !ok {
		h.metrics.RecordDirective(d.Action.String(), lockdown.Unreachable.String())
		return lockdown.Unreachable
	}

	data, err := json.Marshal(Message{Type: MsgDirective, Directive: &d})
	if err != nil {
		h.log.Error("marshal directive", "error", err)
		return lockdown.Unreachable
	}

	out := h.enqueue(c, data)
	h.metrics.RecordDirective(d.Action.String(), out.String())
	return out
}

func (h *Hub) enqueue(c *client, data []byte) lockdown.Outcome {
	sent, full := c.offer(data)
	if sent {
		return lockdown.Delivered
	}
	if full {
		h.log.Warn("surface too slow, disconnecting", "surface", string(c.ref))
		h.remove(c)
	}
	return lockdown.Unreachable
}

// Surfaces implements lockdown.Broadcaster.
func (h *Hub) Surfaces() []lockdown.SurfaceRef {
	h.mu.RLock()
	refs := make([]lockdown.SurfaceRef, 0, len(h.clients))
	for ref := range h.clients {
		refs = append(refs, ref)
	}
	h.mu.RUnlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Count returns the number of connected surfaces.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve runs a connection until it closes. The surface is registered,
// greeted with its ref, and read until error.
func (h *Hub) Serve(conn *websocket.Conn) error {
	c, err := h.add(conn)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return err
	}

	go h.writePump(c)

	hello, _ := json.Marshal(Message{Type: MsgHello, Surface: c.ref})
	h.enqueue(c, hello)

	h.readPump(c)
	return nil
}

func (h *Hub) add(conn *websocket.Conn) (*client, error) {
	c := &client{
		ref:     lockdown.SurfaceRef(uuid.NewString()),
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		attempt: rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.opts.VerifyPerMinute)), h.opts.VerifyBurst),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("surface: hub closed")
	}
	if len(h.clients) >= h.opts.MaxSurfaces {
		return nil, ErrTooManySurfaces
	}
	h.clients[c.ref] = c
	h.metrics.SurfacesConnected.Set(int64(len(h.clients)))
	h.log.Info("surface connected", "surface", string(c.ref), "remote", conn.RemoteAddr().String())
	return c, nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.ref]
	if ok {
		delete(h.clients, c.ref)
		h.metrics.SurfacesConnected.Set(int64(len(h.clients)))
	}
	h.mu.Unlock()

	c.close()
	if ok {
		h.log.Info("surface disconnected", "surface", string(c.ref))
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	pongWait := 2 * h.opts.PingInterval
	defer func() {
		h.remove(c)
		// Whatever was pending on this surface ends here.
		if sub := h.binding().submitter; sub != nil {
			sub.Submit(string(c.ref), capture.Input{Type: "blur"})
		}
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("surface read error", "surface", string(c.ref), "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("malformed frame", "surface", string(c.ref), "error", err)
			continue
		}
		h.dispatch(c, msg)
	}
}

type binding struct {
	ctrl      Controller
	submitter Submitter
}

func (h *Hub) binding() binding {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return binding{ctrl: h.ctrl, submitter: h.submitter}
}

func (h *Hub) dispatch(c *client, msg Message) {
	b := h.binding()
	if b.ctrl == nil {
		return
	}

	switch msg.Type {
	case MsgReady:
		b.ctrl.SurfaceReady(c.ref)

	case MsgInput:
		if b.submitter == nil {
			return
		}
		events := msg.Events
		if len(events) > maxEventsPerFrame {
			events = events[:maxEventsPerFrame]
		}
		for _, in := range events {
			b.submitter.Submit(string(c.ref), in)
		}

	case MsgVerify, MsgEnroll:
		if !c.attempt.Allow() {
			h.metrics.RecordVerification("throttled")
			d := lockdown.Directive{
				Action:  lockdown.ShowError,
				Context: lockdown.Bootstrapping,
				Message: "Too many attempts. Wait a minute and try again.",
			}
			if owed, ok := b.ctrl.Status().Owed(); ok {
				d.Context = owed.Context
			}
			h.Send(c.ref, d)
			return
		}
		if msg.Type == MsgVerify {
			b.ctrl.Verify(c.ref, msg.Password)
		} else {
			b.ctrl.Enroll(c.ref, msg.Password)
		}

	default:
		h.log.Debug("unknown frame type", "surface", string(c.ref), "type", string(msg.Type))
	}
}

// Close disconnects every surface and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
