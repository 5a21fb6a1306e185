// Package ax25link ties the KISS and AX.25 codecs to the connection state
// machine: it demultiplexes inbound frames across any number of
// transports to the right Connection or UI observer, owns the registry of
// locally accepted callsigns, and drives the background goroutines that
// make the rest of the package usable without the caller managing loops
// by hand.
package ax25link

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kd9jik/ax25link/frame"
	"github.com/kd9jik/ax25link/kiss"
	"github.com/kd9jik/ax25link/session"
)

// Writer delivers a complete KISS-framed byte sequence to one physical or
// virtual TNC connection. Implementations decide how bytes actually reach
// the transport (TCP socket, serial port, in-memory pipe); the Controller
// never dials anything itself.
type Writer interface {
	WriteKISS(b []byte) error
}

// UIObserver receives every UI frame the Controller sees on any
// transport that no existing Connection claims, whether or not its
// destination matched a registered listener. A UI frame that belongs to an
// existing Connection goes to that Connection instead.
type UIObserver func(f frame.Frame, transport xid.ID, port uint8)

// AcceptFunc is invoked once per newly created Connection, immediately
// after the inbound frame that triggered its creation has been delivered.
type AcceptFunc func(*session.Connection)

type listenerEntry struct {
	accept AcceptFunc
}

// clientItem is the Client-Frame Envelope: an AX.25 frame bound for one
// TNC port on one transport, ordered in a priority queue where a lower
// numeric value drains first and arrival order breaks ties.
type clientItem struct {
	out      *session.Outbound
	port     uint8
	priority uint8
	seq      uint64
	index    int
}

type clientHeap []*clientItem

func (h clientHeap) Len() int { return len(h) }
func (h clientHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h clientHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *clientHeap) Push(x any) {
	item := x.(*clientItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *clientHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// client is one registered transport: a Writer plus the KISS decoder that
// demultiplexes its inbound byte stream into frames, and the outbound
// priority queue that serializes writes back out to it across every
// Connection and UI send sharing this transport.
type client struct {
	id      xid.ID
	writer  Writer
	decoder *kiss.Decoder

	mu      sync.Mutex
	heap    clientHeap
	counter uint64
	wake    chan struct{}
}

func newClient(id xid.ID, w Writer, log logrus.FieldLogger) *client {
	return &client{
		id:      id,
		writer:  w,
		decoder: kiss.NewDecoder(log),
		wake:    make(chan struct{}, 1),
	}
}

func (c *client) push(f frame.Frame, port uint8, priority uint8) *session.Outbound {
	out := session.NewOutbound(f)
	c.mu.Lock()
	c.counter++
	heap.Push(&c.heap, &clientItem{out: out, port: port, priority: priority, seq: c.counter})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return out
}

func (c *client) pop() (*clientItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heap.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&c.heap).(*clientItem), true
}

func (c *client) drain(err error) {
	c.mu.Lock()
	items := c.heap
	c.heap = nil
	c.mu.Unlock()
	for _, item := range items {
		item.out.Fail(err)
	}
}

// choosePriority assigns a Client-Frame Envelope priority from a frame's
// control family, mirroring the Connection-level outbound priority
// discipline so control traffic overtakes data at the transport too.
func choosePriority(f frame.Frame) uint8 {
	if f.Control.Family == frame.UFrame && f.Control.UVariant == frame.UI {
		return session.PriorityData
	}
	if f.Control.Family == frame.IFrame {
		return session.PriorityData
	}
	return session.PriorityControl
}

func familyLabel(f frame.Frame) string {
	switch f.Control.Family {
	case frame.IFrame:
		return "I"
	case frame.SFrame:
		return "S"
	case frame.UFrame:
		return "U"
	default:
		return "?"
	}
}

// managedConnection pairs a Connection with the cancel func for its Run
// goroutine so the shutdown sweep can reap it cleanly once it returns to
// DISCONNECTED.
type managedConnection struct {
	conn   *session.Connection
	cancel context.CancelFunc
}

// Controller demultiplexes inbound AX.25 frames across any number of
// transports, owns the registry of locally accepted callsigns and live
// Connections, and drives every Connection's and client's background
// goroutine. The zero value is not usable; construct with NewController.
type Controller struct {
	cfg     session.Config
	log     logrus.FieldLogger
	metrics *Metrics

	mu          sync.Mutex
	clients     map[xid.ID]*client
	listeners   map[frame.Address]listenerEntry
	connections map[session.Identity]*managedConnection
	uiObservers []UIObserver

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger overrides the default standard logrus logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMetrics attaches a prometheus-backed Metrics instance. Omitting this
// option runs the Controller without instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController returns a Controller with no clients or listeners
// registered. cfg.Check is applied once here so every Connection it goes
// on to create shares the same validated configuration.
func NewController(cfg session.Config, opts ...Option) *Controller {
	cfg.Check()
	c := &Controller{
		cfg:         cfg,
		log:         logrus.StandardLogger(),
		clients:     make(map[xid.ID]*client),
		listeners:   make(map[frame.Address]listenerEntry),
		connections: make(map[session.Identity]*managedConnection),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddListener registers local as a callsign+SSID this Controller accepts
// connections for. accept is called once per Connection created against
// it. Registering the same address twice reports ErrListenerExists.
func (c *Controller) AddListener(local frame.Address, accept AcceptFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.listeners[local]; exists {
		return fmt.Errorf("%w: %s", ErrListenerExists, local)
	}
	c.listeners[local] = listenerEntry{accept: accept}
	return nil
}

// RemoveListener stops accepting new connections for local. Connections
// already established against it are unaffected.
func (c *Controller) RemoveListener(local frame.Address) {
	c.mu.Lock()
	delete(c.listeners, local)
	c.mu.Unlock()
}

// AddClient registers a transport and returns the opaque, sortable
// identity handle used to name it in Connection identities, UI observer
// callbacks, and SendUIFrame. If the Controller has already started, the
// client's background write pump starts immediately; otherwise Start
// launches it along with every other registered client.
func (c *Controller) AddClient(w Writer) xid.ID {
	id := xid.New()
	cl := newClient(id, w, c.log)

	c.mu.Lock()
	c.clients[id] = cl
	running := c.started && !c.stopped
	ctx := c.ctx
	c.mu.Unlock()

	if running {
		c.wg.Add(1)
		go c.runClient(ctx, cl)
	}
	return id
}

// AddUIObserver registers fn to be called for every UI frame seen on any
// transport that no existing Connection claims.
func (c *Controller) AddUIObserver(fn UIObserver) {
	c.mu.Lock()
	c.uiObservers = append(c.uiObservers, fn)
	c.mu.Unlock()
}

// Start launches the background write pump for every registered client
// and the periodic shutdown-sweep reaper. Safe to call once; subsequent
// calls are no-ops.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	ctx := c.ctx
	clients := make([]*client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()

	for _, cl := range clients {
		c.wg.Add(1)
		go c.runClient(ctx, cl)
	}
	c.wg.Add(1)
	go c.runShutdownSweep(ctx)
}

// Stop halts the Controller. A graceful stop (abort=false) asks every
// live Connection not already in AWAITING_RELEASE to disconnect and waits
// for the shutdown sweep to reap the registry down to empty before
// returning. An abort tears every Connection down immediately and returns
// as soon as their goroutines exit.
func (c *Controller) Stop(abort bool) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	conns := make([]*managedConnection, 0, len(c.connections))
	for _, mc := range c.connections {
		conns = append(conns, mc)
	}
	cancel := c.cancel
	c.mu.Unlock()

	for _, mc := range conns {
		if abort {
			mc.conn.Disconnect(true)
			continue
		}
		if mc.conn.State() != session.AwaitingRelease {
			mc.conn.Disconnect(false)
		}
	}

	if !abort {
		for {
			c.mu.Lock()
			empty := len(c.connections) == 0
			c.mu.Unlock()
			if empty {
				break
			}
			time.Sleep(c.cfg.ShutdownSweep)
		}
	}

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Controller) runShutdownSweep(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ShutdownSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reapDisconnected()
		}
	}
}

// reapDisconnected removes every Connection currently in DISCONNECTED
// from the registry: either it just completed a release handshake, or it
// was created for a frame that never established it in the first place.
// Route delivers a newly created Connection's triggering frame
// synchronously before registering it, so nothing here can observe a
// Connection mid-handshake.
func (c *Controller) reapDisconnected() {
	c.mu.Lock()
	var dead []session.Identity
	for id, mc := range c.connections {
		if mc.conn.State() == session.Disconnected {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		mc := c.connections[id]
		delete(c.connections, id)
		mc.cancel()
		mc.conn.Close()
		c.metrics.connectionClosed()
	}
	c.mu.Unlock()
}

// Receive feeds bytes arriving on a registered transport through its KISS
// decoder and routes every decoded AX.25 frame per the routing policy.
// transport must be an identity AddClient returned.
func (c *Controller) Receive(transport xid.ID, data []byte) error {
	c.mu.Lock()
	cl, ok := c.clients[transport]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownTransport
	}

	for _, kf := range cl.decoder.Feed(data) {
		if kf.Command != kiss.DataFrame {
			c.log.WithField("command", kf.Command).Debug("ax25link: ignoring non-data KISS command")
			continue
		}
		f, err := frame.Unmarshal(kf.Data)
		if err != nil {
			malformed := &MalformedFrameError{Bytes: kf.Data, Err: err}
			c.log.WithError(malformed).WithField("bytes", fmt.Sprintf("%x", kf.Data)).
				Warn("ax25link: dropping malformed frame")
			continue
		}
		c.metrics.received(familyLabel(f))
		c.route(transport, kf.Port, f)
	}
	return nil
}

// route implements the routing policy: an existing Connection claims the
// frame first, then a UI frame goes to observers (with a DM reply if
// polled), then a registered listener gets a fresh Connection, and
// anything else is dropped.
func (c *Controller) route(transport xid.ID, port uint8, f frame.Frame) {
	identity := session.NewIdentity(f.Address.Destination, f.Address.Source, transport, port)

	c.mu.Lock()
	mc, exists := c.connections[identity]
	c.mu.Unlock()
	if exists {
		mc.conn.Deliver(f)
		return
	}

	if f.Control.Family == frame.UFrame && f.Control.UVariant == frame.UI {
		c.notifyUI(f, transport, port)
		if f.Control.PollFinal {
			c.sendDirect(transport, port, frame.Frame{
				Address: f.Address.Response(),
				Control: frame.Control{Family: frame.UFrame, UVariant: frame.DM, PollFinal: true},
			})
		}
		return
	}

	c.mu.Lock()
	entry, hasListener := c.listeners[f.Address.Destination]
	c.mu.Unlock()
	if !hasListener {
		c.log.WithField("frame", f.String()).Debug("ax25link: dropping frame for unknown destination")
		c.metrics.dropped()
		return
	}

	conn := c.newConnection(transport, port, f.Address.Destination, f.Address.Source)
	conn.DeliverSync(f)

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	connCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.connections[identity] = &managedConnection{conn: conn, cancel: cancel}
	c.mu.Unlock()
	c.metrics.connectionOpened()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn.Run(connCtx)
	}()

	if entry.accept != nil {
		entry.accept(conn)
	}
}

func (c *Controller) newConnection(transport xid.ID, port uint8, local, remote frame.Address) *session.Connection {
	write := func(f frame.Frame) error {
		out := c.enqueueOnTransport(transport, port, f, choosePriority(f))
		if out == nil {
			return ErrUnknownTransport
		}
		c.metrics.sent(familyLabel(f))
		return nil
	}
	conn := session.New(c.cfg, local, remote, transport, port, write, c.log)
	conn.Hooks = session.Hooks{
		OnRetransmit: c.metrics.retransmit,
		OnT1Expire:   c.metrics.t1Expired,
		OnT3Expire:   c.metrics.t3Expired,
	}
	return conn
}

func (c *Controller) enqueueOnTransport(transport xid.ID, port uint8, f frame.Frame, priority uint8) *session.Outbound {
	c.mu.Lock()
	cl, ok := c.clients[transport]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return cl.push(f, port, priority)
}

func (c *Controller) sendDirect(transport xid.ID, port uint8, f frame.Frame) {
	out := c.enqueueOnTransport(transport, port, f, choosePriority(f))
	if out == nil {
		c.log.WithField("transport", transport).Warn("ax25link: cannot reply, unknown transport")
		return
	}
	c.metrics.sent(familyLabel(f))
}

// SendUIFrame synchronously enqueues a UI U-frame with PID NONE carrying
// payload over path, at priority, bypassing any Connection — the
// connectionless send path.
func (c *Controller) SendUIFrame(local, remote frame.Address, payload []byte, transport xid.ID, port uint8, priority uint8, path []frame.Address, poll bool) error {
	f := frame.Frame{
		Address: frame.AddressField{Destination: remote, Source: local, Path: path},
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.UI, PollFinal: poll},
		PID:     frame.PIDNone,
		Info:    payload,
	}
	out := c.enqueueOnTransport(transport, port, f, priority)
	if out == nil {
		return ErrUnknownTransport
	}
	c.metrics.sent("U")
	return nil
}

func (c *Controller) notifyUI(f frame.Frame, transport xid.ID, port uint8) {
	c.mu.Lock()
	observers := append([]UIObserver(nil), c.uiObservers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(f, transport, port)
	}
}

func (c *Controller) runClient(ctx context.Context, cl *client) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cl.drain(ErrControllerStopped)
			return
		case <-cl.wake:
			c.drainClient(cl)
		case <-ticker.C:
			c.drainClient(cl)
		}
	}
}

// drainClient empties cl's priority queue onto the wire. Marshal and KISS
// encode failures fail that one Outbound and move on; a transport write
// failure does the same but leaves the client running, since the next
// write may succeed (a transient serial/socket hiccup, not necessarily a
// dead transport).
func (c *Controller) drainClient(cl *client) {
	for {
		item, ok := cl.pop()
		if !ok {
			return
		}
		b, err := item.out.Frame.Marshal()
		if err != nil {
			c.log.WithError(err).Warn("ax25link: failed to marshal outbound frame")
			item.out.Fail(err)
			continue
		}
		kf, err := kiss.New(item.port, kiss.DataFrame, b)
		if err != nil {
			c.log.WithError(err).Warn("ax25link: failed to build KISS frame")
			item.out.Fail(err)
			continue
		}
		wire, err := kf.Marshal()
		if err != nil {
			item.out.Fail(err)
			continue
		}
		if err := cl.writer.WriteKISS(wire); err != nil {
			c.log.WithError(err).Warn("ax25link: transport write failed")
			item.out.Fail(err)
			continue
		}
		item.out.Complete()
	}
}
