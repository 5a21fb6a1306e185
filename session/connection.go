// Package session implements the AX.25 connection state machine: the
// five-state FSM, sequence tracking, T1/T3 timers and the per-connection
// outbound priority queue that sits between a listener's application code
// and the wire.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/kd9jik/ax25link/frame"
	"github.com/kd9jik/ax25link/timer"
)

// State is the Connection's position in the five-state FSM.
type State uint8

const (
	Disconnected State = iota
	AwaitingConnection
	Connected
	AwaitingRelease
	TimerRecovery
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case AwaitingConnection:
		return "AWAITING_CONNECTION"
	case Connected:
		return "CONNECTED"
	case AwaitingRelease:
		return "AWAITING_RELEASE"
	case TimerRecovery:
		return "TIMER_RECOVERY"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ErrProtocolViolation signals exhausted I-frame retries or an N(R)
// outside [V(A), V(S)]; the connection resets and notifies terminal
// observers with this error wrapped for context.
var ErrProtocolViolation = errors.New("session: protocol violation")

// UIObserver receives every UI frame the connection sees, addressed to
// it directly or broadcast.
type UIObserver func(f frame.Frame)

// DataObserver receives the payload of each in-sequence I-frame, one
// I-frame at a time; fragments are not reassembled.
type DataObserver func(payload []byte)

// TerminalObserver is notified when the connection resets out of
// CONNECTED for a reason worth surfacing to the application: retry
// exhaustion, a received DM, or an explicit disconnect. err is nil for a
// clean peer-initiated or locally requested release.
type TerminalObserver func(err error)

// WriteFunc hands one outbound frame to the transport. The Connection's
// run loop calls it synchronously from its own goroutine; it must not
// block indefinitely.
type WriteFunc func(f frame.Frame) error

type pendingIFrame struct {
	payload []byte
	sent    time.Time
}

// Hooks are optional instrumentation callbacks. Every field is nil-safe;
// a Controller wires these in before calling Run to feed counters without
// the Connection depending on any particular metrics library.
type Hooks struct {
	// OnRetransmit fires each time T1 expiry resends the oldest unacked
	// I-frame, or resends the RR poll while in TIMER_RECOVERY.
	OnRetransmit func()
	// OnT1Expire fires once retry_count is exhausted and the connection
	// resets to DISCONNECTED.
	OnT1Expire func()
	// OnT3Expire fires when the keepalive timer triggers the RR poll
	// into TIMER_RECOVERY.
	OnT3Expire func()
}

// Connection is one AX.25 link between Local and Remote, identified by
// Identity within a Controller's registry. The zero value is not usable;
// construct with New.
type Connection struct {
	Config    Config
	Identity  Identity
	Local     frame.Address
	Transport xid.ID
	Port      uint8
	Hooks     Hooks

	write WriteFunc
	log   logrus.FieldLogger

	// state is accessible from other goroutines via State(); every
	// other field below is owned exclusively by the run loop.
	state atomic.Value // State

	remote          frame.Address
	moduloCommitted bool
	modulo          frame.Modulo

	vs, vr, va  uint8
	peerBusy    bool
	retriesLeft int
	unacked     map[uint8]pendingIFrame
	sendQueue   [][]byte // fragments awaiting a sequence number

	outbound *OutboundQueue
	t1, t3   *timer.Timer
	t1Ch     chan timer.Result
	t3Ch     chan timer.Result

	mu            sync.Mutex // guards the observer slices only
	uiObservers   []UIObserver
	dataObservers []DataObserver
	termObservers []TerminalObserver

	inbound    chan frame.Frame
	connectReq chan struct{}
	sendReq    chan []byte
	disconnect chan bool // true = abort
	closed     chan struct{}
}

// New returns a Connection in state DISCONNECTED. Call Run in its own
// goroutine to drive it; the Controller owns that goroutine's lifetime.
func New(cfg Config, local, remote frame.Address, transport xid.ID, port uint8, write WriteFunc, log logrus.FieldLogger) *Connection {
	cfg.Check()
	if log == nil {
		log = logrus.StandardLogger()
	}

	c := &Connection{
		Config:      cfg,
		Identity:    NewIdentity(local, remote, transport, port),
		Local:       local,
		Transport:   transport,
		Port:        port,
		write:       write,
		log:         log,
		remote:      remote,
		unacked:     make(map[uint8]pendingIFrame),
		outbound:    &OutboundQueue{},
		t1Ch:        make(chan timer.Result, 1),
		t3Ch:        make(chan timer.Result, 1),
		inbound:     make(chan frame.Frame, 16),
		connectReq:  make(chan struct{}, 1),
		sendReq:     make(chan []byte, 64),
		disconnect:  make(chan bool, 1),
		closed:      make(chan struct{}),
		retriesLeft: cfg.RetryCount,
	}
	c.state.Store(Disconnected)
	c.t1 = timer.New(cfg.IFrameTimeout, func(r timer.Result) {
		select {
		case c.t1Ch <- r:
		default:
		}
	})
	c.t3 = timer.New(cfg.Keepalive, func(r timer.Result) {
		select {
		case c.t3Ch <- r:
		default:
		}
	})
	return c
}

// State returns the current FSM state. Safe for concurrent use.
func (c *Connection) State() State { return c.state.Load().(State) }

func (c *Connection) setState(s State) { c.state.Store(s) }

// AddUIObserver registers fn to be called for every UI frame this
// connection sees.
func (c *Connection) AddUIObserver(fn UIObserver) {
	c.mu.Lock()
	c.uiObservers = append(c.uiObservers, fn)
	c.mu.Unlock()
}

// AddDataObserver registers fn to be called with the payload of each
// in-sequence I-frame.
func (c *Connection) AddDataObserver(fn DataObserver) {
	c.mu.Lock()
	c.dataObservers = append(c.dataObservers, fn)
	c.mu.Unlock()
}

// AddTerminalObserver registers fn to be called when the connection
// resets out of CONNECTED.
func (c *Connection) AddTerminalObserver(fn TerminalObserver) {
	c.mu.Lock()
	c.termObservers = append(c.termObservers, fn)
	c.mu.Unlock()
}

// Deliver hands an inbound frame addressed to this connection to its
// run loop. Safe for concurrent use; never blocks longer than it takes
// to enqueue.
func (c *Connection) Deliver(f frame.Frame) {
	select {
	case c.inbound <- f:
	case <-c.closed:
	}
}

// DeliverSync processes f on the calling goroutine instead of handing it
// to Run. A Controller uses this exactly once, to bootstrap a Connection
// with the inbound frame that triggered its creation, before Run has
// started and while no other goroutine can observe the Connection yet.
// Deliver, not DeliverSync, is the right call once Run is running.
func (c *Connection) DeliverSync(f frame.Frame) {
	c.handleInbound(f)
	c.pumpSendQueue()
}

// Connect requests an active open: send SABM and move to
// AWAITING_CONNECTION.
func (c *Connection) Connect() {
	select {
	case c.connectReq <- struct{}{}:
	case <-c.closed:
	}
}

// SendInformation fragments payload into chunks no larger than
// Config.IFieldLength and queues each as an I-frame once the window
// allows.
func (c *Connection) SendInformation(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	for start := 0; start < len(payload); start += c.Config.IFieldLength {
		end := start + c.Config.IFieldLength
		if end > len(payload) {
			end = len(payload)
		}
		chunk := append([]byte(nil), payload[start:end]...)
		select {
		case c.sendReq <- chunk:
		case <-c.closed:
			return errClosed
		}
	}
	return nil
}

var errClosed = errors.New("session: connection closed")

// Disconnect requests a release. Graceful sends DISC and awaits UA;
// abort tears the connection down immediately.
func (c *Connection) Disconnect(abort bool) {
	select {
	case c.disconnect <- abort:
	case <-c.closed:
	}
}

// Close stops the run loop unconditionally. The Controller calls this
// during its shutdown sweep once a connection has finished releasing.
func (c *Connection) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Run drives the connection's event loop until ctx is cancelled or Close
// is called. It owns every field not guarded by c.mu or c.state.
func (c *Connection) Run(ctx context.Context) {
	poll := time.NewTicker(c.Config.PollSweep)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return

		case f := <-c.inbound:
			c.handleInbound(f)
			c.pumpSendQueue()

		case <-c.connectReq:
			c.handleConnect()

		case chunk := <-c.sendReq:
			if chunk != nil {
				c.sendQueue = append(c.sendQueue, chunk)
			}
			c.pumpSendQueue()

		case abort := <-c.disconnect:
			c.handleDisconnectRequest(abort)

		case r := <-c.t1Ch:
			if r == timer.ExpiredResult {
				c.handleT1Expiry()
			}

		case r := <-c.t3Ch:
			if r == timer.ExpiredResult {
				c.handleT3Expiry()
			}

		case <-poll.C:
			c.pumpSendQueue()
		}
	}
}

// enqueue pushes f onto the connection's priority queue and immediately
// drains the queue in priority order. The run loop is single-threaded,
// so nothing else can interleave a push between here and the drain: f
// reaches the WriteFunc before enqueue returns, and the queue holds no
// more than the frame just pushed. Ordering between frames by priority
// happens downstream, in whatever queue the WriteFunc feeds.
func (c *Connection) enqueue(f frame.Frame, priority uint8) {
	c.outbound.Push(f, priority)
	for {
		next, ok := c.outbound.Pop()
		if !ok {
			break
		}
		c.transmit(next)
	}
}

func (c *Connection) transmit(out *Outbound) {
	if err := c.write(out.Frame); err != nil {
		c.log.WithError(err).Warn("session: write failed")
		out.Fail(err)
		return
	}
	out.Complete()
}

func (c *Connection) respond(f frame.Frame, variant frame.UVariant, pollFinal bool) frame.Frame {
	return frame.Frame{
		Address: f.Address.Response(),
		Control: frame.Control{Family: frame.UFrame, UVariant: variant, PollFinal: pollFinal},
	}
}

func (c *Connection) sendUA(f frame.Frame) { c.enqueue(c.respond(f, frame.UA, f.Control.PollFinal), PriorityControl) }
func (c *Connection) sendDM(f frame.Frame) { c.enqueue(c.respond(f, frame.DM, f.Control.PollFinal), PriorityControl) }

func (c *Connection) sendRR(addr frame.AddressField, pollFinal bool) {
	c.enqueue(frame.Frame{
		Address: addr,
		Control: frame.Control{Family: frame.SFrame, SVariant: frame.RR, RecvSeq: c.vr, PollFinal: pollFinal},
	}, PriorityControl)
}

func (c *Connection) sendREJ(addr frame.AddressField) {
	c.enqueue(frame.Frame{
		Address: addr,
		Control: frame.Control{Family: frame.SFrame, SVariant: frame.REJ, RecvSeq: c.vr},
	}, PriorityControl)
}

func (c *Connection) notifyUI(f frame.Frame) {
	c.mu.Lock()
	observers := append([]UIObserver(nil), c.uiObservers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(f)
	}
}

func (c *Connection) notifyData(payload []byte) {
	c.mu.Lock()
	observers := append([]DataObserver(nil), c.dataObservers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(payload)
	}
}

func (c *Connection) notifyTerminal(err error) {
	c.mu.Lock()
	observers := append([]TerminalObserver(nil), c.termObservers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

// resetState clears sequence variables, stops both timers, and
// optionally discards everything queued for transmission.
func (c *Connection) resetState(discardOutgoing bool) {
	if c.t1.State() == timer.Running {
		c.t1.Stop()
	}
	if c.t3.State() == timer.Running {
		c.t3.Stop()
	}
	c.vs, c.vr, c.va = 0, 0, 0
	c.peerBusy = false
	c.retriesLeft = c.Config.RetryCount
	c.unacked = make(map[uint8]pendingIFrame)
	if discardOutgoing {
		c.sendQueue = nil
		c.outbound.Drain(errClosed)
	}
}

func seqDistance(from, to uint8) uint8 { return (to - from) & 0x7 }

func (c *Connection) windowHasRoom() bool {
	return seqDistance(c.va, c.vs) < c.Config.WindowSize
}

// ackThrough advances V(A) to nr, releasing every I-frame it confirms.
// It reports false if nr falls outside [V(A), V(S)], the protocol
// violation the governing design calls out explicitly.
func (c *Connection) ackThrough(nr uint8) bool {
	if seqDistance(c.va, nr) > seqDistance(c.va, c.vs) {
		return false
	}
	for c.va != nr {
		delete(c.unacked, c.va)
		c.va = (c.va + 1) & 0x7
	}
	if c.va == c.vs {
		if c.t1.State() == timer.Running {
			c.t1.Stop()
		}
	} else if c.t1.State() != timer.Running {
		c.t1.Start()
	}
	return true
}

func (c *Connection) addressField() frame.AddressField {
	return frame.AddressField{Destination: c.remote, Source: c.Local}
}

func (c *Connection) handleConnect() {
	if c.State() != Disconnected {
		return
	}
	c.resetState(true)
	c.setState(AwaitingConnection)
	c.enqueue(frame.Frame{
		Address: c.addressField(),
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.SABM, PollFinal: true},
	}, PriorityControl)
}

func (c *Connection) handleDisconnectRequest(abort bool) {
	switch c.State() {
	case Disconnected:
		return
	}
	if abort {
		c.enqueue(frame.Frame{
			Address: c.addressField(),
			Control: frame.Control{Family: frame.UFrame, UVariant: frame.DISC, PollFinal: true},
		}, PriorityControl)
		c.resetState(true)
		c.setState(Disconnected)
		c.notifyTerminal(nil)
		return
	}
	c.enqueue(frame.Frame{
		Address: c.addressField(),
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.DISC, PollFinal: true},
	}, PriorityControl)
	c.setState(AwaitingRelease)
}

func (c *Connection) handleT1Expiry() {
	if c.State() != Connected && c.State() != TimerRecovery {
		return
	}
	if c.retriesLeft <= 0 {
		c.enqueue(frame.Frame{
			Address: c.addressField(),
			Control: frame.Control{Family: frame.UFrame, UVariant: frame.DM, PollFinal: true},
		}, PriorityControl)
		c.resetState(true)
		c.setState(Disconnected)
		c.notifyTerminal(fmt.Errorf("%w: I-frame retries exhausted", ErrProtocolViolation))
		if c.Hooks.OnT1Expire != nil {
			c.Hooks.OnT1Expire()
		}
		return
	}

	if c.State() == TimerRecovery {
		c.retriesLeft--
		c.sendRR(c.addressField(), true)
		if c.Hooks.OnRetransmit != nil {
			c.Hooks.OnRetransmit()
		}
		c.t1.Start()
		return
	}

	if len(c.unacked) == 0 {
		return
	}
	c.retriesLeft--

	oldest := c.va
	if p, ok := c.unacked[oldest]; ok {
		c.enqueue(frame.Frame{
			Address: c.addressField(),
			Control: frame.Control{Family: frame.IFrame, SendSeq: oldest, RecvSeq: c.vr, PollFinal: true},
			PID:     frame.PIDNoLayer3,
			Info:    p.payload,
		}, PriorityData)
		if c.Hooks.OnRetransmit != nil {
			c.Hooks.OnRetransmit()
		}
	}
	c.t1.Start()
}

func (c *Connection) handleT3Expiry() {
	if c.State() != Connected {
		return
	}
	c.sendRR(c.addressField(), true)
	c.setState(TimerRecovery)
	c.t1.Start()
	if c.Hooks.OnT3Expire != nil {
		c.Hooks.OnT3Expire()
	}
}

// pumpSendQueue promotes queued payload fragments into I-frames while
// the window and peer-busy state allow it.
func (c *Connection) pumpSendQueue() {
	if c.State() != Connected || c.peerBusy {
		return
	}
	for len(c.sendQueue) > 0 && c.windowHasRoom() {
		payload := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]

		seq := c.vs
		c.unacked[seq] = pendingIFrame{payload: payload, sent: time.Now()}
		c.vs = (c.vs + 1) & 0x7

		c.enqueue(frame.Frame{
			Address: c.addressField(),
			Control: frame.Control{Family: frame.IFrame, SendSeq: seq, RecvSeq: c.vr},
			PID:     frame.PIDNoLayer3,
			Info:    payload,
		}, PriorityData)

		if c.t1.State() != timer.Running {
			c.t1.Start()
		}
	}
}

// handleInbound dispatches f to the handler for the current state. It is
// exported implicitly through Deliver+Run for production use and called
// directly in tests to exercise the FSM synchronously.
func (c *Connection) handleInbound(f frame.Frame) {
	switch c.State() {
	case Disconnected:
		c.handleDisconnected(f)
	case AwaitingConnection:
		c.handleAwaitingConnection(f)
	case Connected, TimerRecovery:
		c.handleConnected(f)
	case AwaitingRelease:
		c.handleAwaitingRelease(f)
	}
}

func (c *Connection) handleDisconnected(f frame.Frame) {
	ctrl := f.Control
	switch {
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.SABM:
		if c.moduloCommitted && c.modulo == frame.Mod128 {
			c.sendDM(f)
			return
		}
		c.moduloCommitted, c.modulo = true, frame.Mod8
		c.remote = f.Address.Source
		c.resetState(true)
		c.sendUA(f)
		c.t3.Start()
		c.setState(Connected)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.SABME:
		if c.moduloCommitted && c.modulo == frame.Mod8 {
			c.sendDM(f)
			return
		}
		// Mod-128 sequencing is not implemented, so SABME is always
		// refused with DM.
		c.sendDM(f)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UI:
		c.remote = f.Address.Source
		c.notifyUI(f)
		if ctrl.PollFinal {
			c.sendDM(f)
		}

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DISC:
		c.sendDM(f)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DM:
		// ignore

	default:
		if f.Address.Destination.CommandRepeat {
			c.sendDM(f)
		}
	}
}

func (c *Connection) handleAwaitingConnection(f frame.Frame) {
	ctrl := f.Control
	switch {
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.SABM:
		c.sendUA(f)
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.SABME:
		c.sendDM(f)
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DISC:
		c.sendDM(f)
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UI:
		c.notifyUI(f)
		if ctrl.PollFinal {
			c.sendDM(f)
		}
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DM:
		if ctrl.PollFinal {
			c.resetState(true)
			c.setState(Disconnected)
			c.notifyTerminal(nil)
		}
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UA:
		if ctrl.PollFinal {
			c.remote = f.Address.Source
			c.resetState(false)
			c.t3.Start()
			c.setState(Connected)
		}
	}
}

func (c *Connection) handleConnected(f frame.Frame) {
	ctrl := f.Control
	c.t3.Restart()

	switch {
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UI:
		c.notifyUI(f)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DISC:
		c.sendUA(f)
		c.resetState(true)
		c.setState(Disconnected)
		c.notifyTerminal(nil)

	case ctrl.Family == frame.UFrame && (ctrl.UVariant == frame.SABM || ctrl.UVariant == frame.SABME):
		c.sendUA(f)
		c.resetState(c.vs == c.va)
		c.t3.Start()
		c.setState(Connected)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UA:
		c.setState(AwaitingConnection)

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DM:
		c.resetState(true)
		c.setState(Disconnected)
		c.notifyTerminal(errors.New("session: peer sent DM"))

	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.FRMR:
		c.setState(AwaitingConnection)

	case ctrl.Family == frame.SFrame && ctrl.SVariant == frame.RR:
		c.peerBusy = false
		c.ackThrough(ctrl.RecvSeq)
		if c.State() != TimerRecovery || ctrl.PollFinal {
			c.setState(Connected)
		}

	case ctrl.Family == frame.SFrame && ctrl.SVariant == frame.RNR:
		c.peerBusy = true
		c.ackThrough(ctrl.RecvSeq)
		if c.State() == TimerRecovery && ctrl.PollFinal {
			c.setState(Connected)
		}

	case ctrl.Family == frame.SFrame && ctrl.SVariant == frame.REJ:
		if c.ackThrough(ctrl.RecvSeq) {
			c.requeueUnacked()
		}

	case ctrl.Family == frame.IFrame && ctrl.SendSeq == c.vr:
		if !c.ackThrough(ctrl.RecvSeq) {
			c.protocolViolation()
			return
		}
		c.notifyData(f.Info)
		c.vr = (c.vr + 1) & 0x7
		if !c.peerBusy {
			c.sendRR(f.Address.Response(), false)
		}

	case ctrl.Family == frame.IFrame:
		c.sendREJ(f.Address.Response())
	}
}

// requeueUnacked rebuilds the send queue from every I-frame between
// V(A) and V(S) for go-back-N retransmission after a REJ.
func (c *Connection) requeueUnacked() {
	var fragments [][]byte
	for seq := c.va; seq != c.vs; seq = (seq + 1) & 0x7 {
		if p, ok := c.unacked[seq]; ok {
			fragments = append(fragments, p.payload)
		}
	}
	c.vs = c.va
	c.unacked = make(map[uint8]pendingIFrame)
	c.sendQueue = append(fragments, c.sendQueue...)
}

func (c *Connection) protocolViolation() {
	c.enqueue(frame.Frame{
		Address: c.addressField(),
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.DM, PollFinal: true},
	}, PriorityControl)
	c.resetState(true)
	c.setState(Disconnected)
	c.notifyTerminal(fmt.Errorf("%w: N(R) outside [V(A), V(S)]", ErrProtocolViolation))
}

func (c *Connection) handleAwaitingRelease(f frame.Frame) {
	ctrl := f.Control
	switch {
	case ctrl.Family == frame.UFrame && (ctrl.UVariant == frame.SABM || ctrl.UVariant == frame.SABME):
		c.enqueue(c.respond(f, frame.DM, true), PriorityControl)
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DISC:
		c.sendUA(f)
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UI:
		c.notifyUI(f)
		if ctrl.PollFinal {
			c.enqueue(c.respond(f, frame.DM, true), PriorityControl)
		}
	case ctrl.Family == frame.SFrame:
		if ctrl.PollFinal {
			c.enqueue(c.respond(f, frame.DM, true), PriorityControl)
		}
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.UA:
		if ctrl.PollFinal {
			c.resetState(true)
			c.setState(Disconnected)
			c.notifyTerminal(nil)
		}
	case ctrl.Family == frame.UFrame && ctrl.UVariant == frame.DM:
		if ctrl.PollFinal {
			c.resetState(true)
			c.setState(Disconnected)
			c.notifyTerminal(nil)
		}
	}
}
