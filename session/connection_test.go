package session

import (
	"testing"

	"github.com/rs/xid"

	"github.com/kd9jik/ax25link/frame"
	"github.com/kd9jik/ax25link/timer"
)

func testAddresses(t *testing.T) (local, remote frame.Address) {
	t.Helper()
	local, err := frame.NewAddress("KD9JIK", 0)
	if err != nil {
		t.Fatal(err)
	}
	remote, err = frame.NewAddress("N0CALL", 1)
	if err != nil {
		t.Fatal(err)
	}
	return local, remote
}

func newTestConnection(t *testing.T, cfg Config) (*Connection, *[]frame.Frame) {
	t.Helper()
	local, remote := testAddresses(t)
	var sent []frame.Frame
	c := New(cfg, local, remote, xid.New(), 0, func(f frame.Frame) error {
		sent = append(sent, f)
		return nil
	}, nil)
	return c, &sent
}

func inboundFrom(remote, local frame.Address, ctrl frame.Control) frame.Frame {
	return frame.Frame{
		Address: frame.AddressField{Destination: local, Source: remote},
		Control: ctrl,
	}
}

func TestSABMHandshakeEntersConnected(t *testing.T) {
	c, sent := newTestConnection(t, Config{})
	_, remote := testAddresses(t)

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.UFrame, UVariant: frame.SABM, PollFinal: true})
	c.handleInbound(f)

	if c.State() != Connected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}
	if len(*sent) != 1 || (*sent)[0].Control.UVariant != frame.UA {
		t.Fatalf("sent = %+v, want a single UA", *sent)
	}
	if !(*sent)[0].Control.PollFinal {
		t.Errorf("UA poll/final = false, want true (echoes SABM's P bit)")
	}
	if c.t3.State().String() != "running" {
		t.Errorf("T3 state = %s, want running", c.t3.State())
	}
}

func TestSABMEAlwaysRefusedWithDM(t *testing.T) {
	c, sent := newTestConnection(t, Config{})
	_, remote := testAddresses(t)

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.UFrame, UVariant: frame.SABME, PollFinal: true})
	c.handleInbound(f)

	if c.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", c.State())
	}
	if len(*sent) != 1 || (*sent)[0].Control.UVariant != frame.DM {
		t.Fatalf("sent = %+v, want a single DM", *sent)
	}
}

func TestUIInDisconnectedDeliversAndRespondsToPoll(t *testing.T) {
	c, sent := newTestConnection(t, Config{})
	_, remote := testAddresses(t)

	var delivered []frame.Frame
	c.AddUIObserver(func(f frame.Frame) { delivered = append(delivered, f) })

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.UFrame, UVariant: frame.UI, PollFinal: true})
	f.PID = frame.PIDNoLayer3
	f.Info = []byte("hello")
	c.handleInbound(f)

	if len(delivered) != 1 {
		t.Fatalf("UI observer called %d times, want 1", len(delivered))
	}
	if len(*sent) != 1 || (*sent)[0].Control.UVariant != frame.DM {
		t.Fatalf("sent = %+v, want a DM reply to the poll", *sent)
	}
}

func connectedConnection(t *testing.T, cfg Config) (*Connection, frame.Address, *[]frame.Frame) {
	t.Helper()
	c, sent := newTestConnection(t, cfg)
	_, remote := testAddresses(t)
	c.remote = remote
	c.setState(Connected)
	c.t3.Start()
	return c, remote, sent
}

func TestInSequenceIFrameDeliversAndAcksWithRR(t *testing.T) {
	c, remote, sent := connectedConnection(t, Config{})

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.IFrame, SendSeq: 0, RecvSeq: 0})
	f.PID = frame.PIDNoLayer3
	f.Info = []byte("payload")

	var got []byte
	c.AddDataObserver(func(p []byte) { got = p })

	c.handleInbound(f)

	if string(got) != "payload" {
		t.Fatalf("data observer got %q, want payload", got)
	}
	if c.vr != 1 {
		t.Errorf("V(R) = %d, want 1", c.vr)
	}
	if len(*sent) != 1 || (*sent)[0].Control.Family != frame.SFrame || (*sent)[0].Control.SVariant != frame.RR {
		t.Fatalf("sent = %+v, want a single RR", *sent)
	}
}

func TestOutOfSequenceIFrameSendsREJ(t *testing.T) {
	c, remote, sent := connectedConnection(t, Config{})
	c.vr = 0

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.IFrame, SendSeq: 3, RecvSeq: 0})
	c.handleInbound(f)

	if len(*sent) != 1 || (*sent)[0].Control.SVariant != frame.REJ {
		t.Fatalf("sent = %+v, want a single REJ", *sent)
	}
	if c.vr != 0 {
		t.Errorf("V(R) = %d, want unchanged 0", c.vr)
	}
}

func TestWindowLimitsOutstandingIFrames(t *testing.T) {
	c, _, sent := connectedConnection(t, Config{WindowSize: 2})

	for i := 0; i < 5; i++ {
		if err := c.SendInformation([]byte{byte(i)}); err != nil {
			t.Fatalf("SendInformation: %v", err)
		}
	}
	// drain the request channel into the send queue the way Run would
	for len(c.sendReq) > 0 {
		c.sendQueue = append(c.sendQueue, <-c.sendReq)
	}
	c.pumpSendQueue()

	if len(*sent) != 2 {
		t.Fatalf("sent %d I-frames, want exactly WindowSize=2", len(*sent))
	}
	if len(c.sendQueue) != 3 {
		t.Fatalf("send queue has %d fragments left, want 3", len(c.sendQueue))
	}

	// acking the first frame opens room for exactly one more
	c.ackThrough(1)
	c.pumpSendQueue()
	if len(*sent) != 3 {
		t.Fatalf("sent %d I-frames after ack, want 3", len(*sent))
	}
}

func TestRREnablesResumedTransmission(t *testing.T) {
	c, remote, _ := connectedConnection(t, Config{WindowSize: 1})
	c.sendQueue = [][]byte{[]byte("a"), []byte("b")}
	c.pumpSendQueue()
	if seqDistance(c.va, c.vs) != 1 {
		t.Fatalf("V(S)-V(A) distance = %d, want 1 (window full)", seqDistance(c.va, c.vs))
	}

	rr := inboundFrom(remote, c.Local, frame.Control{Family: frame.SFrame, SVariant: frame.RR, RecvSeq: 1})
	c.handleInbound(rr)
	c.pumpSendQueue() // Run calls this after every dispatched inbound frame

	if c.va != 1 {
		t.Errorf("V(A) = %d, want 1", c.va)
	}
	if len(c.sendQueue) != 0 {
		t.Errorf("send queue = %v, want drained after window reopened", c.sendQueue)
	}
}

func TestT1RetryExhaustionResetsToDisconnected(t *testing.T) {
	c, _, sent := connectedConnection(t, Config{RetryCount: 2})
	c.sendQueue = [][]byte{[]byte("x")}
	c.pumpSendQueue()

	c.handleT1Expiry() // retry 1
	c.handleT1Expiry() // retry 2
	c.handleT1Expiry() // exhausted

	if c.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED after retries exhausted", c.State())
	}
	last := (*sent)[len(*sent)-1]
	if last.Control.UVariant != frame.DM {
		t.Errorf("last frame sent = %+v, want DM", last)
	}
}

func TestDisconnectGracefulAwaitsRelease(t *testing.T) {
	c, remote, sent := connectedConnection(t, Config{})
	c.handleDisconnectRequest(false)

	if c.State() != AwaitingRelease {
		t.Fatalf("state = %s, want AWAITING_RELEASE", c.State())
	}
	if len(*sent) != 1 || (*sent)[0].Control.UVariant != frame.DISC {
		t.Fatalf("sent = %+v, want a single DISC", *sent)
	}

	ua := inboundFrom(remote, c.Local, frame.Control{Family: frame.UFrame, UVariant: frame.UA, PollFinal: true})
	c.handleInbound(ua)
	if c.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED after UA", c.State())
	}
}

func TestDisconnectAbortIsImmediate(t *testing.T) {
	c, _, sent := connectedConnection(t, Config{})
	c.handleDisconnectRequest(true)

	if c.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", c.State())
	}
	if len(*sent) != 1 || (*sent)[0].Control.UVariant != frame.DISC {
		t.Fatalf("sent = %+v, want a single DISC", *sent)
	}
}

func TestTimerRecoveryResolvesOnPolledRR(t *testing.T) {
	c, remote, _ := connectedConnection(t, Config{})
	c.setState(TimerRecovery)

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.SFrame, SVariant: frame.RR, RecvSeq: 0, PollFinal: true})
	c.handleInbound(f)

	if c.State() != Connected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}
}

func TestTimerRecoveryResolvesOnPolledRNR(t *testing.T) {
	c, remote, _ := connectedConnection(t, Config{})
	c.setState(TimerRecovery)

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.SFrame, SVariant: frame.RNR, RecvSeq: 0, PollFinal: true})
	c.handleInbound(f)

	if c.State() != Connected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}
}

func TestTimerRecoveryIgnoresUnpolledFrames(t *testing.T) {
	c, remote, _ := connectedConnection(t, Config{})
	c.setState(TimerRecovery)

	f := inboundFrom(remote, c.Local, frame.Control{Family: frame.SFrame, SVariant: frame.RR, RecvSeq: 0})
	c.handleInbound(f)

	if c.State() != TimerRecovery {
		t.Fatalf("state = %s, want TIMER_RECOVERY unchanged by an unpolled RR", c.State())
	}
}

func TestT3ExpiryStartsT1ForPollRetry(t *testing.T) {
	c, _, sent := connectedConnection(t, Config{RetryCount: 2})

	c.handleT3Expiry()
	if c.State() != TimerRecovery {
		t.Fatalf("state = %s, want TIMER_RECOVERY", c.State())
	}
	if c.t1.State() != timer.Running {
		t.Fatal("T1 not started after T3 expiry, TIMER_RECOVERY's RR poll would never retry or time out")
	}

	c.handleT1Expiry() // retry 1
	c.handleT1Expiry() // retry 2
	c.handleT1Expiry() // exhausted

	if c.State() != Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED after poll retries exhausted", c.State())
	}
	last := (*sent)[len(*sent)-1]
	if last.Control.UVariant != frame.DM {
		t.Errorf("last frame sent = %+v, want DM", last)
	}
}
