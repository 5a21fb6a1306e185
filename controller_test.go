package ax25link

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"

	"github.com/kd9jik/ax25link/frame"
	"github.com/kd9jik/ax25link/kiss"
	"github.com/kd9jik/ax25link/session"
)

type recordingWriter struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (w *recordingWriter) WriteKISS(b []byte) error {
	kfs := kiss.DecodeAll(b, nil)
	for _, kf := range kfs {
		f, err := frame.Unmarshal(kf.Data)
		if err != nil {
			continue
		}
		w.mu.Lock()
		w.frames = append(w.frames, f)
		w.mu.Unlock()
	}
	return nil
}

func (w *recordingWriter) last() (frame.Frame, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return frame.Frame{}, false
	}
	return w.frames[len(w.frames)-1], true
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func kissEncode(t *testing.T, f frame.Frame, port uint8) []byte {
	t.Helper()
	raw, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	kf, err := kiss.New(port, kiss.DataFrame, raw)
	if err != nil {
		t.Fatalf("kiss.New: %v", err)
	}
	b, err := kf.Marshal()
	if err != nil {
		t.Fatalf("kiss Marshal: %v", err)
	}
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestRoutingCreatesConnectionOnListenerMatch(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	remote, _ := frame.NewAddress("N0CALL", 1)

	c := NewController(session.Config{})
	var accepted *session.Connection
	var acceptedMu sync.Mutex
	if err := c.AddListener(local, func(conn *session.Connection) {
		acceptedMu.Lock()
		accepted = conn
		acceptedMu.Unlock()
	}); err != nil {
		t.Fatalf("AddListener: %v", err)
	}

	w := &recordingWriter{}
	transport := c.AddClient(w)
	c.Start()
	defer c.Stop(true)

	sabm := frame.Frame{
		Address: frame.AddressField{Destination: local, Source: remote},
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.SABM, PollFinal: true},
	}
	if err := c.Receive(transport, kissEncode(t, sabm, 0)); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	acceptedMu.Lock()
	got := accepted
	acceptedMu.Unlock()
	if got == nil {
		t.Fatal("accept callback was never invoked")
	}
	if got.State() != session.Connected {
		t.Fatalf("connection state = %s, want CONNECTED", got.State())
	}

	waitFor(t, func() bool { return w.count() == 1 })
	last, _ := w.last()
	if last.Control.Family != frame.UFrame || last.Control.UVariant != frame.UA {
		t.Fatalf("written frame = %+v, want a UA", last)
	}
}

func TestUIBroadcastNotifiesObserversAndRepliesOnPoll(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	remote, _ := frame.NewAddress("N0CALL", 1)

	c := NewController(session.Config{})
	var seen []frame.Frame
	var seenMu sync.Mutex
	c.AddUIObserver(func(f frame.Frame, transport xid.ID, port uint8) {
		seenMu.Lock()
		seen = append(seen, f)
		seenMu.Unlock()
	})

	w := &recordingWriter{}
	transport := c.AddClient(w)
	c.Start()
	defer c.Stop(true)

	ui := frame.Frame{
		Address: frame.AddressField{Destination: local, Source: remote},
		Control: frame.Control{Family: frame.UFrame, UVariant: frame.UI, PollFinal: true},
		PID:     frame.PIDNoLayer3,
		Info:    []byte("hello"),
	}

	if err := c.Receive(transport, kissEncode(t, ui, 0)); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	waitFor(t, func() bool { return w.count() == 1 })
	last, _ := w.last()
	if last.Control.UVariant != frame.DM {
		t.Fatalf("written frame = %+v, want a DM reply to the poll", last)
	}

	seenMu.Lock()
	n := len(seen)
	seenMu.Unlock()
	if n != 1 {
		t.Fatalf("observer saw %d frames, want 1", n)
	}
}

func TestUnmatchedFrameIsDropped(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	remote, _ := frame.NewAddress("N0CALL", 1)

	c := NewController(session.Config{})
	w := &recordingWriter{}
	transport := c.AddClient(w)
	c.Start()
	defer c.Stop(true)

	rr := frame.Frame{
		Address: frame.AddressField{Destination: local, Source: remote},
		Control: frame.Control{Family: frame.SFrame, SVariant: frame.RR, RecvSeq: 0},
	}
	if err := c.Receive(transport, kissEncode(t, rr, 0)); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("write count = %d, want 0 for a dropped frame", w.count())
	}
}

func TestSendUIFrameReachesWriter(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	remote, _ := frame.NewAddress("N0CALL", 1)

	c := NewController(session.Config{})
	w := &recordingWriter{}
	transport := c.AddClient(w)
	c.Start()
	defer c.Stop(true)

	if err := c.SendUIFrame(local, remote, []byte("cq cq"), transport, 0, session.PriorityData, nil, false); err != nil {
		t.Fatalf("SendUIFrame: %v", err)
	}

	waitFor(t, func() bool { return w.count() == 1 })
	last, _ := w.last()
	if last.Control.UVariant != frame.UI || last.PID != frame.PIDNone {
		t.Fatalf("written frame = %+v, want UI with PID NONE", last)
	}
	if string(last.Info) != "cq cq" {
		t.Fatalf("payload = %q, want %q", last.Info, "cq cq")
	}
}

func TestAddListenerRejectsDuplicate(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	c := NewController(session.Config{})
	if err := c.AddListener(local, nil); err != nil {
		t.Fatalf("first AddListener: %v", err)
	}
	if err := c.AddListener(local, nil); err == nil {
		t.Fatal("second AddListener on the same address did not error")
	}
}
