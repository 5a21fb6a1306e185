package session

import (
	"testing"

	"github.com/kd9jik/ax25link/frame"
)

func tagged(n int) frame.Frame {
	return frame.Frame{PID: frame.PID(n)}
}

func TestQueueDrainsHighestPriorityFirst(t *testing.T) {
	var q OutboundQueue
	q.Push(tagged(1), PriorityData)
	q.Push(tagged(2), PriorityControl)
	q.Push(tagged(3), PriorityData)

	out, ok := q.Pop()
	if !ok || out.Frame.PID != 2 {
		t.Fatalf("first pop = %+v, want the control-priority frame", out)
	}
}

func TestQueuePreservesFIFOWithinPriority(t *testing.T) {
	var q OutboundQueue
	q.Push(tagged(1), PriorityData)
	q.Push(tagged(2), PriorityData)
	q.Push(tagged(3), PriorityData)

	for i, want := range []int{1, 2, 3} {
		out, ok := q.Pop()
		if !ok || int(out.Frame.PID) != want {
			t.Fatalf("pop[%d] = %+v, want PID %d", i, out, want)
		}
	}
}

func TestQueuePopEmptyReportsFalse(t *testing.T) {
	var q OutboundQueue
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue reported ok = true")
	}
}

func TestQueueDrainFailsAllPending(t *testing.T) {
	var q OutboundQueue
	a := q.Push(tagged(1), PriorityData)
	b := q.Push(tagged(2), PriorityData)

	q.Drain(errClosed)

	for _, out := range []*Outbound{a, b} {
		select {
		case err := <-out.Done:
			if err != errClosed {
				t.Errorf("Done = %v, want errClosed", err)
			}
		default:
			t.Error("Done channel never received a value")
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Drain", q.Len())
	}
}
