package session

import (
	"testing"

	"github.com/rs/xid"

	"github.com/kd9jik/ax25link/frame"
)

func TestIdentityStableAndDistinct(t *testing.T) {
	local, _ := frame.NewAddress("KD9JIK", 0)
	remote, _ := frame.NewAddress("N0CALL", 1)
	transport := xid.New()

	a := NewIdentity(local, remote, transport, 0)
	b := NewIdentity(local, remote, transport, 0)
	if a != b {
		t.Errorf("NewIdentity not stable: %v != %v", a, b)
	}

	c := NewIdentity(local, remote, transport, 1)
	if a == c {
		t.Errorf("identities for different ports collided: %v", a)
	}

	other, _ := frame.NewAddress("N0CALL", 2)
	d := NewIdentity(local, other, transport, 0)
	if a == d {
		t.Errorf("identities for different remote SSIDs collided: %v", a)
	}
}
