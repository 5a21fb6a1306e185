package session

import (
	"hash/fnv"

	"github.com/rs/xid"

	"github.com/kd9jik/ax25link/frame"
)

// Identity is the Controller's lookup key for a Connection: a stable hash
// of (local, remote, transport, port). Two frames exchanged between the
// same pair of stations over the same transport and port resolve to the
// same Connection.
type Identity uint64

// NewIdentity hashes the tuple. transport distinguishes one physical or
// virtual link from another when a single process drives several.
func NewIdentity(local, remote frame.Address, transport xid.ID, port uint8) Identity {
	h := fnv.New64a()
	h.Write([]byte(local.Callsign))
	h.Write([]byte{local.SSID})
	h.Write([]byte(remote.Callsign))
	h.Write([]byte{remote.SSID})
	h.Write(transport.Bytes())
	h.Write([]byte{port})
	return Identity(h.Sum64())
}
