package frame

import "fmt"

// PID identifies the layer-3 protocol carried in an I-frame or UI-frame's
// information field. The set is closed: these are the values AX.25 v2.x
// reserves, not an open registry.
type PID uint8

const (
	PIDNone            PID = 0x00
	PIDISO8208         PID = 0x01
	PIDTCPCompressed   PID = 0x06
	PIDTCPUncompressed PID = 0x07
	PIDFragment        PID = 0x08
	PIDTexnet          PID = 0xC3
	PIDLQP             PID = 0xC4
	PIDAppleTalk       PID = 0xCA
	PIDAppleTalkARP    PID = 0xCB
	PIDARPAIP          PID = 0xCC
	PIDARPAAddr        PID = 0xCD
	PIDFlexNet         PID = 0xCE
	PIDNetRom          PID = 0xCF
	PIDNoLayer3        PID = 0xF0
	PIDEscape          PID = 0xFF
)

// String names the PID, falling back to its numeric form for a value
// outside the closed set.
func (p PID) String() string {
	switch p {
	case PIDNone:
		return "NONE"
	case PIDISO8208:
		return "ISO_8208"
	case PIDTCPCompressed:
		return "TCP_COMPRESSED"
	case PIDTCPUncompressed:
		return "TCP_UNCOMPRESSED"
	case PIDFragment:
		return "FRAGMENT"
	case PIDTexnet:
		return "TEXNET"
	case PIDLQP:
		return "LQP"
	case PIDAppleTalk:
		return "APPLETALK"
	case PIDAppleTalkARP:
		return "APPLETALK_ARP"
	case PIDARPAIP:
		return "ARPA_IP"
	case PIDARPAAddr:
		return "ARPA_ADDR"
	case PIDFlexNet:
		return "FLEXNET"
	case PIDNetRom:
		return "NETROM"
	case PIDNoLayer3:
		return "NO_LAYER_3"
	case PIDEscape:
		return "ESCAPE"
	default:
		return fmt.Sprintf("pid(%#02x)", uint8(p))
	}
}
