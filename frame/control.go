package frame

import "fmt"

// Modulo selects the sequence numbering scheme a control field uses.
// Only Mod8 is implemented; Mod128 frames are rejected up front since the
// extended two-byte control field is out of scope.
type Modulo uint8

const (
	Mod8 Modulo = iota
	Mod128
)

// Family identifies which of the three AX.25 control field shapes a byte
// decodes to.
type Family uint8

const (
	IFrame Family = iota
	SFrame
	UFrame
)

func (f Family) String() string {
	switch f {
	case IFrame:
		return "I"
	case SFrame:
		return "S"
	case UFrame:
		return "U"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// SVariant is the supervisory subtype of an S-frame.
type SVariant uint8

const (
	RR SVariant = iota
	RNR
	REJ
	SREJ
)

func (v SVariant) String() string {
	switch v {
	case RR:
		return "RR"
	case RNR:
		return "RNR"
	case REJ:
		return "REJ"
	case SREJ:
		return "SREJ"
	default:
		return fmt.Sprintf("svariant(%d)", uint8(v))
	}
}

// UVariant is the unnumbered subtype of a U-frame.
type UVariant uint8

const (
	SABM UVariant = iota
	SABME
	DISC
	DM
	UA
	FRMR
	UI
	XID
	TEST
)

func (v UVariant) String() string {
	switch v {
	case SABM:
		return "SABM"
	case SABME:
		return "SABME"
	case DISC:
		return "DISC"
	case DM:
		return "DM"
	case UA:
		return "UA"
	case FRMR:
		return "FRMR"
	case UI:
		return "UI"
	case XID:
		return "XID"
	case TEST:
		return "TEST"
	default:
		return fmt.Sprintf("uvariant(%d)", uint8(v))
	}
}

// uVariantCode is the masked byte (bits 7,6,5,3,2) each unnumbered type
// occupies, before the U-frame family bits (1,0) and poll/final (bit 4)
// are folded in.
var uVariantCode = map[UVariant]byte{
	SABM:  0x2C,
	SABME: 0x6C,
	DISC:  0x40,
	DM:    0x0C,
	UA:    0x60,
	FRMR:  0x84,
	UI:    0x00,
	XID:   0xAC,
	TEST:  0xE0,
}

var codeToUVariant = func() map[byte]UVariant {
	m := make(map[byte]UVariant, len(uVariantCode))
	for v, c := range uVariantCode {
		m[c] = v
	}
	return m
}()

// Control is a decoded AX.25 control field. Exactly one of the I/S/U
// field groups is meaningful, selected by Family.
type Control struct {
	Family Family

	// PollFinal is the P/F bit, valid for every family.
	PollFinal bool

	// SendSeq is V(S), valid only when Family == IFrame.
	SendSeq uint8
	// RecvSeq is V(R), valid when Family == IFrame or SFrame.
	RecvSeq uint8

	// SVariant is valid only when Family == SFrame.
	SVariant SVariant
	// UVariant is valid only when Family == UFrame.
	UVariant UVariant
}

// EncodeControl packs a Control into its modulo-8 wire byte.
func EncodeControl(c Control, modulo Modulo) (byte, error) {
	if modulo == Mod128 {
		return 0, ErrModulo128
	}

	var pf byte
	if c.PollFinal {
		pf = 1 << 4
	}

	switch c.Family {
	case IFrame:
		return (c.SendSeq&0x7)<<1 | pf | (c.RecvSeq&0x7)<<5, nil
	case SFrame:
		return 0x01 | byte(c.SVariant&0x3)<<2 | pf | (c.RecvSeq&0x7)<<5, nil
	case UFrame:
		code, ok := uVariantCode[c.UVariant]
		if !ok {
			return 0, ErrUnknownVariant
		}
		return code | 0x03 | pf, nil
	default:
		return 0, ErrControlFamily
	}
}

// DecodeControl unpacks a modulo-8 control byte.
func DecodeControl(b byte, modulo Modulo) (Control, error) {
	if modulo == Mod128 {
		return Control{}, ErrModulo128
	}

	pf := b&(1<<4) != 0

	switch {
	case b&0x01 == 0:
		return Control{
			Family:    IFrame,
			PollFinal: pf,
			SendSeq:   (b >> 1) & 0x7,
			RecvSeq:   (b >> 5) & 0x7,
		}, nil
	case b&0x03 == 0x01:
		return Control{
			Family:    SFrame,
			PollFinal: pf,
			SVariant:  SVariant((b >> 2) & 0x3),
			RecvSeq:   (b >> 5) & 0x7,
		}, nil
	case b&0x03 == 0x03:
		masked := b &^ 0x13 // clear bits 0, 1, 4
		v, ok := codeToUVariant[masked]
		if !ok {
			return Control{}, ErrUnknownVariant
		}
		return Control{
			Family:    UFrame,
			PollFinal: pf,
			UVariant:  v,
		}, nil
	default:
		return Control{}, ErrControlFamily
	}
}
