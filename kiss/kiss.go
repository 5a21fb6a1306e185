// Package kiss implements the "Keep It Simple, Stupid" framing used
// between a host and a TNC: byte-stuffed frames carrying an opaque data
// field, a per-frame command code and a TNC port number.
//
// Frames are delimited by FEND and byte-stuffed with FESC, with no
// checksum: a start/end marker scheme rather than fixed or length-prefixed
// fields, so the decoder has to scan for delimiters and tolerate frames
// split across reads.
package kiss

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Frame delimiter and escape octets, section 1 of the KISS protocol note.
const (
	FEND  byte = 0xC0
	FESC  byte = 0xDB
	TFEND byte = 0xDC
	TFESC byte = 0xDD
)

// Command is the low nibble of a KISS frame's type byte.
type Command uint8

// The eight TNC command codes a host may exchange with a KISS TNC.
const (
	DataFrame   Command = 0x00
	TXDelay     Command = 0x01
	Persistence Command = 0x02
	SlotTime    Command = 0x03
	TXTail      Command = 0x04
	FullDuplex  Command = 0x05
	SetHardware Command = 0x06
	Return      Command = 0xFF
)

// String names the command.
func (c Command) String() string {
	switch c {
	case DataFrame:
		return "DATA_FRAME"
	case TXDelay:
		return "TX_DELAY"
	case Persistence:
		return "PERSISTENCE"
	case SlotTime:
		return "SLOT_TIME"
	case TXTail:
		return "TX_TAIL"
	case FullDuplex:
		return "FULL_DUPLEX"
	case SetHardware:
		return "SET_HARDWARE"
	case Return:
		return "RETURN"
	default:
		return fmt.Sprintf("command(%#02x)", uint8(c))
	}
}

func (c Command) valid() bool {
	switch c {
	case DataFrame, TXDelay, Persistence, SlotTime, TXTail, FullDuplex, SetHardware, Return:
		return true
	default:
		return false
	}
}

// ErrInvalidPort signals a TNC port outside [0, 15].
var ErrInvalidPort = errors.New("kiss: port out of range [0, 15]")

// ErrInvalidCommand signals an unrecognized command nibble.
var ErrInvalidCommand = errors.New("kiss: unrecognized command code")

// ErrMalformed signals a frame whose content could not be decoded, e.g. a
// truncated type byte.
var ErrMalformed = errors.New("kiss: malformed frame")

// Frame is a single decoded KISS datagram.
type Frame struct {
	Port    uint8
	Command Command
	Data    []byte
}

// New validates and builds a Frame for encoding.
func New(port uint8, command Command, data []byte) (Frame, error) {
	if port > 15 {
		return Frame{}, ErrInvalidPort
	}
	if !command.valid() {
		return Frame{}, ErrInvalidCommand
	}
	return Frame{Port: port, Command: command, Data: data}, nil
}

// Marshal encodes the frame as FEND || escape(type-byte) || escape(data)… || FEND.
func (f Frame) Marshal() ([]byte, error) {
	if f.Port > 15 {
		return nil, ErrInvalidPort
	}
	if !f.Command.valid() {
		return nil, ErrInvalidCommand
	}

	var typeByte byte
	if f.Command == Return {
		typeByte = 0xFF
	} else {
		typeByte = f.Port<<4 | uint8(f.Command)
	}

	buf := make([]byte, 0, len(f.Data)+4)
	buf = append(buf, FEND)
	buf = appendEscaped(buf, typeByte)
	for _, b := range f.Data {
		buf = appendEscaped(buf, b)
	}
	buf = append(buf, FEND)
	return buf, nil
}

func appendEscaped(buf []byte, b byte) []byte {
	switch b {
	case FEND:
		return append(buf, FESC, TFEND)
	case FESC:
		return append(buf, FESC, TFESC)
	default:
		return append(buf, b)
	}
}

// unescape reverses byte stuffing. Malformed escapes — a dangling FESC at
// the end of the token, or an FESC followed by anything other than TFEND
// or TFESC — pass through as the raw following byte, per the decode
// contract.
func unescape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != FESC {
			out = append(out, b)
			continue
		}
		if i+1 >= len(raw) {
			// dangling escape: nothing follows, drop it silently
			break
		}
		switch raw[i+1] {
		case TFEND:
			out = append(out, FEND)
			i++
		case TFESC:
			out = append(out, FESC)
			i++
		default:
			out = append(out, raw[i+1])
			i++
		}
	}
	return out
}

func decodeToken(token []byte) (Frame, error) {
	if len(token) == 0 {
		return Frame{}, ErrMalformed
	}

	// The type byte itself is never FEND (it terminates the token) but
	// may have been escaped, so unescape before inspecting it.
	plain := unescape(token)
	if len(plain) == 0 {
		return Frame{}, ErrMalformed
	}

	typeByte := plain[0]
	if typeByte&0x0F == 0x0F {
		// RETURN, regardless of the upper (port) nibble.
		return Frame{Port: 0, Command: Return}, nil
	}

	cmd := Command(typeByte & 0x0F)
	if !cmd.valid() {
		return Frame{}, ErrInvalidCommand
	}
	port := typeByte >> 4

	return Frame{Port: port, Command: cmd, Data: plain[1:]}, nil
}

// Decoder splits an inbound byte stream into KISS frames, tolerating
// frames split across multiple Feed calls, empty runs between FENDs, and
// leading/trailing noise.
type Decoder struct {
	buf []byte
	log logrus.FieldLogger
}

// NewDecoder returns a Decoder that logs malformed frames to log. A nil
// logger falls back to logrus's standard logger.
func NewDecoder(log logrus.FieldLogger) *Decoder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Decoder{log: log}
}

// Feed appends p to the decoder's buffer and returns every complete frame
// now available. Malformed frames are logged and dropped; the stream
// continues uninterrupted per the KISS/AX.25 error propagation policy.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		start := bytes.IndexByte(d.buf, FEND)
		if start == -1 {
			// no frame start in the buffer at all: discard noise
			d.buf = d.buf[:0]
			break
		}

		rest := d.buf[start+1:]
		end := bytes.IndexByte(rest, FEND)
		if end == -1 {
			// incomplete frame: retain from the opening FEND onward
			d.buf = d.buf[start:]
			break
		}

		token := rest[:end]
		// rest[end] is the FEND that both closes this frame and may
		// open the next one; keep it as the new buffer head.
		d.buf = rest[end:]

		if len(token) == 0 {
			continue // empty run between FENDs
		}

		frame, err := decodeToken(token)
		if err != nil {
			d.log.WithError(err).WithField("bytes", fmt.Sprintf("%x", token)).
				Warn("kiss: dropping malformed frame")
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// DecodeAll is a convenience wrapper around Decoder for callers that
// already have the full byte stream buffered, e.g. fixtures and tests.
func DecodeAll(data []byte, log logrus.FieldLogger) []Frame {
	return NewDecoder(log).Feed(data)
}
