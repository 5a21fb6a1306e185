package frame

import "fmt"

// Frame is a complete decoded AX.25 frame: address field, control field,
// and, for I- and UI-frames only, a protocol identifier and information
// payload.
type Frame struct {
	Address AddressField
	Control Control
	// PID and Info are meaningful only when Control.Family == IFrame, or
	// Control.Family == UFrame with Control.UVariant == UI. Unmarshal
	// leaves both zero for every other frame.
	PID  PID
	Info []byte
}

func carriesPID(c Control) bool {
	return c.Family == IFrame || (c.Family == UFrame && c.UVariant == UI)
}

// Marshal encodes the frame: address field, control byte, PID (if
// carried), then the information payload.
func (f Frame) Marshal() ([]byte, error) {
	addrBytes, err := f.Address.Marshal()
	if err != nil {
		return nil, err
	}
	ctrlByte, err := EncodeControl(f.Control, Mod8)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(addrBytes)+2+len(f.Info))
	out = append(out, addrBytes...)
	out = append(out, ctrlByte)
	if carriesPID(f.Control) {
		out = append(out, byte(f.PID))
		out = append(out, f.Info...)
	} else if len(f.Info) > 0 {
		return nil, fmt.Errorf("frame: %w: information field on a frame type that must not carry one", ErrControlFamily)
	}
	return out, nil
}

// Unmarshal decodes a complete wire frame.
func Unmarshal(b []byte) (Frame, error) {
	addr, consumed, err := UnmarshalAddressField(b)
	if err != nil {
		return Frame{}, err
	}
	if consumed >= len(b) {
		return Frame{}, ErrTruncated
	}

	ctrl, err := DecodeControl(b[consumed], Mod8)
	if err != nil {
		return Frame{}, err
	}
	consumed++

	f := Frame{Address: addr, Control: ctrl}
	if carriesPID(ctrl) {
		if consumed >= len(b) {
			return Frame{}, ErrTruncated
		}
		f.PID = PID(b[consumed])
		consumed++
		f.Info = append([]byte(nil), b[consumed:]...)
	}
	return f, nil
}

// String renders a short diagnostic summary, e.g.
// "TQ0YVW < WB7GR-9* via N7JJY-8*,W0UPS-15*,WIDE2* U(UI) p/f=false pid=NO_LAYER_3 len=54".
func (f Frame) String() string {
	s := fmt.Sprintf("%s < %s", f.Address.Destination, f.Address.Source)
	if len(f.Address.Path) > 0 {
		s += " via "
		for i, hop := range f.Address.Path {
			if i > 0 {
				s += ","
			}
			s += hop.String()
		}
	}
	switch f.Control.Family {
	case IFrame:
		s += fmt.Sprintf(" I N(S)=%d N(R)=%d p=%v", f.Control.SendSeq, f.Control.RecvSeq, f.Control.PollFinal)
	case SFrame:
		s += fmt.Sprintf(" S(%s) N(R)=%d p/f=%v", f.Control.SVariant, f.Control.RecvSeq, f.Control.PollFinal)
	case UFrame:
		s += fmt.Sprintf(" U(%s) p/f=%v", f.Control.UVariant, f.Control.PollFinal)
	}
	if carriesPID(f.Control) {
		s += fmt.Sprintf(" pid=%s len=%d", f.PID, len(f.Info))
	}
	return s
}
