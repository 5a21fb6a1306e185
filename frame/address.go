package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is one AX.25 station identity: a callsign, an SSID, the two
// reserved bits (conventionally 1 on transmit), and the command/repeated
// bit whose meaning depends on which slot the address occupies in an
// AddressField (command/response on destination and source, "has been
// repeated" on a digipeater).
type Address struct {
	Callsign string
	SSID     uint8
	// Reserved holds the two bits above the SSID field. Every station
	// that does not implement the extensions these bits once reserved
	// for sets both, so NewAddress defaults them true.
	Reserved [2]bool
	// CommandRepeat is the C bit on destination/source addresses, or the
	// "has-been-repeated" bit on a digipeater address.
	CommandRepeat bool
}

// NewAddress validates callsign and ssid and returns an Address with both
// reserved bits set, matching default on-air behavior.
func NewAddress(callsign string, ssid uint8) (Address, error) {
	cs, err := normalizeCallsign(callsign)
	if err != nil {
		return Address{}, err
	}
	if ssid > 15 {
		return Address{}, ErrSSIDRange
	}
	return Address{Callsign: cs, SSID: ssid, Reserved: [2]bool{true, true}}, nil
}

func normalizeCallsign(callsign string) (string, error) {
	cs := strings.ToUpper(strings.TrimSpace(callsign))
	if len(cs) == 0 || len(cs) > 6 {
		return "", ErrCallsign
	}
	for _, r := range cs {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			return "", ErrCallsign
		}
	}
	return cs, nil
}

// Encode packs the address into its 7-byte wire representation with the
// address-extension bit (bit 0 of the last byte) left clear; AddressField
// sets it on whichever address is last in the field.
func (a Address) Encode() ([7]byte, error) {
	var out [7]byte
	cs, err := normalizeCallsign(a.Callsign)
	if err != nil {
		return out, err
	}
	if a.SSID > 15 {
		return out, ErrSSIDRange
	}

	padded := cs + strings.Repeat(" ", 6-len(cs))
	for i := 0; i < 6; i++ {
		out[i] = padded[i] << 1
	}

	last := a.SSID << 1
	if a.Reserved[0] {
		last |= 1 << 5
	}
	if a.Reserved[1] {
		last |= 1 << 6
	}
	if a.CommandRepeat {
		last |= 1 << 7
	}
	out[6] = last
	return out, nil
}

// DecodeAddress unpacks a 7-byte wire address. The address-extension bit
// is returned separately since it belongs to the field layout, not the
// station identity.
func DecodeAddress(b []byte) (addr Address, extension bool, err error) {
	if len(b) < 7 {
		return Address{}, false, ErrTruncated
	}

	var cs [6]byte
	for i := 0; i < 6; i++ {
		cs[i] = b[i] >> 1
	}
	callsign := strings.TrimRight(string(cs[:]), " ")

	last := b[6]
	addr = Address{
		Callsign:      callsign,
		SSID:          (last >> 1) & 0x0F,
		Reserved:      [2]bool{last&(1<<5) != 0, last&(1<<6) != 0},
		CommandRepeat: last&(1<<7) != 0,
	}
	extension = last&1 != 0
	return addr, extension, nil
}

// String renders "CALL-SSID", omitting "-0" and appending "*" for a
// digipeater address whose repeated bit is set, matching conventional
// AX.25 path notation.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(a.Callsign)
	if a.SSID != 0 {
		b.WriteByte('-')
		b.WriteString(strconv.Itoa(int(a.SSID)))
	}
	if a.CommandRepeat {
		b.WriteByte('*')
	}
	return b.String()
}

// ParseAddress parses "CALL", "CALL-SSID" or "CALL-SSID*" into an
// Address. The trailing "*" sets CommandRepeat, matching the notation
// String produces for a repeated digipeater hop.
func ParseAddress(s string) (Address, error) {
	repeated := strings.HasSuffix(s, "*")
	if repeated {
		s = s[:len(s)-1]
	}

	callsign := s
	ssid := uint8(0)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		callsign = s[:i]
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 0 || n > 15 {
			return Address{}, fmt.Errorf("frame: invalid SSID in %q: %w", s, ErrSSIDRange)
		}
		ssid = uint8(n)
	}

	addr, err := NewAddress(callsign, ssid)
	if err != nil {
		return Address{}, err
	}
	addr.CommandRepeat = repeated
	return addr, nil
}

// AddressField is the destination, source and optional digipeater path
// of a frame, in on-air order.
type AddressField struct {
	Destination Address
	Source      Address
	Path        []Address
}

// Marshal encodes the address field, setting the extension bit on the
// final address.
func (f AddressField) Marshal() ([]byte, error) {
	if len(f.Path) > 8 {
		return nil, ErrPathLength
	}

	all := make([]Address, 0, 2+len(f.Path))
	all = append(all, f.Destination, f.Source)
	all = append(all, f.Path...)

	out := make([]byte, 0, 7*len(all))
	for i, addr := range all {
		enc, err := addr.Encode()
		if err != nil {
			return nil, err
		}
		if i == len(all)-1 {
			enc[6] |= 1
		}
		out = append(out, enc[:]...)
	}
	return out, nil
}

// UnmarshalAddressField decodes an address field from the front of b,
// returning the field and the number of bytes consumed.
func UnmarshalAddressField(b []byte) (AddressField, int, error) {
	if len(b) < 14 {
		return AddressField{}, 0, ErrTruncated
	}

	dest, ext, err := DecodeAddress(b[0:7])
	if err != nil {
		return AddressField{}, 0, err
	}
	if ext {
		return AddressField{}, 0, fmt.Errorf("frame: %w: destination address set the extension bit", ErrTruncated)
	}

	src, ext, err := DecodeAddress(b[7:14])
	if err != nil {
		return AddressField{}, 0, err
	}

	field := AddressField{Destination: dest, Source: src}
	consumed := 14
	for !ext {
		if consumed+7 > len(b) {
			return AddressField{}, 0, ErrTruncated
		}
		if len(field.Path) == 8 {
			return AddressField{}, 0, ErrPathLength
		}
		var hop Address
		hop, ext, err = DecodeAddress(b[consumed : consumed+7])
		if err != nil {
			return AddressField{}, 0, err
		}
		field.Path = append(field.Path, hop)
		consumed += 7
	}
	return field, consumed, nil
}

// Response builds the address field for a reply to this field: source
// and destination swap, the path reverses so the first unused digipeater
// becomes next hop, and every digipeater's repeated bit is cleared since
// none of them have relayed the reply yet.
func (f AddressField) Response() AddressField {
	reversed := make([]Address, len(f.Path))
	for i, hop := range f.Path {
		hop.CommandRepeat = false
		reversed[len(f.Path)-1-i] = hop
	}

	dest := f.Source
	dest.CommandRepeat = false
	src := f.Destination
	src.CommandRepeat = true

	return AddressField{
		Destination: dest,
		Source:      src,
		Path:        reversed,
	}
}

// String renders the field as "DEST,SOURCE,PATH..." in conventional
// AX.25 path notation, e.g. "WIDE1-1,KD9JIK-2,KD9JIK-1*".
func (f AddressField) String() string {
	parts := make([]string, 0, 2+len(f.Path))
	parts = append(parts, f.Destination.String(), f.Source.String())
	for _, hop := range f.Path {
		parts = append(parts, hop.String())
	}
	return strings.Join(parts, ",")
}
