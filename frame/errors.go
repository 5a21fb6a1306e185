package frame

import "errors"

// Error sentinels grouped by kind: decoding failures are malformed-frame,
// construction errors on caller-supplied values are invalid-argument, and
// requesting modulo-128 sequencing is not-supported.
var (
	// ErrCallsign signals a callsign that, once trimmed and upper-cased,
	// is empty, exceeds 6 characters, or holds anything but ASCII
	// letters and digits.
	ErrCallsign = errors.New("frame: callsign must be 1-6 uppercase alphanumeric characters")

	// ErrSSIDRange signals an SSID outside [0, 15].
	ErrSSIDRange = errors.New("frame: SSID out of range [0, 15]")

	// ErrPathLength signals a digipeater path longer than 8 entries.
	ErrPathLength = errors.New("frame: digipeater path exceeds 8 entries")

	// ErrModulo128 signals a request for the extended (modulo-128)
	// sequencing scheme, which this codec does not implement.
	ErrModulo128 = errors.New("frame: modulo-128 sequencing is not supported")

	// ErrTruncated signals a wire frame too short to hold its required
	// fields.
	ErrTruncated = errors.New("frame: truncated frame")

	// ErrControlFamily signals a control byte whose family bits do not
	// resolve to I, S or U.
	ErrControlFamily = errors.New("frame: unrecognized control field family")

	// ErrUnknownVariant signals a U-frame byte whose masked bits do not
	// match any known unnumbered type.
	ErrUnknownVariant = errors.New("frame: unrecognized unnumbered frame type")
)
