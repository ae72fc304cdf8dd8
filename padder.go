package cmdbus

import "strconv"

// Padder encodes non-negative integers as fixed-width decimal strings so that
// string order equals numeric order
type Padder struct {
	width int
}

const (
	// MaxAggregateEvents is the largest MaxEvents an AggregateType may declare
	MaxAggregateEvents = 1_000_000

	maxVersionWidth = 6
	positionWidth   = 12
)

var positionPadder = &Padder{width: positionWidth}

// NewPadder returns a Padder wide enough for every value below max
func NewPadder(max int64) (*Padder, error) {
	if max < 1 {
		return nil, preconditionError("max events must be positive")
	}
	width := len(strconv.FormatInt(max-1, 10))
	if width > maxVersionWidth {
		return nil, preconditionError(
			"max events is higher than %d", MaxAggregateEvents,
		)
	}
	return &Padder{width: width}, nil
}

// Width returns the number of digits produced by Pad
func (p *Padder) Width() int {
	return p.width
}

// Pad encodes n. Negative values encode as the empty string, which sorts
// before every padded value
func (p *Padder) Pad(n int64) string {
	if n < 0 {
		return ""
	}
	s := strconv.FormatInt(n, 10)
	if len(s) >= p.width {
		return s
	}
	buf := make([]byte, p.width)
	pad := p.width - len(s)
	for i := range pad {
		buf[i] = '0'
	}
	copy(buf[pad:], s)
	return string(buf)
}

// PadPosition encodes a stream position for use as a document key
func PadPosition(pos int64) string {
	return positionPadder.Pad(pos)
}
