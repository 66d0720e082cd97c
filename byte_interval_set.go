package quic

import "github.com/frostgate-labs/qtransport/internal/protocol"

// byteInterval is a half-open byte range [Start, End) acknowledged on one stream's send side.
type byteInterval struct {
	Start, End protocol.ByteCount
}

// byteIntervalSet tracks a set of acknowledged half-open byte ranges on one stream's send side.
// Acks can arrive for any offset range, in any order, and can overlap a previously acked range
// when a retransmission of already-acked data is itself acked; Add merges all of that down to
// the minimal set of disjoint, Start-sorted intervals so CoversUpTo can cheaply answer "is
// everything below this offset accounted for".
type byteIntervalSet struct {
	ivs []byteInterval
}

func (s *byteIntervalSet) Add(start, end protocol.ByteCount) {
	if end <= start {
		return
	}
	niv := byteInterval{Start: start, End: end}
	out := make([]byteInterval, 0, len(s.ivs)+1)
	inserted := false
	for _, iv := range s.ivs {
		switch {
		case iv.End < niv.Start:
			out = append(out, iv)
		case iv.Start > niv.End:
			if !inserted {
				out = append(out, niv)
				inserted = true
			}
			out = append(out, iv)
		default: // overlaps or is adjacent to niv; fold into it and keep scanning
			if iv.Start < niv.Start {
				niv.Start = iv.Start
			}
			if iv.End > niv.End {
				niv.End = iv.End
			}
		}
	}
	if !inserted {
		out = append(out, niv)
	}
	s.ivs = out
}

// CoversUpTo reports whether every byte in [0, n) is accounted for by a single merged interval
// starting at offset 0.
func (s *byteIntervalSet) CoversUpTo(n protocol.ByteCount) bool {
	if n == 0 {
		return true
	}
	for _, iv := range s.ivs {
		if iv.Start <= 0 && iv.End >= n {
			return true
		}
	}
	return false
}
