package ackhandler

import (
	"container/list"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// interval is an inclusive range of packet numbers we've seen.
type interval struct {
	Start, End protocol.PacketNumber
}

// receivedPacketHistory tracks which packet numbers have been received, as a list of disjoint
// ranges ordered lowest-first. It's the data structure behind ACK frame generation: each range
// becomes one entry of wire.AckFrame.AckRanges (written out highest-first, per the wire format).
type receivedPacketHistory struct {
	ranges *list.List // of interval, ascending by Start

	deletedBelow protocol.PacketNumber
}

func newReceivedPacketHistory() *receivedPacketHistory {
	return &receivedPacketHistory{ranges: list.New()}
}

// ReceivedPacket records pn as received. It returns false if pn was already known, either
// because it falls inside an existing range or because it's below a range we've since deleted.
// Packets tend to arrive close to the highest packet number seen so far, so the search starts
// from the back (the highest range) and works down.
func (h *receivedPacketHistory) ReceivedPacket(pn protocol.PacketNumber) bool {
	if h.ranges.Len() == 0 {
		if pn < h.deletedBelow {
			return false
		}
		h.ranges.PushBack(interval{Start: pn, End: pn})
		return true
	}

	for el := h.ranges.Back(); el != nil; el = el.Prev() {
		r := el.Value.(interval)
		switch {
		case pn >= r.Start && pn <= r.End:
			return false // already known
		case pn == r.End+1:
			r.End = pn
			el.Value = r
			h.mergeWithNext(el)
			return true
		case pn == r.Start-1:
			r.Start = pn
			el.Value = r
			h.mergeWithPrev(el)
			return true
		case pn > r.End:
			h.ranges.InsertAfter(interval{Start: pn, End: pn}, el)
			h.capRanges()
			return true
		}
		// pn < r.Start: keep looking at lower (earlier) ranges
	}
	if pn < h.deletedBelow {
		return false
	}
	h.ranges.PushFront(interval{Start: pn, End: pn})
	h.capRanges()
	return true
}

// mergeWithNext absorbs el's successor (the next-higher range) into el if el's new End closed the gap.
func (h *receivedPacketHistory) mergeWithNext(el *list.Element) {
	next := el.Next()
	if next == nil {
		return
	}
	r := el.Value.(interval)
	nr := next.Value.(interval)
	if r.End+1 == nr.Start {
		r.End = nr.End
		el.Value = r
		h.ranges.Remove(next)
	}
}

// mergeWithPrev absorbs el's predecessor (the next-lower range) into el if el's new Start closed the gap.
func (h *receivedPacketHistory) mergeWithPrev(el *list.Element) {
	prev := el.Prev()
	if prev == nil {
		return
	}
	r := el.Value.(interval)
	pr := prev.Value.(interval)
	if pr.End+1 == r.Start {
		r.Start = pr.Start
		el.Value = r
		h.ranges.Remove(prev)
	}
}

// capRanges drops the lowest (oldest) range once we're tracking more than MaxNumAckRanges, to
// bound the size of outgoing ACK frames.
func (h *receivedPacketHistory) capRanges() {
	for h.ranges.Len() > protocol.MaxNumAckRanges {
		h.ranges.Remove(h.ranges.Front())
	}
}

// DeleteBelow drops all knowledge of packet numbers strictly below pn. Packets below pn are
// treated as potentially duplicate from then on, since we can no longer tell.
func (h *receivedPacketHistory) DeleteBelow(pn protocol.PacketNumber) {
	if pn > h.deletedBelow {
		h.deletedBelow = pn
	}
	for el := h.ranges.Front(); el != nil; {
		r := el.Value.(interval)
		next := el.Next()
		switch {
		case r.End < pn:
			h.ranges.Remove(el)
		case r.Start < pn:
			r.Start = pn
			el.Value = r
		}
		el = next
	}
}

// IsPotentiallyDuplicate reports whether pn might already have been received: either it falls
// in a range we're tracking, or it's below the point we've stopped tracking entirely.
func (h *receivedPacketHistory) IsPotentiallyDuplicate(pn protocol.PacketNumber) bool {
	if h.ranges.Len() > 0 {
		highest := h.ranges.Back().Value.(interval)
		if pn < highest.Start && pn < h.deletedBelow {
			return true
		}
	} else if pn < h.deletedBelow {
		return true
	}
	for el := h.ranges.Front(); el != nil; el = el.Next() {
		r := el.Value.(interval)
		if pn >= r.Start && pn <= r.End {
			return true
		}
	}
	return false
}

// GetHighestAckRange returns the highest (most recently extended) range, or the zero value if
// nothing is tracked yet.
func (h *receivedPacketHistory) GetHighestAckRange() wire.AckRange {
	if h.ranges.Len() == 0 {
		return wire.AckRange{}
	}
	r := h.ranges.Back().Value.(interval)
	return wire.AckRange{Smallest: r.Start, Largest: r.End}
}

// AppendAckRanges appends all tracked ranges, highest first (matching the wire format), to
// ackRanges and returns the result.
func (h *receivedPacketHistory) AppendAckRanges(ackRanges []wire.AckRange) []wire.AckRange {
	for el := h.ranges.Back(); el != nil; el = el.Prev() {
		r := el.Value.(interval)
		ackRanges = append(ackRanges, wire.AckRange{Smallest: r.Start, Largest: r.End})
	}
	return ackRanges
}
