// Package scheduler implements the round-robin stream scheduler that decides, each time the
// connection engine has room in an outgoing packet, which stream gets to write next.
package scheduler

import (
	"container/list"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// buildIndexThreshold is the list size at which RoundRobin starts maintaining an id->element
// side table to make Erase O(1) instead of a linear scan.
const buildIndexThreshold = 30

// destroyIndexThreshold is the list size below which the side table is torn down again; the
// linear scan from the cursor is cheap enough at this size that the map isn't worth keeping.
const destroyIndexThreshold = 10

// advanceMode selects what consume counts against advanceAfter.
type advanceMode uint8

const (
	advanceByNexts advanceMode = iota
	advanceByBytes
)

// RoundRobin is a cyclic sequence of active stream ids with a cursor. Callers choose one of two
// advance modes: advance after a fixed number of GetNext calls, or after a fixed number of bytes
// consumed from the stream currently under the cursor. It is not safe for concurrent use, like
// the rest of the connection's per-connection state.
type RoundRobin struct {
	list List

	nextIt *list.Element
	index  map[protocol.StreamID]*list.Element

	mode         advanceMode
	advanceAfter uint64
	current      uint64
}

// List is the container/list wrapper RoundRobin drives; pulled out as its own type so its
// element bookkeeping (size, nextIt validity) is easy to reason about in isolation.
type List = list.List

// NewRoundRobin returns an empty scheduler in Nexts mode, advancing after every GetNext.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{advanceAfter: 1}
}

// AdvanceAfterNext switches to Nexts mode: the cursor advances after every n calls to Consume.
// Switching modes resets the current counter.
func (r *RoundRobin) AdvanceAfterNext(n uint64) {
	if r.mode == advanceByBytes {
		r.current = 0
	}
	r.mode = advanceByNexts
	r.advanceAfter = n
}

// AdvanceAfterBytes switches to Bytes mode: the cursor advances once at least b bytes have been
// consumed from the stream under the cursor. Switching modes resets the current counter.
func (r *RoundRobin) AdvanceAfterBytes(b uint64) {
	if r.mode == advanceByNexts {
		r.current = 0
	}
	r.mode = advanceByBytes
	r.advanceAfter = b
}

// Empty reports whether the scheduler has no active streams.
func (r *RoundRobin) Empty() bool { return r.list.Len() == 0 }

// Insert adds id at the current cursor position, so it services last in this cycle. The caller
// must never insert a duplicate; Insert does not check.
func (r *RoundRobin) Insert(id protocol.StreamID) {
	if !r.usingIndex() && r.list.Len() >= buildIndexThreshold {
		r.buildIndex()
	}
	var elem *list.Element
	if r.nextIt == nil {
		elem = r.list.PushBack(id)
	} else {
		elem = r.list.InsertBefore(id, r.nextIt)
	}
	if r.list.Len() == 1 {
		r.nextIt = r.list.Front()
	}
	if r.usingIndex() {
		r.index[id] = elem
	}
}

// Erase removes id if present, reporting whether it was found. Erasing the element under the
// cursor advances the cursor (wrapping to the front) and resets the current counter.
func (r *RoundRobin) Erase(id protocol.StreamID) bool {
	if r.list.Len() == 0 {
		return false
	}
	if r.usingIndex() {
		elem, ok := r.index[id]
		if !ok {
			return false
		}
		delete(r.index, id)
		r.eraseElement(elem)
		return true
	}

	if r.nextIt.Value.(protocol.StreamID) == id {
		r.eraseElement(r.nextIt)
		r.current = 0
		return true
	}
	// Search backwards from just before the cursor, then forwards from just after it: the most
	// likely erase target is adjacent to where the scheduler is currently working.
	for e := r.nextIt.Prev(); e != nil; e = e.Prev() {
		if e.Value.(protocol.StreamID) == id {
			r.eraseElement(e)
			return true
		}
	}
	for e := r.nextIt.Next(); e != nil; e = e.Next() {
		if e.Value.(protocol.StreamID) == id {
			r.eraseElement(e)
			return true
		}
	}
	return false
}

// GetNext returns the id under the cursor and then Consumes bytes against it. bytes is ignored
// in Nexts mode. Panics if the scheduler is empty; callers must check Empty first.
func (r *RoundRobin) GetNext(bytes uint64) protocol.StreamID {
	id := r.PeekNext()
	r.Consume(bytes)
	return id
}

// PeekNext returns the id under the cursor without consuming anything.
func (r *RoundRobin) PeekNext() protocol.StreamID {
	if r.nextIt == nil {
		panic("scheduler: PeekNext called on an empty RoundRobin")
	}
	return r.nextIt.Value.(protocol.StreamID)
}

// Consume charges bytes (Bytes mode) or one unit (Nexts mode) against the current stream,
// advancing the cursor once advanceAfter is reached.
func (r *RoundRobin) Consume(bytes uint64) {
	if r.mode == advanceByBytes {
		r.current += bytes
	} else {
		r.current++
	}
	r.maybeAdvance()
}

// Clear removes every stream and resets the cursor.
func (r *RoundRobin) Clear() {
	r.list.Init()
	r.index = nil
	r.nextIt = nil
	r.current = 0
}

func (r *RoundRobin) usingIndex() bool { return r.index != nil }

func (r *RoundRobin) buildIndex() {
	r.index = make(map[protocol.StreamID]*list.Element, r.list.Len())
	for e := r.list.Front(); e != nil; e = e.Next() {
		r.index[e.Value.(protocol.StreamID)] = e
	}
}

// eraseElement removes elem from the list, fixing up the cursor and the index side table.
func (r *RoundRobin) eraseElement(elem *list.Element) {
	if elem == r.nextIt {
		next := elem.Next()
		r.list.Remove(elem)
		if next == nil {
			next = r.list.Front()
		}
		r.nextIt = next
		r.current = 0
	} else {
		r.list.Remove(elem)
	}
	if r.usingIndex() && r.list.Len() < destroyIndexThreshold {
		r.index = nil
	}
}

func (r *RoundRobin) maybeAdvance() {
	if r.list.Len() == 0 {
		return
	}
	if r.current >= r.advanceAfter {
		next := r.nextIt.Next()
		if next == nil {
			next = r.list.Front()
		}
		r.nextIt = next
		r.current = 0
	}
}
