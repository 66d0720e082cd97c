package quic

import (
	"sync"

	"github.com/frostgate-labs/qtransport/internal/flowcontrol"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// windowUpdateQueue batches MAX_DATA/MAX_STREAM_DATA emission: streams and the connection mark
// themselves here when a read might have grown their window, and QueueAll (called once per
// outgoing packet) asks each marked controller for its actual current window update, skipping
// any that turn out to have nothing new to say.
type windowUpdateQueue struct {
	mutex sync.Mutex

	queue map[protocol.StreamID]flowcontrol.StreamFlowController

	connFlowController flowcontrol.ConnectionFlowController
	callback            func(wire.Frame)
}

func newWindowUpdateQueue(
	connFC flowcontrol.ConnectionFlowController,
	cb func(wire.Frame),
) *windowUpdateQueue {
	return &windowUpdateQueue{
		queue:               make(map[protocol.StreamID]flowcontrol.StreamFlowController),
		connFlowController:  connFC,
		callback:            cb,
	}
}

func (q *windowUpdateQueue) AddStream(id protocol.StreamID, fc flowcontrol.StreamFlowController) {
	q.mutex.Lock()
	q.queue[id] = fc
	q.mutex.Unlock()
}

func (q *windowUpdateQueue) RemoveStream(id protocol.StreamID) {
	q.mutex.Lock()
	delete(q.queue, id)
	q.mutex.Unlock()
}

func (q *windowUpdateQueue) QueueAll() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if offset := q.connFlowController.GetWindowUpdate(); offset > 0 {
		q.callback(&wire.MaxDataFrame{MaximumData: offset})
	}
	for id, fc := range q.queue {
		delete(q.queue, id)
		if offset := fc.GetWindowUpdate(); offset > 0 {
			q.callback(&wire.MaxStreamDataFrame{StreamID: id, MaximumStreamData: offset})
		}
	}
}
