package quic

import (
	"sync"
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
)

// closedHandlerDeleteTimeout bounds how long a closedLocalConn/closedRemoteConn stand-in stays
// registered after a connection closes, to catch packets the peer had already sent before it
// saw CONNECTION_CLOSE; entries are then dropped for good.
const closedHandlerDeleteTimeout = 5 * time.Second

// packetHandlerMap demultiplexes incoming datagrams by destination connection ID to the
// packetHandler responsible for them: a live connection engine while the handshake and data
// transfer are ongoing, or a closedLocalConn/closedRemoteConn stand-in once it has closed.
type packetHandlerMap struct {
	mutex sync.RWMutex

	handlers map[string]packetHandler
	closed   bool
}

func newPacketHandlerMap() *packetHandlerMap {
	return &packetHandlerMap{handlers: make(map[string]packetHandler)}
}

func (h *packetHandlerMap) Get(id protocol.ConnectionID) (packetHandler, bool) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	handler, ok := h.handlers[string(id)]
	return handler, ok
}

func (h *packetHandlerMap) Add(id protocol.ConnectionID, handler packetHandler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.handlers[string(id)] = handler
}

// Replace swaps the handler for id to a closed stand-in, deleting the entry entirely after a
// grace period so reordered trailing packets still land somewhere other than a demux miss.
func (h *packetHandlerMap) Replace(id protocol.ConnectionID, handler packetHandler) {
	h.mutex.Lock()
	h.handlers[string(id)] = handler
	h.mutex.Unlock()

	time.AfterFunc(closedHandlerDeleteTimeout, func() {
		h.mutex.Lock()
		delete(h.handlers, string(id))
		h.mutex.Unlock()
	})
}

func (h *packetHandlerMap) Remove(id protocol.ConnectionID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.handlers, string(id))
}

func (h *packetHandlerMap) CloseServer() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, handler := range h.handlers {
		handler.destroy(ErrConnectionClosed)
	}
}
