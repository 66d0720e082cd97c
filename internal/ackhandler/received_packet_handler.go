package ackhandler

import (
	"time"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
	"github.com/frostgate-labs/qtransport/internal/wire"
)

// receivedPacketHandler dispatches to one receivedPacketTracker per packet number space: packets
// in different spaces are acknowledged independently, since Initial and Handshake ACKs stop
// mattering (and get dropped) well before the connection is done receiving AppData packets.
type receivedPacketHandler struct {
	initial   *receivedPacketTracker
	handshake *receivedPacketTracker
	appData   *receivedPacketTracker

	sentPacketHandler sentPacketTracker
}

var _ ReceivedPacketHandler = &receivedPacketHandler{}

func newReceivedPacketHandler(sph sentPacketTracker, rttStats *utils.RTTStats, logger utils.Logger, version protocol.Version) ReceivedPacketHandler {
	return &receivedPacketHandler{
		initial:           newReceivedPacketTracker(rttStats, logger, version),
		handshake:         newReceivedPacketTracker(rttStats, logger, version),
		appData:           newReceivedPacketTracker(rttStats, logger, version),
		sentPacketHandler: sph,
	}
}

func (h *receivedPacketHandler) getTracker(encLevel protocol.EncryptionLevel) *receivedPacketTracker {
	switch encLevel {
	case protocol.EncryptionInitial:
		return h.initial
	case protocol.EncryptionHandshake:
		return h.handshake
	case protocol.Encryption0RTT, protocol.Encryption1RTT:
		return h.appData
	default:
		panic("received packet with unexpected encryption level")
	}
}

func (h *receivedPacketHandler) IsPotentiallyDuplicate(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) bool {
	return h.getTracker(encLevel).IsPotentiallyDuplicate(pn)
}

func (h *receivedPacketHandler) ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, rcvTime time.Time, shouldInstigateAck bool) error {
	h.getTracker(encLevel).ReceivedPacket(pn, rcvTime, shouldInstigateAck)
	if encLevel == protocol.EncryptionHandshake || encLevel == protocol.Encryption1RTT {
		h.sentPacketHandler.ReceivedPacket(encLevel)
	}
	return nil
}

// DropPackets is called once a packet number space is retired: Initial state is dropped when the
// Handshake keys are installed, Handshake state once the handshake is confirmed.
func (h *receivedPacketHandler) DropPackets(encLevel protocol.EncryptionLevel) {
	switch encLevel {
	case protocol.EncryptionInitial:
		h.initial = nil
	case protocol.EncryptionHandshake:
		h.handshake = nil
	}
}

// GetAlarmTimeout returns the earliest ACK alarm across all still-active spaces.
func (h *receivedPacketHandler) GetAlarmTimeout() time.Time {
	var deadline time.Time
	for _, t := range []*receivedPacketTracker{h.initial, h.handshake, h.appData} {
		if t == nil {
			continue
		}
		at := t.GetAlarmTimeout()
		if at.IsZero() {
			continue
		}
		if deadline.IsZero() || at.Before(deadline) {
			deadline = at
		}
	}
	return deadline
}

func (h *receivedPacketHandler) GetAckFrame(encLevel protocol.EncryptionLevel, dequeue bool) *wire.AckFrame {
	tracker := h.getTracker(encLevel)
	if tracker == nil {
		return nil
	}
	return tracker.GetAckFrame(dequeue)
}
