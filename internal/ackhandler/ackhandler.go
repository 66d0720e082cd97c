package ackhandler

import (
	"github.com/frostgate-labs/qtransport/internal/congestion"
	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/utils"
)

// NewAckHandler builds the matched pair of handlers a connection needs: a SentPacketHandler
// driving loss detection/PTO/congestion, and a ReceivedPacketHandler deciding when to ACK. The
// two are cross-wired so an incoming packet can reset the sender's address-validation state.
func NewAckHandler(
	initialPacketNumber protocol.PacketNumber,
	rttStats *utils.RTTStats,
	pers protocol.Perspective,
	controllerFactory congestion.ControllerFactory,
	logger utils.Logger,
	version protocol.Version,
) (SentPacketHandler, ReceivedPacketHandler) {
	sph := newSentPacketHandler(initialPacketNumber, rttStats, pers, controllerFactory, logger)
	return sph, newReceivedPacketHandler(sph, rttStats, logger, version)
}
