package congestion

import "github.com/frostgate-labs/qtransport/internal/utils"

// NewController builds the connection's congestion controller. There is exactly one
// algorithm behind this package's Controller interface; callers that want a different one
// supply their own ControllerFactory to the connection engine rather than reaching into this
// package.
func NewController(rttStats *utils.RTTStats) Controller {
	return newRenoSender(rttStats)
}
