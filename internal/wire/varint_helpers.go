package wire

import (
	"bytes"

	"github.com/frostgate-labs/qtransport/internal/protocol"
	"github.com/frostgate-labs/qtransport/internal/quicvarint"
)

func writeVarInt(b *bytes.Buffer, v uint64) { quicvarint.Write(b, v) }

func varIntLen(v uint64) protocol.ByteCount { return protocol.ByteCount(quicvarint.Len(v)) }
