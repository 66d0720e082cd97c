package protocol

// Version is a QUIC version number, as sent on the wire.
type Version uint32

const (
	VersionUnknown Version = 0
	// Version1 is RFC 9000.
	Version1 Version = 0x1
	// Version2 is RFC 9369.
	Version2 Version = 0x6b3343cf
)

// SupportedVersions lists, in preference order, the versions this endpoint is willing to speak.
var SupportedVersions = []Version{Version1, Version2}

func (vn Version) String() string {
	switch vn {
	case VersionUnknown:
		return "unknown"
	case Version1:
		return "v1"
	case Version2:
		return "v2"
	default:
		return "unsupported"
	}
}

// IsSupportedVersion says if the server supports this version.
func IsSupportedVersion(supported []Version, v Version) bool {
	for _, t := range supported {
		if t == v {
			return true
		}
	}
	return false
}

// ChooseSupportedVersion finds the best version in the highest-priority order,
// or ok=false if no suitable version was found.
func ChooseSupportedVersion(ours, theirs []Version) (v Version, ok bool) {
	for _, ourVer := range ours {
		if IsSupportedVersion(theirs, ourVer) {
			return ourVer, true
		}
	}
	return VersionUnknown, false
}
