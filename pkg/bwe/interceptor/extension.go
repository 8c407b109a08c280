package interceptor

import (
	"github.com/pion/interceptor"
)

// TransportCCURI is the transport-wide congestion control header extension.
// Its 16-bit sequence number is shared by every local stream so feedback
// can be matched to sent packets across SSRCs.
const TransportCCURI = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"

// FindExtensionID searches for an extension with the given URI in the list
// of negotiated RTP header extensions and returns its ID.
//
// Returns 0 if the extension is not found. Extension ID 0 is invalid per
// RFC 8285, so callers treat 0 as "extension not available".
func FindExtensionID(exts []interceptor.RTPHeaderExtension, uri string) uint8 {
	for _, ext := range exts {
		if ext.URI == uri {
			return uint8(ext.ID)
		}
	}
	return 0
}

// FindTransportCCID returns the negotiated transport-wide-cc extension ID,
// or 0.
func FindTransportCCID(exts []interceptor.RTPHeaderExtension) uint8 {
	return FindExtensionID(exts, TransportCCURI)
}
