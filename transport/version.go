package transport

import "encoding/binary"

// SupportedVersions lists the QUIC versions this module can speak,
// offered during version negotiation and compatible version upgrade.
var SupportedVersions = []uint32{quicVersion1}

// negotiateVersion picks the first mutually-supported version from a
// server's Version Negotiation packet, or 0 if none match.
func negotiateVersion(offered []uint32) uint32 {
	for _, v := range offered {
		if versionSupported(v) {
			return v
		}
	}
	return 0
}

// validateDowngradePrevention checks a server's version_information
// transport parameter against RFC 9368's downgrade-prevention rule: the
// client's originally offered version must appear in the server's
// available_versions list, and the list must contain no explicit zero
// entry (a reserved "greased" value of zero is used by some stacks to
// probe for version-agnostic middleboxes, but a literal zero inside
// available_versions signals a buggy or hostile peer and is fatal).
// Duplicate non-zero entries are tolerated: RFC 9000 does not forbid them
// and treating them as fatal would reject otherwise-compliant peers.
func validateDowngradePrevention(offeredVersion uint32, info *VersionInformation) error {
	if info == nil {
		return nil
	}
	seen := make(map[uint32]bool, len(info.AvailableVersions))
	found := false
	for _, v := range info.AvailableVersions {
		if v == 0 {
			return newError(VersionNegotiationError, "zero entry in available_versions")
		}
		if seen[v] {
			continue
		}
		seen[v] = true
		if v == offeredVersion {
			found = true
		}
	}
	if !found {
		return newError(VersionNegotiationError, "offered version not in available_versions")
	}
	return nil
}

// isCompatibleUpgrade reports whether a client may switch from `from` to
// `to` without a full Version Negotiation round trip, per the compatible
// version negotiation extension: both versions must be ones this module
// actually implements compatibly (today, only quic-v1 itself, since this
// module does not yet speak quic-v2).
func isCompatibleUpgrade(from, to uint32) bool {
	return from == quicVersion1 && to == quicVersion1
}

// encodeVersionInformation serializes the version_information transport
// parameter value (RFC 9368 Section 4): chosen_version followed by the
// available_versions list, each a 4-byte big-endian version number.
func encodeVersionInformation(vi *VersionInformation) []byte {
	out := make([]byte, 4, 4+4*len(vi.AvailableVersions))
	binary.BigEndian.PutUint32(out, vi.ChosenVersion)
	for _, v := range vi.AvailableVersions {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		out = append(out, b[:]...)
	}
	return out
}

// decodeVersionInformation parses a version_information transport
// parameter value, rejecting anything that isn't a whole number of
// 4-byte version entries with at least the chosen version present.
func decodeVersionInformation(b []byte) (*VersionInformation, error) {
	if len(b) < 4 || len(b)%4 != 0 {
		return nil, newError(TransportParameterError, "version information")
	}
	vi := &VersionInformation{ChosenVersion: binary.BigEndian.Uint32(b)}
	for i := 4; i < len(b); i += 4 {
		vi.AvailableVersions = append(vi.AvailableVersions, binary.BigEndian.Uint32(b[i:]))
	}
	return vi, nil
}
