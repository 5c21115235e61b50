// Package hybrid selects the best transport for an endpoint by probing
// capabilities, scoring the candidates against caller requirements and
// falling back down the ranked list on transport failures.
package hybrid

import (
	"sort"

	"github.com/jocax/qollective/transport"
)

// Capabilities records what one protocol endpoint supports.
type Capabilities struct {
	SupportsEnvelopes     bool   `json:"supportsEnvelopes"`
	SupportsStreaming     bool   `json:"supportsStreaming"`
	SupportsBidirectional bool   `json:"supportsBidirectional"`
	SupportsMTLS          bool   `json:"supportsMtls"`
	ProtocolVersion       string `json:"protocolVersion,omitempty"`
}

// CapabilitySet maps each probed protocol to its capabilities.
type CapabilitySet map[transport.Protocol]Capabilities

// Requirements states what the caller needs from a transport.
type Requirements struct {
	RequiresEnvelopes  bool
	RequiresStreaming  bool
	PreferredProtocols []transport.Protocol
}

// DefaultPreference is the protocol order used when the caller states
// no preference.
var DefaultPreference = []transport.Protocol{
	transport.ProtocolNATS,
	transport.ProtocolGRPC,
	transport.ProtocolWS,
	transport.ProtocolREST,
}

// Rank orders the protocols in the set best-first for the given
// requirements. Protocols missing a hard requirement are excluded.
// Envelope support dominates the score; preference order breaks ties.
// Set members absent from the preference list rank last, so an
// unlisted protocol still serves as a final fallback.
func Rank(set CapabilitySet, req Requirements) []transport.Protocol {
	preference := req.PreferredProtocols
	if len(preference) == 0 {
		preference = DefaultPreference
	}

	type candidate struct {
		protocol transport.Protocol
		score    int
	}

	eligible := func(caps Capabilities) bool {
		if req.RequiresEnvelopes && !caps.SupportsEnvelopes {
			return false
		}
		if req.RequiresStreaming && !caps.SupportsStreaming {
			return false
		}
		return true
	}

	candidates := make([]candidate, 0, len(set))
	listed := make(map[transport.Protocol]bool, len(preference))
	for i, protocol := range preference {
		listed[protocol] = true
		caps, ok := set[protocol]
		if !ok || !eligible(caps) {
			continue
		}

		score := len(preference) - i
		if caps.SupportsEnvelopes {
			score += 100
		}
		candidates = append(candidates, candidate{protocol: protocol, score: score})
	}

	var unlisted []transport.Protocol
	for protocol, caps := range set {
		if !listed[protocol] && eligible(caps) {
			unlisted = append(unlisted, protocol)
		}
	}
	sort.Slice(unlisted, func(i, j int) bool { return unlisted[i] < unlisted[j] })
	for _, protocol := range unlisted {
		score := 0
		if set[protocol].SupportsEnvelopes {
			score += 100
		}
		candidates = append(candidates, candidate{protocol: protocol, score: score})
	}

	// Insertion sort keeps ties in preference order.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	ranked := make([]transport.Protocol, len(candidates))
	for i, c := range candidates {
		ranked[i] = c.protocol
	}
	return ranked
}
