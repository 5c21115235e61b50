// Package discovery publishes and queries the tool catalog of running
// services over the well-known discovery subjects. The client caches
// per-service catalogs with stampede protection; the responder serves
// them for the local server.
package discovery

import (
	"time"

	"github.com/jocax/qollective/transport"
)

// ToolCapabilities flags optional behaviors a tool supports.
type ToolCapabilities struct {
	Batching  bool `json:"batching,omitempty"`
	Retry     bool `json:"retry,omitempty"`
	Caching   bool `json:"caching,omitempty"`
	Streaming bool `json:"streaming,omitempty"`
}

// ToolRegistration describes one tool a server exposes.
type ToolRegistration struct {
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	InputSchema  map[string]any   `json:"inputSchema,omitempty"`
	ServerName   string           `json:"serverName"`
	Version      string           `json:"version,omitempty"`
	Capabilities ToolCapabilities `json:"capabilities,omitempty"`
}

// ServerEndpoint is the discovery record for one service. An empty
// SupportedTools slice is a valid answer: the service exists and
// exposes nothing.
type ServerEndpoint struct {
	ServerID           string             `json:"serverId"`
	EndpointURL        string             `json:"endpointUrl"`
	Capabilities       []string           `json:"capabilities,omitempty"`
	ProtocolVersion    string             `json:"protocolVersion,omitempty"`
	SupportedTools     []ToolRegistration `json:"supportedTools"`
	PreferredTransport transport.Protocol `json:"preferredTransport,omitempty"`
	IsNativeEnvelope   bool               `json:"isNativeEnvelope"`
}

// HealthReport is the reply payload of the health subject.
type HealthReport struct {
	Healthy   bool      `json:"healthy"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ListServicesReply carries the names answering on the discovery bus.
type ListServicesReply struct {
	Services []string `json:"services"`
}

// ServiceCatalog is the result of a fan-out discovery round. Failures
// sit beside successes so one dead service does not hide the rest.
type ServiceCatalog struct {
	Services map[string]*ServerEndpoint
	Failures map[string]error
}
