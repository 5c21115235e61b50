package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameworkVersion is stamped into meta.core.version by the builders.
const FrameworkVersion = "0.1.0"

// Meta is the layered metadata record carried by every envelope. Every
// sub-record is optional; absent records are omitted on the wire.
type Meta struct {
	Core        *CoreMeta                  `json:"core,omitempty"`
	Security    *SecurityMeta              `json:"security,omitempty"`
	Tracing     *TracingMeta               `json:"tracing,omitempty"`
	Performance *PerformanceMeta           `json:"performance,omitempty"`
	Monitoring  *MonitoringMeta            `json:"monitoring,omitempty"`
	Debug       *DebugMeta                 `json:"debug,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

// CoreMeta carries the identity of a single logical operation.
type CoreMeta struct {
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	RequestID  string     `json:"requestId,omitempty"`
	Version    string     `json:"version,omitempty"`
	DurationMS *float64   `json:"durationMs,omitempty"`
	Tenant     string     `json:"tenant,omitempty"`
	OnBehalfOf string     `json:"onBehalfOf,omitempty"`
}

// AuthMethod tags how the caller authenticated.
type AuthMethod string

// Recognized auth methods.
const (
	AuthJWT    AuthMethod = "jwt"
	AuthMTLS   AuthMethod = "mtls"
	AuthAPIKey AuthMethod = "apikey"
	AuthNone   AuthMethod = "none"
)

// SecurityMeta carries the caller's security context. TenantID matches
// core.tenant when both are present.
type SecurityMeta struct {
	UserID         string     `json:"userId,omitempty"`
	SessionID      string     `json:"sessionId,omitempty"`
	AuthMethod     AuthMethod `json:"authMethod,omitempty"`
	Roles          []string   `json:"roles,omitempty"`
	Permissions    []string   `json:"permissions,omitempty"`
	TenantID       string     `json:"tenantId,omitempty"`
	IPAddress      string     `json:"ipAddress,omitempty"`
	UserAgent      string     `json:"userAgent,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
}

// SpanKind tags the role of a span in a trace.
type SpanKind string

// Recognized span kinds.
const (
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindInternal SpanKind = "internal"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus reports the outcome of a span.
type SpanStatus struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// TracingMeta carries distributed-tracing context. TraceID is immutable
// for the lifetime of the logical operation; SpanID may be refreshed by
// intermediate hops.
type TracingMeta struct {
	TraceID       string                     `json:"traceId,omitempty"`
	SpanID        string                     `json:"spanId,omitempty"`
	ParentSpanID  string                     `json:"parentSpanId,omitempty"`
	OperationName string                     `json:"operationName,omitempty"`
	Baggage       map[string]json.RawMessage `json:"baggage,omitempty"`
	SamplingRate  *float64                   `json:"samplingRate,omitempty"`
	Sampled       *bool                      `json:"sampled,omitempty"`
	TraceState    string                     `json:"traceState,omitempty"`
	SpanKind      SpanKind                   `json:"spanKind,omitempty"`
	SpanStatus    *SpanStatus                `json:"spanStatus,omitempty"`
	Tags          map[string]TagValue        `json:"tags,omitempty"`
}

// TagValueKind discriminates the TagValue union.
type TagValueKind int

// TagValue variants.
const (
	TagString TagValueKind = iota
	TagInt
	TagFloat
	TagBool
)

// TagValue is a tagged union of string/int/float/bool, serialized as the
// bare JSON value.
type TagValue struct {
	kind TagValueKind
	s    string
	i    int64
	f    float64
	b    bool
}

// String creates a string tag.
func String(v string) TagValue { return TagValue{kind: TagString, s: v} }

// Int creates an integer tag.
func Int(v int64) TagValue { return TagValue{kind: TagInt, i: v} }

// Float creates a float tag.
func Float(v float64) TagValue { return TagValue{kind: TagFloat, f: v} }

// Bool creates a boolean tag.
func Bool(v bool) TagValue { return TagValue{kind: TagBool, b: v} }

// Kind returns the variant of the tag.
func (v TagValue) Kind() TagValueKind { return v.kind }

// StringValue returns the string variant value.
func (v TagValue) StringValue() string { return v.s }

// IntValue returns the integer variant value.
func (v TagValue) IntValue() int64 { return v.i }

// FloatValue returns the float variant value.
func (v TagValue) FloatValue() float64 { return v.f }

// BoolValue returns the boolean variant value.
func (v TagValue) BoolValue() bool { return v.b }

// MarshalJSON emits the bare value.
func (v TagValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case TagString:
		return json.Marshal(v.s)
	case TagInt:
		return json.Marshal(v.i)
	case TagFloat:
		return json.Marshal(v.f)
	case TagBool:
		return json.Marshal(v.b)
	default:
		return nil, fmt.Errorf("unknown tag value kind %d", v.kind)
	}
}

// UnmarshalJSON sniffs the JSON type of the bare value. Numbers without
// a fractional part decode as integers.
func (v *TagValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = String(s)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*v = Int(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Float(f)
		return nil
	}
	return fmt.Errorf("tag value must be string, int, float or bool: %s", string(data))
}

// ExternalCallStatus tags the outcome of an external call.
type ExternalCallStatus string

// External call outcomes.
const (
	CallSuccess ExternalCallStatus = "success"
	CallFailure ExternalCallStatus = "failure"
	CallTimeout ExternalCallStatus = "timeout"
)

// ExternalCall records one downstream dependency call made while
// serving the operation.
type ExternalCall struct {
	Service    string             `json:"service"`
	DurationMS float64            `json:"durationMs"`
	Status     ExternalCallStatus `json:"status"`
	Endpoint   string             `json:"endpoint,omitempty"`
}

// CacheOperations counts cache interactions during the operation.
type CacheOperations struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

// PerformanceMeta carries measured latencies, counters and gauges for
// the serving hop.
type PerformanceMeta struct {
	DBQueryTimeMS    *float64         `json:"dbQueryTimeMs,omitempty"`
	NetworkLatencyMS *float64         `json:"networkLatencyMs,omitempty"`
	ProcessingTimeMS *float64         `json:"processingTimeMs,omitempty"`
	DBQueryCount     *int64           `json:"dbQueryCount,omitempty"`
	GCCollections    *int64           `json:"gcCollections,omitempty"`
	MemoryAllocated  *int64           `json:"memoryAllocated,omitempty"`
	MemoryPeak       *int64           `json:"memoryPeak,omitempty"`
	CPUUsage         *float64         `json:"cpuUsage,omitempty"`
	ThreadCount      *int64           `json:"threadCount,omitempty"`
	CacheOperations  *CacheOperations `json:"cacheOperations,omitempty"`
	CacheHitRatio    *float64         `json:"cacheHitRatio,omitempty"`
	ExternalCalls    []ExternalCall   `json:"externalCalls,omitempty"`
}

// MonitoringMeta identifies the serving deployment.
type MonitoringMeta struct {
	ServerID      string   `json:"serverId,omitempty"`
	Environment   string   `json:"environment,omitempty"`
	Region        string   `json:"region,omitempty"`
	DeploymentID  string   `json:"deploymentId,omitempty"`
	HealthStatus  string   `json:"healthStatus,omitempty"`
	UptimeSeconds *float64 `json:"uptimeSeconds,omitempty"`
}

// LogLevel tags the requested log verbosity for debug envelopes.
type LogLevel string

// Recognized log levels.
const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// DebugMeta carries per-request debug controls and free-form sections.
type DebugMeta struct {
	TraceEnabled bool                       `json:"traceEnabled,omitempty"`
	LogLevel     LogLevel                   `json:"logLevel,omitempty"`
	Sections     map[string]json.RawMessage `json:"sections,omitempty"`
}

// NewMetaForRequest builds a Meta with requestId, timestamp and
// framework version pre-filled for a fresh request.
func NewMetaForRequest() *Meta {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Meta{
		Core: &CoreMeta{
			Timestamp: &now,
			RequestID: uuid.NewString(),
			Version:   FrameworkVersion,
		},
	}
}

// EnsureCore returns the Core sub-record, allocating it when absent.
func (m *Meta) EnsureCore() *CoreMeta {
	if m.Core == nil {
		m.Core = &CoreMeta{}
	}
	return m.Core
}

// EnsureTracing returns the Tracing sub-record, allocating it when absent.
func (m *Meta) EnsureTracing() *TracingMeta {
	if m.Tracing == nil {
		m.Tracing = &TracingMeta{}
	}
	return m.Tracing
}

// RequestID returns core.requestId or "".
func (m *Meta) RequestID() string {
	if m == nil || m.Core == nil {
		return ""
	}
	return m.Core.RequestID
}

// Tenant returns core.tenant or "".
func (m *Meta) Tenant() string {
	if m == nil || m.Core == nil {
		return ""
	}
	return m.Core.Tenant
}

// TraceID returns tracing.traceId or "".
func (m *Meta) TraceID() string {
	if m == nil || m.Tracing == nil {
		return ""
	}
	return m.Tracing.TraceID
}

// ResponseMeta derives the metadata for a reply to a request carrying m.
// It preserves requestId, tenant and traceId, refreshes the span id, and
// stamps a fresh timestamp. The request meta is never mutated.
func (m *Meta) ResponseMeta() *Meta {
	resp := NewMetaForRequest()
	if m == nil {
		return resp
	}
	if m.Core != nil {
		if m.Core.RequestID != "" {
			resp.Core.RequestID = m.Core.RequestID
		}
		resp.Core.Tenant = m.Core.Tenant
		resp.Core.OnBehalfOf = m.Core.OnBehalfOf
	}
	if m.Tracing != nil && m.Tracing.TraceID != "" {
		resp.Tracing = &TracingMeta{
			TraceID:      m.Tracing.TraceID,
			SpanID:       uuid.NewString(),
			ParentSpanID: m.Tracing.SpanID,
			SpanKind:     SpanKindServer,
			Baggage:      m.Tracing.Baggage,
		}
	}
	return resp
}
