// Package subject is the single source of truth for the wire naming
// scheme. Every transport derives its addresses from the same pattern:
// NATS subjects, REST paths and gRPC method names are pure, reversible
// mappings of one another. Tenant identifiers never appear in an
// address; tenants live in envelope metadata only.
package subject

import (
	"fmt"
	"strings"

	"github.com/jocax/qollective/errors"
)

// Prefix is the first segment of every subject.
const Prefix = "qollective"

// DiscoveryService is the reserved service name for the discovery
// endpoints.
const DiscoveryService = "discovery"

// Wildcard is the NATS single-token wildcard.
const Wildcard = "*"

// Pattern is an immutable (service, operation, version) address.
type Pattern struct {
	Service   string
	Operation string
	Version   string
}

// New creates a validated pattern.
func New(service, operation, version string) (Pattern, error) {
	p := Pattern{Service: service, Operation: operation, Version: version}
	if err := p.validate(); err != nil {
		return Pattern{}, err
	}
	return p, nil
}

// MustNew is New for compile-time-known patterns; it panics on
// invalid input.
func MustNew(service, operation, version string) Pattern {
	p, err := New(service, operation, version)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) validate() error {
	for _, seg := range []struct{ name, value string }{
		{"service", p.Service},
		{"operation", p.Operation},
		{"version", p.Version},
	} {
		if err := validateSegment(seg.name, seg.value); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(name, value string) error {
	if value == "" {
		return errors.New(errors.KindValidation, "subject", "validate",
			fmt.Sprintf("%s segment must not be empty", name))
	}
	if value == Wildcard {
		return nil
	}
	for _, r := range value {
		switch {
		case r > 127:
			return errors.New(errors.KindValidation, "subject", "validate",
				fmt.Sprintf("%s segment must be ASCII: %q", name, value))
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return errors.New(errors.KindValidation, "subject", "validate",
				fmt.Sprintf("%s segment must not contain whitespace: %q", name, value))
		case r == '.' || r == '>' || r == '*':
			return errors.New(errors.KindValidation, "subject", "validate",
				fmt.Sprintf("%s segment must not contain subject tokens: %q", name, value))
		}
	}
	return nil
}

// String returns the canonical wire encoding
// "qollective.{service}.{operation}.{version}".
func (p Pattern) String() string {
	return Prefix + "." + p.Service + "." + p.Operation + "." + p.Version
}

// Subject is an alias for String for call sites addressing NATS.
func (p Pattern) Subject() string { return p.String() }

// Matches reports exact equality with a rendered subject.
func (p Pattern) Matches(subject string) bool {
	return p.String() == subject
}

// Parse decodes a canonical subject. It rejects any address whose first
// component is not the framework prefix or whose component count is not
// four: a tenant segment smuggled into the address fails here.
func Parse(subject string) (Pattern, error) {
	if subject == "" {
		return Pattern{}, errors.New(errors.KindValidation, "subject", "Parse", "empty subject")
	}
	parts := strings.Split(subject, ".")
	if len(parts) != 4 {
		return Pattern{}, errors.New(errors.KindValidation, "subject", "Parse",
			fmt.Sprintf("subject must have exactly 4 components, got %d: %q", len(parts), subject))
	}
	if parts[0] != Prefix {
		return Pattern{}, errors.New(errors.KindValidation, "subject", "Parse",
			fmt.Sprintf("subject must start with %q: %q", Prefix, subject))
	}
	return New(parts[1], parts[2], parts[3])
}

// ServiceWildcard matches any service for a fixed operation and version:
// "qollective.*.{operation}.{version}".
func ServiceWildcard(operation, version string) (Pattern, error) {
	return New(Wildcard, operation, version)
}

// OperationWildcard matches any operation of a service:
// "qollective.{service}.*.{version}".
func OperationWildcard(service, version string) (Pattern, error) {
	return New(service, Wildcard, version)
}

// VersionWildcard matches any version of an operation:
// "qollective.{service}.{operation}.*".
func VersionWildcard(service, operation string) (Pattern, error) {
	return New(service, operation, Wildcard)
}

// AllWildcard is the catch-all subscription subject "qollective.>".
func AllWildcard() string {
	return Prefix + ".>"
}

// RESTPath renders the pattern as its REST route
// "/{version}/{service}/{operation}".
func (p Pattern) RESTPath() string {
	return "/" + p.Version + "/" + p.Service + "/" + p.Operation
}

// ParseRESTPath inverts RESTPath.
func ParseRESTPath(path string) (Pattern, error) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 {
		return Pattern{}, errors.New(errors.KindValidation, "subject", "ParseRESTPath",
			fmt.Sprintf("path must have exactly 3 segments, got %q", path))
	}
	return New(parts[1], parts[2], parts[0])
}

// GRPCMethod renders the pattern as its gRPC full method name
// "/{service}/{operation}". The version is carried in envelope meta,
// matching the REST path inverse via the pattern's own version.
func (p Pattern) GRPCMethod() string {
	return "/" + p.Service + "/" + p.Operation
}

// ParseGRPCMethod inverts GRPCMethod; the version defaults to "v1" when
// the method name cannot carry one.
func ParseGRPCMethod(method string) (Pattern, error) {
	trimmed := strings.TrimPrefix(method, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return Pattern{}, errors.New(errors.KindValidation, "subject", "ParseGRPCMethod",
			fmt.Sprintf("method must be /{service}/{operation}, got %q", method))
	}
	return New(parts[0], parts[1], "v1")
}

// ListToolsSubject is the discovery address for a service's tool list.
func ListToolsSubject(service string) string {
	return Prefix + "." + DiscoveryService + ".list_tools." + service
}

// HealthSubject is the discovery address for a service health probe.
func HealthSubject(service string) string {
	return Prefix + "." + DiscoveryService + ".health." + service
}

// ListServicesSubject is the discovery address enumerating all
// services. It is a fixed literal, not a four-segment pattern.
func ListServicesSubject() string {
	return Prefix + "." + DiscoveryService + ".list_services"
}

// IsDiscoverySubject reports whether an address is one of the reserved
// discovery forms. These bypass the four-segment pattern rule: the last
// segment of list_tools and health names a service, and list_services
// has no fourth segment at all.
func IsDiscoverySubject(s string) bool {
	if s == ListServicesSubject() {
		return true
	}
	for _, head := range []string{
		Prefix + "." + DiscoveryService + ".list_tools.",
		Prefix + "." + DiscoveryService + ".health.",
	} {
		if strings.HasPrefix(s, head) {
			service := strings.TrimPrefix(s, head)
			return validateSegment("service", service) == nil
		}
	}
	return false
}

// Builder constructs patterns fluently.
type Builder struct {
	service   string
	operation string
	version   string
}

// NewBuilder creates an empty pattern builder.
func NewBuilder() *Builder { return &Builder{} }

// Service sets the service segment.
func (b *Builder) Service(s string) *Builder { b.service = s; return b }

// Operation sets the operation segment.
func (b *Builder) Operation(o string) *Builder { b.operation = o; return b }

// Version sets the version segment.
func (b *Builder) Version(v string) *Builder { b.version = v; return b }

// Build validates and returns the pattern.
func (b *Builder) Build() (Pattern, error) {
	return New(b.service, b.operation, b.version)
}
