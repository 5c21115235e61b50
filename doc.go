// Package qollective provides a multi-transport messaging framework
// built around a single typed envelope that travels unchanged over
// NATS, REST, WebSocket and gRPC.
//
// # Philosophy: One Envelope, Many Wires
//
// Every message is an Envelope carrying metadata, exactly one of a
// payload or a typed error, and nothing transport-specific. Adapters
// translate the envelope onto their wire format without touching its
// contents, so a request that enters over REST and is answered over
// NATS round-trips byte-for-byte at the envelope level.
//
// The framework has three layers:
//
// Layer 1 - Envelope Core (transport agnostic):
//   - envelope: typed envelopes, metadata, error payloads
//   - subject: the qollective.{service}.{op}.{version} address scheme
//   - errors: classified errors with stable wire codes and retry hints
//
// Layer 2 - Transport Adapters:
//   - transport/nats: request/reply over core NATS, events over JetStream
//   - transport/rest: chi router, envelope bodies and headers
//   - transport/ws: gorilla/websocket framed envelopes
//   - transport/grpc: envelope JSON inside a generic unary method
//   - mcp: JSON-RPC 2.0 tool calls over any of the above
//
// Layer 3 - Coordination:
//   - discovery: tool catalogs, health probes, cached service lookup
//   - hybrid: capability detection and ranked protocol fallback
//   - client: a browser-friendly facade compiled to WebAssembly
//
// # Usage
//
// Servers bind handlers to subjects and let the adapters carry them:
//
//	tr, _ := nats.New(client)
//	_ = tr.ReceiveEnvelopeAt("qollective.weather.get_forecast.v1", handler)
//
// Callers either pick a transport directly or let the hybrid layer
// probe the endpoint and choose:
//
//	reply, report, err := hy.SendWithFallback(ctx, endpoint, env, req)
//
// The qollectived daemon hosts all adapters behind one configuration
// file; qollective-gen generates payload types for non-Go services
// from JSON Schemas.
package qollective
