// Package server implements the HTTP and WebSocket front end of the room relay.
//
// The implementation is organized into specialized files for configuration,
// the connection hub, clients, routing, and HTTP handlers. Room membership
// and cross-instance fanout live in the coordinator package; this package
// only decodes frames into commands, queues them per connection, and writes
// envelopes back to sockets.
package server
