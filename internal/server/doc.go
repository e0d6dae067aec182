// Package server implements the HTTP and WebSocket edge of the chat relay.
//
// The implementation is organized into specialized files for configuration,
// origin checks, clients, routing, and HTTP handlers. Every roster change and
// broadcast is delegated to the relay package, which serializes them.
package server
