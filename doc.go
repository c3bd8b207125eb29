// Package xtransport defines the shared contracts of the transport layer:
// the Node surface that delivers raw payloads to subscribers, and the
// metadata that travels with every delivery.
//
// Concrete pieces live in subpackages:
//
//   - discovery: the UDP discovery wire protocol and client
//   - topic: fully-qualified topic utilities
//   - recorder: the topic recorder engine
//   - msglog: durable message log backends (file, Redis Streams)
//   - node/memory: an in-process Node for development and testing
package xtransport
