// Package server wires the HTTP surface: the websocket endpoint with its
// connection limits, the record fetch API, health and metrics endpoints and
// the key-gated admin routes.
package server
