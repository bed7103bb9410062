// Package broadcast implements the WebSocket fan-out server for compliance
// update streams.
//
// Each connection gets a dedicated write goroutine so one slow dashboard can
// never stall the others. The read pump runs on the handler goroutine and
// dispatches the client protocol (AUTHENTICATE, SUBSCRIBE, UNSUBSCRIBE, PING).
// Subscription state and replay buffers live in the registry package.
package broadcast
