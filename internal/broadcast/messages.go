package broadcast

import (
	"encoding/json"
	"time"

	vserrors "github.com/NickAiNYC/ViolationSentinel/internal/errors"
)

// Message types clients send.
const (
	ClientAuthenticate = "AUTHENTICATE"
	ClientSubscribe    = "SUBSCRIBE"
	ClientUnsubscribe  = "UNSUBSCRIBE"
	ClientPing         = "PING"
)

// Message types the server sends.
const (
	ServerWelcome       = "WELCOME"
	ServerAuthenticated = "AUTHENTICATED"
	ServerSubscribed    = "SUBSCRIBED"
	ServerUnsubscribed  = "UNSUBSCRIBED"
	ServerPong          = "PONG"
	ServerUpdate        = "UPDATE"
	ServerError         = "ERROR"
)

// ClientMessage is the envelope dashboards send over the websocket. Fields
// beyond Type are populated depending on the message type.
type ClientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Topic string `json:"topic_id,omitempty"`
}

// ServerMessage is the envelope the server sends to dashboards. UPDATE
// messages carry an epoch-seconds timestamp; the rest carry server_time.
type ServerMessage struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connection_id,omitempty"`
	ClientID     string          `json:"client_id,omitempty"`
	Topic        string          `json:"topic_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"message,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	ServerTime   string          `json:"server_time,omitempty"`
}

func serverTime(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}

func welcomeMessage(connectionID string, now time.Time) ServerMessage {
	return ServerMessage{Type: ServerWelcome, ConnectionID: connectionID, ServerTime: serverTime(now)}
}

func authenticatedMessage(connectionID, clientID string, now time.Time) ServerMessage {
	return ServerMessage{Type: ServerAuthenticated, ConnectionID: connectionID, ClientID: clientID, ServerTime: serverTime(now)}
}

func subscribedMessage(topicID string, now time.Time) ServerMessage {
	return ServerMessage{Type: ServerSubscribed, Topic: topicID, ServerTime: serverTime(now)}
}

func unsubscribedMessage(topicID string, now time.Time) ServerMessage {
	return ServerMessage{Type: ServerUnsubscribed, Topic: topicID, ServerTime: serverTime(now)}
}

func pongMessage(now time.Time) ServerMessage {
	return ServerMessage{Type: ServerPong, ServerTime: serverTime(now)}
}

func updateMessage(topicID string, payload json.RawMessage, now time.Time) ServerMessage {
	return ServerMessage{Type: ServerUpdate, Topic: topicID, Payload: payload, Timestamp: now.Unix()}
}

func errorMessage(err error, now time.Time) ServerMessage {
	structured := vserrors.AsStructuredError(err)
	return ServerMessage{
		Type:       ServerError,
		Error:      structured.Message,
		ErrorType:  string(structured.Type),
		ServerTime: serverTime(now),
	}
}
