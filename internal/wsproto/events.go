// Package wsproto defines the wire protocol for the persistent session:
// typed inbound/outbound event payloads, the error envelope, and the rate
// class each inbound event belongs to (§6).
package wsproto

import (
	"encoding/json"
	"time"
)

// Inbound event names (client -> server).
const (
	EventTestStart     = "test:start"
	EventTestKeystroke = "test:keystroke"
	EventTestCompleted = "test:completed"
	EventTestLeave     = "test:leave"
	EventRaceCreate    = "race:create"
	EventRaceJoin      = "race:join"
	EventRaceLeave     = "race:leave"
	EventRaceProgress  = "race:progress"
	EventRaceFinish    = "race:finish"
	EventRaceMessage   = "race:message"
	EventFriendsUpdate = "friends:update_status"
	EventPing          = "ping"
)

// Outbound event names (server -> client).
const (
	EventTestJoined           = "test:joined"
	EventTestStatsUpdate      = "test:stats_update"
	EventTestResult           = "test:result"
	EventRaceCreated          = "race:created"
	EventRaceJoined           = "race:joined"
	EventRacePlayerJoined     = "race:player_joined"
	EventRacePlayerLeft       = "race:player_left"
	EventRaceStart            = "race:start"
	EventRaceCountdown        = "race:countdown"
	EventRaceBegin            = "race:begin"
	EventRaceProgressUpdate   = "race:progress_update"
	EventRacePlayerFinished   = "race:player_finished"
	EventRaceCompleted        = "race:completed"
	EventRaceMessageReceived  = "race:message_received"
	EventFriendOnline         = "friend:online"
	EventFriendOffline        = "friend:offline"
	EventError                = "error"
	EventPong                 = "pong"
)

// RateClass names the Rate Governor bucket an inbound event consumes (§4.2).
type RateClass string

const (
	ClassConnection   RateClass = "connection"
	ClassKeystroke    RateClass = "keystroke"
	ClassRaceProgress RateClass = "race-progress"
	ClassChat         RateClass = "chat"
	ClassGeneral      RateClass = "general"
)

// ClassOf returns the rate-limit class for an inbound event name.
func ClassOf(event string) RateClass {
	switch event {
	case EventTestKeystroke:
		return ClassKeystroke
	case EventRaceProgress:
		return ClassRaceProgress
	case EventRaceMessage:
		return ClassChat
	default:
		return ClassGeneral
	}
}

// InboundEnvelope is the generic shape every inbound wire message is decoded
// into before dispatch, per §9 "every event must be a tagged variant."
type InboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutboundEnvelope is the generic shape of every server->client message.
type OutboundEnvelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewOutbound wraps a payload for a given event type with a server timestamp.
func NewOutbound(eventType string, payload interface{}, now time.Time) OutboundEnvelope {
	return OutboundEnvelope{Type: eventType, Payload: payload, Timestamp: now}
}
