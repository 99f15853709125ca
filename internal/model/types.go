package model

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventConnected                EventKind = "connected"
	EventHeartbeat                EventKind = "heartbeat"
	EventEntityStateChange        EventKind = "entity_state_change"
	EventConnectionStatus         EventKind = "connection_status"
	EventChatMessage              EventKind = "chat_message"
	EventGameWorld                EventKind = "game_world_event"
	EventMapMarkerUpdate          EventKind = "map_marker_update"
	EventTeamInfoUpdate           EventKind = "team_info_update"
	EventDevicePaired             EventKind = "device_paired"
	EventDeviceDeleted            EventKind = "device_deleted"
	EventInactivityCountdown      EventKind = "inactivity_countdown"
	EventCountdownCancelled       EventKind = "countdown_cancelled"
	EventDisconnectedByInactivity EventKind = "disconnected_by_inactivity"
	EventError                    EventKind = "error"
)

var knownEventKinds = map[EventKind]struct{}{
	EventConnected:                {},
	EventHeartbeat:                {},
	EventEntityStateChange:        {},
	EventConnectionStatus:         {},
	EventChatMessage:              {},
	EventGameWorld:                {},
	EventMapMarkerUpdate:          {},
	EventTeamInfoUpdate:           {},
	EventDevicePaired:             {},
	EventDeviceDeleted:            {},
	EventInactivityCountdown:      {},
	EventCountdownCancelled:       {},
	EventDisconnectedByInactivity: {},
	EventError:                    {},
}

// Valid reports whether k is one of the relayed event kinds.
func (k EventKind) Valid() bool {
	_, ok := knownEventKinds[k]
	return ok
}

// Event is one named server-push message. ServerID is the routing key; it is
// empty only for stream-level frames (connected, heartbeat) of an unbound stream.
type Event struct {
	Kind      EventKind       `json:"type"`
	ServerID  string          `json:"serverId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type ConnectionStatusPayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type CountdownPayload struct {
	Remaining int `json:"remaining"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type StreamOpenedPayload struct {
	StreamID string `json:"streamId"`
	UserID   string `json:"userId"`
	ServerID string `json:"serverId,omitempty"`
}

type CommandName string

const (
	CmdGetInfo           CommandName = "get_info"
	CmdGetTime           CommandName = "get_time"
	CmdGetMap            CommandName = "get_map"
	CmdGetMapMarkers     CommandName = "get_map_markers"
	CmdGetTeamInfo       CommandName = "get_team_info"
	CmdSendTeamMessage   CommandName = "send_team_message"
	CmdGetEntityInfo     CommandName = "get_entity_info"
	CmdSetEntityValue    CommandName = "set_entity_value"
	CmdCheckSubscription CommandName = "check_subscription"
	CmdSetSubscription   CommandName = "set_subscription"
	CmdPromoteToLeader   CommandName = "promote_to_leader"
)

type CommandRequest struct {
	UserID   string          `json:"userId"`
	ServerID string          `json:"serverId"`
	Command  CommandName     `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type CommandResult struct {
	Command  CommandName     `json:"command"`
	ServerID string          `json:"serverId"`
	Result   json.RawMessage `json:"result"`
}

// Server is a paired game server owned by a dashboard user.
type Server struct {
	ID          string
	UserID      string
	Name        string
	IP          string
	Port        int
	PlayerID    string
	PlayerToken string
	CreatedAt   time.Time
}

type CloseReason string

const (
	CloseSuperseded  CloseReason = "superseded"
	CloseUnsubscribe CloseReason = "unsubscribe"
	CloseInactivity  CloseReason = "inactivity"
	CloseClientGone  CloseReason = "client_gone"
	CloseShutdown    CloseReason = "shutdown"
	CloseRestart     CloseReason = "process_restart"
	CloseStale       CloseReason = "stale"
)

type RelaySession struct {
	ID          string
	UserID      string
	ServerID    *string
	StreamID    string
	OpenedAt    time.Time
	ClosedAt    *time.Time
	CloseReason *string
}

// ConnState is the client-side connection state.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateOffline      ConnState = "offline"
)

// Phase is the inactivity phase of a tracked session.
type Phase string

const (
	PhaseActive     Phase = "active"
	PhaseWarning    Phase = "warning"
	PhaseTerminated Phase = "terminated"
)
