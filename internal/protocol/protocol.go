// Package protocol defines the JSON frames exchanged with clients over the
// control websocket. Field names and op strings are wire-compatible with
// the upstream gateway protocol (major version 3).
package protocol

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/volcano/internal/filter"
)

// Inbound op strings.
const (
	OpPlay              = "play"
	OpStop              = "stop"
	OpPause             = "pause"
	OpDestroy           = "destroy"
	OpSeek              = "seek"
	OpVolume            = "volume"
	OpFilters           = "filters"
	OpFFmpeg            = "ffmpeg"
	OpVoiceUpdate       = "voiceUpdate"
	OpConfigureResuming = "configureResuming"
	OpDump              = "dump"
)

// Outbound op strings.
const (
	OpStats        = "stats"
	OpPlayerUpdate = "playerUpdate"
	OpEvent        = "event"
)

// Event type strings.
const (
	EventTrackStart      = "TrackStartEvent"
	EventTrackEnd        = "TrackEndEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// Track end reasons.
const (
	EndReasonFinished   = "FINISHED"
	EndReasonStopped    = "STOPPED"
	EndReasonReplaced   = "REPLACED"
	EndReasonLoadFailed = "LOAD_FAILED"
	EndReasonCleanup    = "CLEANUP"
)

// Exception severities.
const (
	SeverityCommon     = "COMMON"
	SeveritySuspicious = "SUSPICIOUS"
	SeverityFault      = "FAULT"
)

// Inbound is the envelope of a client control frame. Op-specific members
// are decoded from the raw frame in a second pass.
type Inbound struct {
	Op      string `json:"op"`
	GuildID string `json:"guildId"`
}

// Play is the play op payload.
type Play struct {
	Op        string `json:"op"`
	GuildID   string `json:"guildId"`
	Track     string `json:"track"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
	Volume    int    `json:"volume,omitempty"`
	Pause     bool   `json:"pause"`
	NoReplace bool   `json:"noReplace"`
}

// Pause is the pause op payload.
type Pause struct {
	Pause bool `json:"pause"`
}

// Seek is the seek op payload.
type Seek struct {
	Position int64 `json:"position"`
}

// Volume is the volume op payload (0–1000, 100 is unity).
type Volume struct {
	Volume int `json:"volume"`
}

// Filters is the filters op payload: the recognised [filter.Settings]
// members beside the routing fields.
type Filters struct {
	GuildID string `json:"guildId"`
	filter.Settings
}

// FFmpeg is the ffmpeg op payload: a raw argument sequence.
type FFmpeg struct {
	Args []string `json:"args"`
}

// VoiceUpdate is the voiceUpdate op payload forwarded from the client's
// platform session.
type VoiceUpdate struct {
	GuildID   string           `json:"guildId"`
	SessionID string           `json:"sessionId"`
	Event     VoiceServerEvent `json:"event"`
}

// VoiceServerEvent is the platform's VOICE_SERVER_UPDATE dispatch payload,
// carried verbatim inside voiceUpdate frames. The platform library already
// defines the wire shape (token, guild_id, endpoint).
type VoiceServerEvent = discordgo.VoiceServerUpdate

// ConfigureResuming binds a resume key and timeout to a connection.
type ConfigureResuming struct {
	Key     string `json:"key"`
	Timeout int    `json:"timeout"`
}

// PlayerState is the state member of a playerUpdate frame.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
}

// PlayerUpdate is the periodic position heartbeat.
type PlayerUpdate struct {
	Op      string      `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// Event is the envelope shared by all event frames. Optional members are
// populated per event type.
type Event struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`

	Track       string     `json:"track,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Error       string     `json:"error,omitempty"`
	Exception   *Exception `json:"exception,omitempty"`
	ThresholdMs int64      `json:"thresholdMs,omitempty"`
	Code        int        `json:"code,omitempty"`
	ByRemote    bool       `json:"byRemote,omitempty"`
}

// Exception carries structured error details on TrackExceptionEvent.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// Stats is the periodic server statistics frame.
type Stats struct {
	Op             string     `json:"op"`
	Players        int        `json:"players"`
	PlayingPlayers int        `json:"playingPlayers"`
	Uptime         int64      `json:"uptime"`
	Memory         Memory     `json:"memory"`
	CPU            CPU        `json:"cpu"`
	FrameStats     FrameStats `json:"frameStats"`
}

// Memory reports process heap usage in the stats frame.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPU reports host load in the stats frame.
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats reports voice frame accounting in the stats frame.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}
