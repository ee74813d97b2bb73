package model

import "time"

// EventType classifies an activity record by the hook that produced it.
type EventType string

const (
	EventAuth       EventType = "auth"
	EventPublish    EventType = "publish"
	EventSubscribe  EventType = "subscribe"
	EventDisconnect EventType = "disconnect"
	EventWakeup     EventType = "wakeup"
)

// Result is the outcome recorded for one decision.
type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
	ResultError Result = "error"
)

// Truncation limits applied before an activity record is persisted. All of
// these fields originate from broker-forwarded client input.
const (
	MaxActivityClientIDLen = 200
	MaxActivityUsernameLen = 100
	MaxActivityPeerAddrLen = 50
	MaxActivityTopicLen    = 500
	MaxActivityDetailLen   = 1000
	MaxActivityErrorLen    = 500
)

// ActivityRecord is one structured entry in the per-decision activity log.
// Records are immutable once submitted to the logger.
type ActivityRecord struct {
	OccurredAt   time.Time `json:"occurred_at"`
	EventType    EventType `json:"event_type"`
	Result       Result    `json:"result"`
	ClientID     string    `json:"client_id"`
	Username     string    `json:"username"`
	PeerAddr     string    `json:"peer_addr"`
	Topic        string    `json:"topic,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CacheHit     bool      `json:"cache_hit"`
}
