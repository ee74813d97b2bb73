package model

import "encoding/json"

// ErrorKind is the deny reason surfaced to the broker. The broker treats any
// non-"ok" result as deny, so infrastructure failures map onto kinds here too
// (fail-closed).
type ErrorKind string

const (
	ErrBadRequest       ErrorKind = "bad_request"
	ErrUnknownUser      ErrorKind = "unknown_user"
	ErrInactive         ErrorKind = "inactive"
	ErrBadCredentials   ErrorKind = "bad_credentials"
	ErrClientIDMismatch ErrorKind = "client_id_mismatch"
	ErrQuotaExceeded    ErrorKind = "quota_exceeded"
	ErrNotAuthorized    ErrorKind = "not_authorized"
	ErrAdminRequired    ErrorKind = "admin_required"
	ErrStoreUnavailable ErrorKind = "store_unavailable"
	ErrTimeout          ErrorKind = "timeout"
	ErrInternal         ErrorKind = "internal_error"
)

// RejectedQoS is the QoS value VerneMQ interprets as a per-filter subscription
// rejection (0x80).
const RejectedQoS = 128

// WebhookRequest is the base envelope VerneMQ POSTs to every hook.
type WebhookRequest struct {
	Mountpoint string `json:"mountpoint"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	PeerAddr   string `json:"peer_addr"`
	PeerPort   int    `json:"peer_port"`
}

// AuthRequest is the auth_on_register envelope.
type AuthRequest struct {
	WebhookRequest
	Password     string `json:"password"`
	CleanSession *bool  `json:"clean_session,omitempty"`
}

// PublishRequest is the auth_on_publish envelope.
type PublishRequest struct {
	WebhookRequest
	QoS     int             `json:"qos"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Retain  bool            `json:"retain"`
}

// TopicQoS is one requested subscription filter.
type TopicQoS struct {
	Topic string `json:"topic"`
	QoS   int    `json:"qos"`
}

// SubscribeRequest is the auth_on_subscribe envelope.
type SubscribeRequest struct {
	WebhookRequest
	Topics []TopicQoS `json:"topics"`
}

// BrokerResponse is the webhook reply shape. Result is either the literal
// string "ok" or {"error": "<kind>"}; Topics carries the per-filter outcomes
// for subscribe responses.
type BrokerResponse struct {
	Result any        `json:"result"`
	Topics []TopicQoS `json:"topics,omitempty"`
}

// OkResponse builds an allow reply.
func OkResponse() BrokerResponse {
	return BrokerResponse{Result: "ok"}
}

// DenyResponse builds a deny reply carrying the error kind.
func DenyResponse(kind ErrorKind) BrokerResponse {
	return BrokerResponse{Result: map[string]string{"error": string(kind)}}
}

// SubscribeResponse builds an "ok" reply with per-filter outcomes in request
// order. Rejected filters carry RejectedQoS.
func SubscribeResponse(topics []TopicQoS) BrokerResponse {
	return BrokerResponse{Result: "ok", Topics: topics}
}
