package eventsub

import (
	"encoding/json"
	"time"
)

// Frame message types.
const (
	msgWelcome      = "session_welcome"
	msgKeepalive    = "session_keepalive"
	msgNotification = "notification"
	msgReconnect    = "session_reconnect"
	msgRevocation   = "revocation"
)

// Revocation statuses with special handling.
const (
	statusAuthorizationRevoked = "authorization_revoked"
	statusUserRemoved          = "user_removed"
	statusVersionRemoved       = "version_removed"
)

type frame struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type,omitempty"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID                      string `json:"id"`
			Status                  string `json:"status"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session,omitempty"`
		Subscription *struct {
			ID        string            `json:"id"`
			Status    string            `json:"status"`
			Type      string            `json:"type"`
			Condition map[string]string `json:"condition"`
		} `json:"subscription,omitempty"`
		Event json.RawMessage `json:"event,omitempty"`
	} `json:"payload"`
}

type chatMessageEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	ChatterUserID        string `json:"chatter_user_id"`
	ChatterUserLogin     string `json:"chatter_user_login"`
	ChatterUserName      string `json:"chatter_user_name"`
	MessageID            string `json:"message_id"`
	Message              struct {
		Text string `json:"text"`
	} `json:"message"`
}

// ChatEvent is a decoded chat message. Immutable once built.
type ChatEvent struct {
	MessageID    string
	ChannelID    string
	ChannelLogin string
	SenderID     string
	SenderLogin  string
	SenderName   string
	Text         string
	Timestamp    time.Time
	Raw          json.RawMessage
}

func decodeChatEvent(f *frame) (ChatEvent, error) {
	var ev chatMessageEvent
	if err := json.Unmarshal(f.Payload.Event, &ev); err != nil {
		return ChatEvent{}, err
	}
	ts := f.Metadata.MessageTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	id := ev.MessageID
	if id == "" {
		id = f.Metadata.MessageID
	}
	return ChatEvent{
		MessageID:    id,
		ChannelID:    ev.BroadcasterUserID,
		ChannelLogin: ev.BroadcasterUserLogin,
		SenderID:     ev.ChatterUserID,
		SenderLogin:  ev.ChatterUserLogin,
		SenderName:   ev.ChatterUserName,
		Text:         ev.Message.Text,
		Timestamp:    ts,
		Raw:          f.Payload.Event,
	}, nil
}
