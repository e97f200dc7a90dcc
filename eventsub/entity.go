package eventsub

import "encoding/json"

// frame is the outer EventSub websocket message shape. Payload is decoded a
// second time once the metadata message_type is known.
type frame struct {
	Metadata struct {
		MessageType string `json:"message_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID               string `json:"id"`
		ReconnectURL     string `json:"reconnect_url"`
		KeepaliveTimeout int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

type envelope struct {
	Subscription struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Version string `json:"version"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ChatMessageEvent is a channel.chat.message notification.
type ChatMessageEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	ChatterUserID     string `json:"chatter_user_id"`
	ChatterUserLogin  string `json:"chatter_user_login"`
	MessageID         string `json:"message_id"`
	Message           struct {
		Text string `json:"text"`
	} `json:"message"`
}

// RedemptionEvent is a channel.channel_points_custom_reward_redemption.add
// notification.
type RedemptionEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	UserID            string `json:"user_id"`
	UserLogin         string `json:"user_login"`
	UserInput         string `json:"user_input"`
	RedeemedAt        string `json:"redeemed_at"`
	Reward            struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

// StreamOnlineEvent is a stream.online notification. ID is the broadcast id
// used as the stable stream identifier in storage.
type StreamOnlineEvent struct {
	ID                string `json:"id"`
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Type              string `json:"type"`
	StartedAt         string `json:"started_at"`
}

// StreamOfflineEvent is a stream.offline notification.
type StreamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}
