package core

import (
	"encoding/json"

	"github.com/dkeye/Lobby/internal/domain"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EvPlayerUpdate           = "playerUpdate"
	EvRequestInteraction     = "requestInteraction"
	EvRespondToRequest       = "respondToRequest"
	EvEndInteraction         = "endInteraction"
	EvSendMessage            = "send_message"
	EvSignal                 = "signal"
	EvSendFriendRequest      = "sendFriendRequest"
	EvRespondToFriendRequest = "respondToFriendRequest"
	EvOpenFriendChat         = "openFriendChat"
	EvSendFriendMessage      = "sendFriendMessage"
	EvGetFriendsList         = "getFriendsList"
	EvGetFriendRequests      = "getFriendRequests"
	EvGetFriendChatHistory   = "getFriendChatHistory"
	EvPing                   = "ping"
)

// Outbound events.
const (
	EvInitialPosition       = "initialPosition"
	EvCurrentPlayers        = "currentPlayers"
	EvNewPlayer             = "newPlayer"
	EvPlayerMoved           = "playerMoved"
	EvPlayerDisconnected    = "playerDisconnected"
	EvServerFull            = "serverFull"
	EvRateLimitExceeded     = "rateLimitExceeded"
	EvIncomingRequest       = "incomingRequest"
	EvInteractionStarted    = "interactionStarted"
	EvInteractionEnded      = "interactionEnded"
	EvRequestDeclined       = "requestDeclined"
	EvReceiveMessage        = "receive_message"
	EvFriendsList           = "friendsList"
	EvFriendRequestsList    = "friendRequestsList"
	EvFriendRequestReceived = "friendRequestReceived"
	EvFriendRequestSent     = "friendRequestSent"
	EvFriendAdded           = "friendAdded"
	EvFriendRequestAccepted = "friendRequestAccepted"
	EvAlreadyFriends        = "alreadyFriends"
	EvNotFriends            = "notFriends"
	EvFriendChatOpened      = "friendChatOpened"
	EvFriendChatHistory     = "friendChatHistory"
	EvFriendChatActivity    = "friendChatActivity"
	EvFriendMessageReceived = "friendMessageReceived"
	EvRequestFailed         = "requestFailed"
	EvPong                  = "pong"
)

// Inbound payloads.

type PlayerUpdatePayload struct {
	Coords     domain.Vec3 `json:"coords"`
	Quaternion domain.Quat `json:"quaternion"`
}

type RequestInteractionPayload struct {
	TargetID domain.ConnID      `json:"targetId"`
	Kind     domain.SessionKind `json:"type"`
}

type RespondToRequestPayload struct {
	RequesterID domain.ConnID `json:"requesterId"`
	Accepted    bool          `json:"accepted"`
}

type SendMessagePayload struct {
	TargetID   domain.ConnID `json:"targetId"`
	Text       string        `json:"text"`
	SenderName string        `json:"senderName"`
	Timestamp  int64         `json:"timestamp"`
}

type SignalPayload struct {
	TargetID domain.ConnID   `json:"targetId"`
	Signal   json.RawMessage `json:"signal"`
}

type SendFriendRequestPayload struct {
	TargetUID string `json:"targetUid"`
}

type RespondToFriendRequestPayload struct {
	RequesterUID string `json:"requesterUid"`
	Accepted     bool   `json:"accepted"`
}

type OpenFriendChatPayload struct {
	FriendUID string `json:"friendUid"`
}

type SendFriendMessagePayload struct {
	FriendUID string `json:"friendUid"`
	Message   string `json:"message"`
}

// Outbound payloads.

type PlayerDisconnected struct {
	ConnectionID domain.ConnID `json:"connectionId"`
}

type ServerFull struct {
	Message string `json:"message"`
}

type RateLimitExceeded struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type IncomingRequest struct {
	RequesterID   domain.ConnID      `json:"requesterId"`
	RequesterName string             `json:"requesterName"`
	Kind          domain.SessionKind `json:"type"`
}

type InteractionStarted struct {
	WithID    domain.ConnID      `json:"withId"`
	Kind      domain.SessionKind `json:"type"`
	Initiator bool               `json:"initiator"`
}

type InteractionEnded struct {
	Reason string `json:"reason,omitempty"`
}

type RequestDeclined struct {
	Reason string `json:"reason,omitempty"`
}

type ReceiveMessage struct {
	SenderID   domain.ConnID `json:"senderId"`
	SenderName string        `json:"senderName"`
	Text       string        `json:"text"`
	Timestamp  int64         `json:"timestamp"`
}

type RelayedSignal struct {
	SenderID domain.ConnID   `json:"senderId"`
	Signal   json.RawMessage `json:"signal"`
}

type FriendRequestReceived struct {
	FromUID  string `json:"fromUid"`
	FromName string `json:"fromName"`
}

type FriendRequestSent struct {
	TargetUID string `json:"targetUid"`
}

type FriendNotice struct {
	UID  string `json:"uid"`
	Name string `json:"name,omitempty"`
}

// FriendChatOpened is also the payload of friendChatHistory.
type FriendChatOpened struct {
	FriendUID string               `json:"friendUid"`
	Messages  []domain.ChatMessage `json:"messages"`
}

type FriendChatActivity struct {
	FriendUID string `json:"friendUid"`
}

type RequestFailed struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
