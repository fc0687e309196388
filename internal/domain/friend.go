package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxChatMessageLen = 1000
	ChatHistoryLimit  = 50
)

var (
	ErrMessageEmpty   = errors.New("message empty")
	ErrMessageTooLong = errors.New("message too long")
)

// Friend is one side of a friend edge as seen by its owner.
type Friend struct {
	UID       string    `json:"uid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// FriendRef names a subject together with the display name to store for it.
type FriendRef struct {
	UID  string
	Name string
}

// FriendRequest is stored under the recipient.
type FriendRequest struct {
	ToUID     string    `json:"-"`
	FromUID   string    `json:"fromUid"`
	FromName  string    `json:"fromName"`
	CreatedAt time.Time `json:"createdAt"`
}

type ChatMessage struct {
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
}

// ChatKey is the same for (a, b) and (b, a).
func ChatKey(a, b string) string {
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}

// NormalizeMessage trims a friend chat message and checks its length.
func NormalizeMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrMessageEmpty
	}
	if utf8.RuneCountInString(text) > MaxChatMessageLen {
		return "", ErrMessageTooLong
	}
	return text, nil
}
