// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

const (
	MaxSubjectIDLen = 128
	MaxUsernameLen  = 36
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// Identity is either Guest or Authenticated. Switch on the concrete type.
type Identity interface {
	isIdentity()
}

// Guest is a connection without a verified subject.
type Guest struct{}

// Authenticated carries a subject verified by the Authenticator.
type Authenticated struct {
	SubjectID string
	Name      string
}

func (Guest) isIdentity()         {}
func (Authenticated) isIdentity() {}

// SubjectOf returns the subject id for authenticated identities.
func SubjectOf(id Identity) (string, bool) {
	switch v := id.(type) {
	case Authenticated:
		return v.SubjectID, true
	case Guest:
		return "", false
	default:
		return "", false
	}
}

// DisplayName picks the name shown to other players.
func DisplayName(id Identity) string {
	switch v := id.(type) {
	case Authenticated:
		if name, err := NormalizeUsername(v.Name); err == nil {
			return name
		}
		short := v.SubjectID
		if len(short) > 5 {
			short = short[:5]
		}
		return "User_" + short
	default:
		return fmt.Sprintf("Player_%d", rand.IntN(1000))
	}
}

// NormalizeUsername trims and validates a display name.
func NormalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) == 0 {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(username) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return username, nil
}
