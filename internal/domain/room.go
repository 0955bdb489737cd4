package domain

import (
	"strings"
	"unicode/utf8"
)

const MaxRoomNameLen = 64

type RoomName string

// NewRoomName validates a client supplied room name.
func NewRoomName(raw string) (RoomName, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrInvalidName
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLen {
		return "", ErrInvalidName
	}
	return RoomName(name), nil
}
