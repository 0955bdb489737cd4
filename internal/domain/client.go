// Package domain contains identifiers and the error taxonomy shared by every layer.
package domain

import "github.com/google/uuid"

// ClientID is the primary key of a connected client across all registries.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.NewString())
}

func (id ClientID) String() string { return string(id) }
