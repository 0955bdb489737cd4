// Package protocol defines the JSON messages exchanged with clients over the signaling channel.
package protocol

import (
	"encoding/json"

	"github.com/dkeye/roomsfu/internal/core"
	"github.com/dkeye/roomsfu/internal/domain"
)

// Client → server.
const (
	TypeConnect = "connect"
	TypeNewRoom = "new_room"
	TypeJoin    = "join"
	TypeLeft    = "left"
	TypePing    = "ping"
)

// Server → client.
const (
	TypeConnectAck     = "connect_ack"
	TypeNewRoomSuccess = "new_room_success"
	TypeNewRoomFailed  = "new_room_failed"
	TypeJoinSuccess    = "join_success"
	TypeJoinFailed     = "join_failed"
	TypeLeftSuccess    = "left_success"
	TypeLeftFailed     = "left_failed"
	TypeTrackEnded     = "track_ended"
	TypePong           = "pong"
)

// Both directions.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
)

// Envelope is decoded first to pick a handler.
type Envelope struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
}

type ConnectAck struct {
	Type     string            `json:"type"`
	ClientID domain.ClientID   `json:"client_id"`
	Rooms    []domain.RoomName `json:"rooms"`
}

type NewRoomSuccess struct {
	Type  string            `json:"type"`
	Rooms []domain.RoomName `json:"rooms"`
}

// Failed is the body of every *_failed acknowledgment.
type Failed struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type JoinSuccess struct {
	Type     string          `json:"type"`
	RoomName domain.RoomName `json:"room_name"`
	// ServerWillOffer tells the client to wait for the server's offer instead of sending one.
	ServerWillOffer bool `json:"server_will_offer"`
}

// Ack is a bare acknowledgment such as left_success or pong.
type Ack struct {
	Type string `json:"type"`
}

type Offer struct {
	Type     string          `json:"type"`
	ClientID domain.ClientID `json:"client_id,omitempty"`
	SDP      string          `json:"sdp"`
}

type Answer struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICE carries one local candidate; Candidate is a JSON encoded Candidate object.
type ICE struct {
	Type      string          `json:"type"`
	ClientID  domain.ClientID `json:"client_id,omitempty"`
	Candidate string          `json:"candidate"`
}

type TrackEnded struct {
	Type    string `json:"type"`
	TrackID string `json:"track_id"`
}

// Encode marshals v into a frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
