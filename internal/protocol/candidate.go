package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrBadCandidate = errors.New("bad candidate envelope")

// Candidate is the object nested (as a JSON string) in the candidate field of an ice message.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// EncodeCandidate renders c as the nested JSON string; nil encodes end-of-candidates.
func EncodeCandidate(c *webrtc.ICECandidateInit) (string, error) {
	var env Candidate
	if c != nil {
		env = Candidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeCandidate parses the candidate field of an ice message. The field is normally a
// JSON string holding the object, a bare object is accepted too. An empty candidate
// string yields nil, meaning end-of-candidates.
func DecodeCandidate(raw json.RawMessage) (*webrtc.ICECandidateInit, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: missing", ErrBadCandidate)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadCandidate, err)
		}
		raw = []byte(inner)
	}
	var env Candidate
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCandidate, err)
	}
	if env.Candidate == "" {
		return nil, nil
	}
	return &webrtc.ICECandidateInit{
		Candidate:     env.Candidate,
		SDPMid:        env.SDPMid,
		SDPMLineIndex: env.SDPMLineIndex,
	}, nil
}
