package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrEmptyPayload = errors.New("empty payload")

// Payloads are the JSON forms of the pion description and candidate types,
// which match the browser RTCSessionDescriptionInit / RTCIceCandidateInit.

func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	b, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeDescription(payload string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if payload == "" {
		return desc, ErrEmptyPayload
	}
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("decode description: %w", err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("description type %q, want %q", desc.Type.String(), want.String())
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("description without sdp: %w", ErrEmptyPayload)
	}
	return desc, nil
}

func EncodeCandidate(c webrtc.ICECandidateInit) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if payload == "" {
		return c, ErrEmptyPayload
	}
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}
