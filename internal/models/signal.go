package models

import (
	"encoding/json"
	"fmt"
)

// SignalKind discriminates the closed set of signaling payloads exchanged
// while negotiating a peer data channel.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal is the closed union over {Offer, Answer, Candidate}.
type Signal interface {
	Kind() SignalKind
}

// Offer carries the initiating side's session description.
type Offer struct {
	SDP string `json:"sdp"`
}

func (Offer) Kind() SignalKind { return SignalOffer }

// Answer carries the responding side's session description.
type Answer struct {
	SDP string `json:"sdp"`
}

func (Answer) Kind() SignalKind { return SignalAnswer }

// Candidate carries one network-path candidate discovered after the
// offer/answer exchange.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (Candidate) Kind() SignalKind { return SignalCandidate }

// SignalEnvelope is one point-to-point signaling delivery. The relay only
// forwards envelopes whose From matches the authenticated connection, so the
// receiver can trust the asserted sender identity.
type SignalEnvelope struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Type    SignalKind      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewSignalEnvelope wraps a signal for delivery from one peer to another.
func NewSignalEnvelope(from, to string, sig Signal) (SignalEnvelope, error) {
	payload, err := json.Marshal(sig)
	if err != nil {
		return SignalEnvelope{}, fmt.Errorf("failed to marshal %s signal: %w", sig.Kind(), err)
	}
	return SignalEnvelope{
		From:    from,
		To:      to,
		Type:    sig.Kind(),
		Payload: payload,
	}, nil
}

// Decode returns the typed signal carried by the envelope. Unknown kinds are
// an error, never silently skipped.
func (e SignalEnvelope) Decode() (Signal, error) {
	switch e.Type {
	case SignalOffer:
		var s Offer
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return nil, err
		}
		return s, nil
	case SignalAnswer:
		var s Answer
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return nil, err
		}
		return s, nil
	case SignalCandidate:
		var s Candidate
		if err := json.Unmarshal(e.Payload, &s); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown signal kind %q", e.Type)
	}
}
