// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
)

// Signaler abstracts the mechanism for exchanging WebRTC session
// descriptions between gates. The production implementation posts to
// an HTTP rendezvous service; tests use in-process maps.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer → answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer directed at a
	// target gate. name is the offerer's gate name, targetName is the
	// intended recipient. The implementation stores the SDP where the
	// target can find it, keyed "<name>|<targetName>".
	PublishOffer(ctx context.Context, name, targetName, sdp string) error

	// PublishAnswer publishes a complete SDP answer in response to a
	// previously received offer. The key matches the offer:
	// "<offererName>|<name>".
	PublishAnswer(ctx context.Context, offererName, name, sdp string) error

	// PollOffers returns all pending WebRTC offers directed at this
	// gate, filtered to signals newer than what was last processed.
	PollOffers(ctx context.Context, name string) ([]SignalMessage, error)

	// PollAnswers returns all pending WebRTC answers to offers
	// originated by this gate, filtered the same way.
	PollAnswers(ctx context.Context, name string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// PeerName is the gate name of the other party. For received
	// offers, this is the offerer. For received answers, this is the
	// answerer (target).
	PeerName string

	// SDP is the complete Session Description Protocol string with
	// all ICE candidates embedded.
	SDP string

	// Timestamp is the ISO 8601 creation time of the signal.
	Timestamp string
}

// signalingSeparator separates the offerer and target gate names in a
// signal key. Gate names never contain a pipe, so the boundary is
// unambiguous.
const signalingSeparator = "|"

// signalKeyMatcher extracts the relevant peer name from a signal key
// when the key concerns the given local name.
type signalKeyMatcher func(key, name string) (peer string, ok bool)

// matchOfferKey matches offers directed at name: key "<offerer>|<name>".
func matchOfferKey(key, name string) (string, bool) {
	offerer, found := strings.CutSuffix(key, signalingSeparator+name)
	if !found || offerer == "" {
		return "", false
	}
	return offerer, true
}

// matchAnswerKey matches answers to offers originated by name: key
// "<name>|<target>".
func matchAnswerKey(key, name string) (string, bool) {
	target, found := strings.CutPrefix(key, name+signalingSeparator)
	if !found || target == "" {
		return "", false
	}
	return target, true
}
