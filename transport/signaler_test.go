// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMemorySignalerPublishAndPoll(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}

	offers, err := signaler.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("PollOffers() error: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].PeerName != "gate/alpha" {
		t.Errorf("PeerName = %q, want %q", offers[0].PeerName, "gate/alpha")
	}
	if offers[0].SDP != "offer-sdp" {
		t.Errorf("SDP = %q, want %q", offers[0].SDP, "offer-sdp")
	}

	// A second poll returns nothing — the offer was already seen.
	offers, err = signaler.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("second PollOffers() error: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("got %d offers on second poll, want 0", len(offers))
	}

	if err := signaler.PublishAnswer(ctx, "gate/alpha", "gate/beta", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer() error: %v", err)
	}

	answers, err := signaler.PollAnswers(ctx, "gate/alpha")
	if err != nil {
		t.Fatalf("PollAnswers() error: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	if answers[0].PeerName != "gate/beta" {
		t.Errorf("PeerName = %q, want %q", answers[0].PeerName, "gate/beta")
	}
	if answers[0].SDP != "answer-sdp" {
		t.Errorf("SDP = %q, want %q", answers[0].SDP, "answer-sdp")
	}
}

func TestMemorySignalerScopesOffersToTarget(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "offer-for-beta"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}

	offers, err := signaler.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("PollOffers(beta) error: %v", err)
	}
	if len(offers) != 1 {
		t.Errorf("beta got %d offers, want 1", len(offers))
	}

	// A third gate never sees an offer not addressed to it.
	offers, err = signaler.PollOffers(ctx, "gate/gamma")
	if err != nil {
		t.Fatalf("PollOffers(gamma) error: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("gamma got %d offers, want 0", len(offers))
	}
}

func TestMemorySignalerRepublishIsSeenAgain(t *testing.T) {
	signaler := NewMemorySignaler()
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "first"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
	if _, err := signaler.PollOffers(ctx, "gate/beta"); err != nil {
		t.Fatalf("PollOffers() error: %v", err)
	}

	// A re-published offer carries a newer timestamp, so the consumer
	// sees it despite having processed the earlier one.
	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "second"); err != nil {
		t.Fatalf("re-PublishOffer() error: %v", err)
	}
	offers, err := signaler.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("PollOffers() error: %v", err)
	}
	if len(offers) != 1 || offers[0].SDP != "second" {
		t.Errorf("offers = %+v, want the re-published SDP", offers)
	}
}

func TestMatchSignalKeys(t *testing.T) {
	tests := []struct {
		matcher  signalKeyMatcher
		key      string
		name     string
		wantPeer string
		wantOK   bool
	}{
		{matchOfferKey, "gate/alpha|gate/beta", "gate/beta", "gate/alpha", true},
		{matchOfferKey, "gate/alpha|gate/beta", "gate/alpha", "", false},
		{matchOfferKey, "|gate/beta", "gate/beta", "", false},
		{matchAnswerKey, "gate/alpha|gate/beta", "gate/alpha", "gate/beta", true},
		{matchAnswerKey, "gate/alpha|gate/beta", "gate/beta", "", false},
		{matchAnswerKey, "gate/alpha|", "gate/alpha", "", false},
	}
	for _, test := range tests {
		peer, ok := test.matcher(test.key, test.name)
		if peer != test.wantPeer || ok != test.wantOK {
			t.Errorf("matcher(%q, %q) = (%q, %v), want (%q, %v)",
				test.key, test.name, peer, ok, test.wantPeer, test.wantOK)
		}
	}
}

func TestHTTPSignalerAgainstRendezvous(t *testing.T) {
	rendezvous := httptest.NewServer(NewRendezvousHandler())
	defer rendezvous.Close()

	alpha := NewHTTPSignaler(rendezvous.URL, "")
	beta := NewHTTPSignaler(rendezvous.URL, "")
	ctx := context.Background()

	if err := alpha.PublishOffer(ctx, "gate/alpha", "gate/beta", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}

	offers, err := beta.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("PollOffers() error: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].PeerName != "gate/alpha" || offers[0].SDP != "offer-sdp" {
		t.Errorf("offer = %+v", offers[0])
	}

	// Second poll filters the already-seen timestamp.
	offers, err = beta.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("second PollOffers() error: %v", err)
	}
	if len(offers) != 0 {
		t.Errorf("got %d offers on second poll, want 0", len(offers))
	}

	if err := beta.PublishAnswer(ctx, "gate/alpha", "gate/beta", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer() error: %v", err)
	}

	answers, err := alpha.PollAnswers(ctx, "gate/alpha")
	if err != nil {
		t.Fatalf("PollAnswers() error: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	if answers[0].PeerName != "gate/beta" || answers[0].SDP != "answer-sdp" {
		t.Errorf("answer = %+v", answers[0])
	}
}

func TestHTTPSignalerSendsBearerToken(t *testing.T) {
	var sawAuthorization string
	backend := NewRendezvousHandler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuthorization = r.Header.Get("Authorization")
		backend.ServeHTTP(w, r)
	}))
	defer server.Close()

	signaler := NewHTTPSignaler(server.URL, "rendezvous-secret")
	if err := signaler.PublishOffer(context.Background(), "gate/alpha", "gate/beta", "sdp"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
	if sawAuthorization != "Bearer rendezvous-secret" {
		t.Errorf("Authorization = %q, want bearer credential", sawAuthorization)
	}
}

func TestRendezvousHandlerRejectsIncompleteSignal(t *testing.T) {
	rendezvous := httptest.NewServer(NewRendezvousHandler())
	defer rendezvous.Close()

	response, err := http.Post(rendezvous.URL+"/v1/signals/offers", "application/json",
		nil)
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("empty publish status = %d, want 400", response.StatusCode)
	}
}

func TestRendezvousHandlerRetainsLatestPerPair(t *testing.T) {
	rendezvous := httptest.NewServer(NewRendezvousHandler())
	defer rendezvous.Close()

	signaler := NewHTTPSignaler(rendezvous.URL, "")
	ctx := context.Background()

	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "first"); err != nil {
		t.Fatalf("PublishOffer() error: %v", err)
	}
	if err := signaler.PublishOffer(ctx, "gate/alpha", "gate/beta", "second"); err != nil {
		t.Fatalf("re-PublishOffer() error: %v", err)
	}

	// A fresh consumer sees exactly one offer: the latest.
	fresh := NewHTTPSignaler(rendezvous.URL, "")
	offers, err := fresh.PollOffers(ctx, "gate/beta")
	if err != nil {
		t.Fatalf("PollOffers() error: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].SDP != "second" {
		t.Errorf("SDP = %q, want the latest publication", offers[0].SDP)
	}
}
