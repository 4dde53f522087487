// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/atelier-foundation/atelier/lib/netutil"
)

// Compile-time interface check.
var _ Signaler = (*HTTPSignaler)(nil)

// signalRecord is the rendezvous wire format for one offer or answer.
type signalRecord struct {
	Offerer   string `json:"offerer"`
	Target    string `json:"target"`
	SDP       string `json:"sdp"`
	Timestamp string `json:"timestamp"`
}

// HTTPSignaler implements Signaler against a rendezvous service — any
// HTTP endpoint serving the RendezvousHandler routes. Gates behind NAT
// publish their SDP to the rendezvous and poll it for their peers'.
type HTTPSignaler struct {
	baseURL    string
	authToken  string
	httpClient *http.Client

	// lastSeen tracks the most recent timestamp processed per signal
	// key, preventing re-processing of old offers and answers.
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewHTTPSignaler creates a rendezvous-backed signaler. authToken, if
// non-empty, is sent as a bearer credential on every call.
func NewHTTPSignaler(baseURL, authToken string) *HTTPSignaler {
	return &HTTPSignaler{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastSeen:   make(map[string]time.Time),
	}
}

// PublishOffer publishes a complete SDP offer directed at the target
// gate.
func (s *HTTPSignaler) PublishOffer(ctx context.Context, name, targetName, sdp string) error {
	return s.publish(ctx, "offers", signalRecord{
		Offerer:   name,
		Target:    targetName,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PublishAnswer publishes a complete SDP answer in response to an
// offer.
func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offererName, name, sdp string) error {
	return s.publish(ctx, "answers", signalRecord{
		Offerer:   offererName,
		Target:    name,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PollOffers returns new SDP offers directed at this gate.
func (s *HTTPSignaler) PollOffers(ctx context.Context, name string) ([]SignalMessage, error) {
	records, err := s.fetch(ctx, "offers", "target", name)
	if err != nil {
		return nil, err
	}
	var messages []SignalMessage
	for _, record := range records {
		key := "offers:" + record.Offerer + signalingSeparator + record.Target
		if !s.isNewer(key, record.Timestamp) {
			continue
		}
		messages = append(messages, SignalMessage{
			PeerName:  record.Offerer,
			SDP:       record.SDP,
			Timestamp: record.Timestamp,
		})
	}
	return messages, nil
}

// PollAnswers returns new SDP answers to offers originated by this
// gate.
func (s *HTTPSignaler) PollAnswers(ctx context.Context, name string) ([]SignalMessage, error) {
	records, err := s.fetch(ctx, "answers", "offerer", name)
	if err != nil {
		return nil, err
	}
	var messages []SignalMessage
	for _, record := range records {
		key := "answers:" + record.Offerer + signalingSeparator + record.Target
		if !s.isNewer(key, record.Timestamp) {
			continue
		}
		messages = append(messages, SignalMessage{
			PeerName:  record.Target,
			SDP:       record.SDP,
			Timestamp: record.Timestamp,
		})
	}
	return messages, nil
}

func (s *HTTPSignaler) publish(ctx context.Context, kind string, record signalRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/signals/"+kind, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("publishing %s signal: %w", kind, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("publishing %s signal: HTTP %d: %s",
			kind, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}

func (s *HTTPSignaler) fetch(ctx context.Context, kind, filterKey, filterValue string) ([]signalRecord, error) {
	query := url.Values{filterKey: {filterValue}}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/signals/"+kind+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if s.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", kind, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polling %s: HTTP %d: %s",
			kind, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	var records []signalRecord
	if err := netutil.DecodeResponse(response.Body, &records); err != nil {
		return nil, fmt.Errorf("polling %s: %w", kind, err)
	}
	return records, nil
}

// isNewer reports whether the timestamp is newer than the last-seen
// one for this key, and marks it seen.
func (s *HTTPSignaler) isNewer(key, timestampText string) bool {
	timestamp, err := time.Parse(time.RFC3339Nano, timestampText)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastSeen[key]; ok && !timestamp.After(last) {
		return false
	}
	s.lastSeen[key] = timestamp
	return true
}

// RendezvousHandler is the server side of HTTPSignaler: an in-memory
// signal store behind four HTTP routes. Mount it on any control-plane
// server reachable by both gates. Only the latest signal per
// offerer/target pair is retained.
type RendezvousHandler struct {
	mux *http.ServeMux

	mu      sync.Mutex
	offers  map[string]signalRecord // key: "offerer|target"
	answers map[string]signalRecord
}

// NewRendezvousHandler creates an empty rendezvous store.
func NewRendezvousHandler() *RendezvousHandler {
	handler := &RendezvousHandler{
		offers:  make(map[string]signalRecord),
		answers: make(map[string]signalRecord),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signals/offers", func(w http.ResponseWriter, r *http.Request) {
		handler.handlePublish(w, r, handler.offers)
	})
	mux.HandleFunc("GET /v1/signals/offers", func(w http.ResponseWriter, r *http.Request) {
		handler.handlePoll(w, r, handler.offers)
	})
	mux.HandleFunc("POST /v1/signals/answers", func(w http.ResponseWriter, r *http.Request) {
		handler.handlePublish(w, r, handler.answers)
	})
	mux.HandleFunc("GET /v1/signals/answers", func(w http.ResponseWriter, r *http.Request) {
		handler.handlePoll(w, r, handler.answers)
	})
	handler.mux = mux
	return handler
}

func (h *RendezvousHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *RendezvousHandler) handlePublish(w http.ResponseWriter, r *http.Request, store map[string]signalRecord) {
	var record signalRecord
	if err := netutil.DecodeResponse(r.Body, &record); err != nil {
		http.Error(w, "malformed signal", http.StatusBadRequest)
		return
	}
	if record.Offerer == "" || record.Target == "" || record.SDP == "" || record.Timestamp == "" {
		http.Error(w, "incomplete signal", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	store[record.Offerer+signalingSeparator+record.Target] = record
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func (h *RendezvousHandler) handlePoll(w http.ResponseWriter, r *http.Request, store map[string]signalRecord) {
	offerer := r.URL.Query().Get("offerer")
	target := r.URL.Query().Get("target")

	h.mu.Lock()
	records := make([]signalRecord, 0)
	for _, record := range store {
		if offerer != "" && record.Offerer != offerer {
			continue
		}
		if target != "" && record.Target != target {
			continue
		}
		records = append(records, record)
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}
