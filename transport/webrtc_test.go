// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// startWebRTCPair creates two WebRTC transports joined by an in-process
// signaler. The second transport serves lineEchoHandler.
func startWebRTCPair(t *testing.T, authA, authB PeerAuthenticator) (*WebRTCTransport, *WebRTCTransport) {
	t.Helper()

	signaler := NewMemorySignaler()
	// Empty ICE config means host candidates only (loopback).
	config := ICEConfig{}

	transportA := NewWebRTCTransport(signaler, "gate/alpha", config, authA, nil)
	t.Cleanup(func() { transportA.Close() })

	transportB := NewWebRTCTransport(signaler, "gate/beta", config, authB, nil)
	t.Cleanup(func() { transportB.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go transportB.Serve(ctx, lineEchoHandler)

	select {
	case <-transportB.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not become ready")
	}
	return transportA, transportB
}

// echoThroughChannel writes a line on the conn and returns the echoed
// response.
func echoThroughChannel(t *testing.T, transport *WebRTCTransport, peer, line string) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := transport.DialContext(ctx, peer)
	if err != nil {
		t.Fatalf("DialContext(%s) error: %v", peer, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error: %v", err)
	}
	return strings.TrimSuffix(response, "\n")
}

func TestWebRTCDialAndServe(t *testing.T) {
	transportA, _ := startWebRTCPair(t, nil, nil)

	response := echoThroughChannel(t, transportA, "gate/beta", "hello")
	if response != "echo:hello" {
		t.Errorf("response = %q, want %q", response, "echo:hello")
	}
}

func TestWebRTCSequentialChannelsReusePeerConnection(t *testing.T) {
	transportA, _ := startWebRTCPair(t, nil, nil)

	for index := 0; index < 3; index++ {
		line := fmt.Sprintf("message-%d", index)
		response := echoThroughChannel(t, transportA, "gate/beta", line)
		if response != "echo:"+line {
			t.Errorf("channel %d: response = %q, want %q", index, response, "echo:"+line)
		}
	}

	// All three channels went over one PeerConnection.
	transportA.mu.Lock()
	peerCount := len(transportA.peers)
	transportA.mu.Unlock()
	if peerCount != 1 {
		t.Errorf("peer connections = %d, want 1", peerCount)
	}
}

func TestWebRTCConcurrentDials(t *testing.T) {
	// Concurrent dialers must share a single PeerConnection
	// establishment attempt rather than racing offers against each
	// other.
	transportA, _ := startWebRTCPair(t, nil, nil)

	const concurrency = 5
	var waitGroup sync.WaitGroup
	failures := make(chan error, concurrency)

	for index := 0; index < concurrency; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			conn, err := transportA.DialContext(ctx, "gate/beta")
			if err != nil {
				failures <- fmt.Errorf("dial %d: %w", index, err)
				return
			}
			defer conn.Close()

			line := fmt.Sprintf("concurrent-%d\n", index)
			if _, err := conn.Write([]byte(line)); err != nil {
				failures <- fmt.Errorf("dial %d write: %w", index, err)
				return
			}
			conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			response, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				failures <- fmt.Errorf("dial %d read: %w", index, err)
				return
			}
			if response != "echo:"+line {
				failures <- fmt.Errorf("dial %d: response = %q", index, response)
			}
		}(index)
	}

	waitGroup.Wait()
	close(failures)
	for err := range failures {
		t.Error(err)
	}
}

func TestWebRTCAddress(t *testing.T) {
	transport := NewWebRTCTransport(NewMemorySignaler(), "gate/workstation", ICEConfig{}, nil, nil)
	defer transport.Close()

	if address := transport.Address(); address != "gate/workstation" {
		t.Errorf("Address() = %q, want %q", address, "gate/workstation")
	}
}

func TestWebRTCDialAfterClose(t *testing.T) {
	transport := NewWebRTCTransport(NewMemorySignaler(), "gate/alpha", ICEConfig{}, nil, nil)
	transport.Close()

	if _, err := transport.DialContext(context.Background(), "gate/beta"); err == nil {
		t.Fatal("expected error from DialContext after Close")
	}
}

func TestWebRTCUpdateICEConfig(t *testing.T) {
	transport := NewWebRTCTransport(NewMemorySignaler(), "gate/alpha", ICEConfig{}, nil, nil)
	defer transport.Close()

	transport.configMu.RLock()
	initial := len(transport.iceConfig.Servers)
	transport.configMu.RUnlock()
	if initial != 0 {
		t.Errorf("initial servers = %d, want 0", initial)
	}

	transport.UpdateICEConfig(StaticICEConfig(
		[]string{"turn:turn.internal:3478"}, "operator", "credential"))

	transport.configMu.RLock()
	updated := len(transport.iceConfig.Servers)
	transport.configMu.RUnlock()
	if updated != 1 {
		t.Errorf("updated servers = %d, want 1", updated)
	}
}

func TestWebRTCPeerAuthentication(t *testing.T) {
	authenticators := testPeerKeys(t, "gate/alpha", "gate/beta")
	transportA, _ := startWebRTCPair(t, authenticators["gate/alpha"], authenticators["gate/beta"])

	response := echoThroughChannel(t, transportA, "gate/beta", "authed")
	if response != "echo:authed" {
		t.Errorf("response = %q, want %q", response, "echo:authed")
	}
}

func TestWebRTCPeerAuthenticationFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the auth timeout")
	}

	// The two gates hold key tables from different trust domains, so
	// mutual verification fails and no tunnel channel ever opens.
	authenticators := testPeerKeys(t, "gate/alpha", "gate/beta")
	imposters := testPeerKeys(t, "gate/alpha", "gate/beta")
	transportA, _ := startWebRTCPair(t, authenticators["gate/alpha"], imposters["gate/beta"])

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout+20*time.Second)
	defer cancel()

	if _, err := transportA.DialContext(ctx, "gate/beta"); err == nil {
		t.Fatal("expected dial to fail across mismatched trust domains")
	}
}
