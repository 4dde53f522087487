// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Listener = (*WebRTCTransport)(nil)
	_ Dialer   = (*WebRTCTransport)(nil)
)

// signalingPollInterval is how often the transport polls for inbound
// signaling offers from peer gates.
const signalingPollInterval = 2 * time.Second

// iceGatherTimeout is the maximum time to wait for ICE candidate
// gathering to complete before publishing the SDP.
const iceGatherTimeout = 15 * time.Second

// answerPollInterval is how often the dialer polls for an SDP answer
// after publishing an offer.
const answerPollInterval = 500 * time.Millisecond

// answerTimeout is the maximum time to wait for an SDP answer before
// giving up.
const answerTimeout = 30 * time.Second

// dataChannelOpenTimeout is the maximum wait for a freshly created
// data channel to reach the open state.
const dataChannelOpenTimeout = 10 * time.Second

// WebRTCTransport provides gate-to-gate communication over WebRTC data
// channels, for deployments where no inbound TCP path exists. It
// implements both Listener and Dialer because both directions share
// the same pool of PeerConnections.
//
// Each peer gate gets one PeerConnection with potentially many data
// channels. Each DialContext call opens a new data channel on the
// existing PeerConnection (or establishes a new PeerConnection if none
// exists). The Serve side accepts inbound data channels from peers and
// dispatches them to the ConnHandler — in production, the tunnel
// server.
//
// Signaling uses the Signaler interface (HTTP rendezvous in
// production, in-process maps in tests). Connection establishment uses
// vanilla ICE: all candidates are gathered before the SDP is
// published, so signaling requires exactly one round-trip.
//
// When a PeerAuthenticator is configured, each new PeerConnection
// completes a mutual Ed25519 challenge-response handshake before
// tunnel data channels are accepted. The handshake adds one round-trip
// per peer connection, amortized because PeerConnections are
// long-lived.
type WebRTCTransport struct {
	signaler      Signaler
	name          string
	authenticator PeerAuthenticator
	logger        *slog.Logger

	// iceConfig is the ICE server configuration. Protected by
	// configMu because operators refresh TURN credentials
	// periodically.
	configMu  sync.RWMutex
	iceConfig ICEConfig

	// peers maps peer gate name → peerState.
	mu    sync.Mutex
	peers map[string]*peerState

	// inboundConnections carries data channels opened by remote
	// peers, wrapped as net.Conn. Serve() reads from this channel and
	// dispatches each connection to the handler.
	inboundConnections chan net.Conn

	// ready is closed when Serve has started the signaling poller and
	// is ready to accept inbound connections.
	ready     chan struct{}
	readyOnce sync.Once

	// closed signals shutdown.
	closed    chan struct{}
	closeOnce sync.Once

	// channelCounter generates unique data channel labels.
	channelCounter atomic.Uint64
}

// peerState tracks the WebRTC PeerConnection to a single remote gate.
// Protected by WebRTCTransport.mu — callers must hold the lock when
// accessing the peers map and when reading or modifying peerState
// fields.
type peerState struct {
	connection  *webrtc.PeerConnection
	name        string
	established chan struct{} // closed when ICE reaches Connected/Completed

	// authenticated is closed when the peer auth handshake succeeds
	// (or immediately, when no authenticator is configured). Data
	// channels are neither opened nor accepted before this.
	authenticated chan struct{}
}

// NewWebRTCTransport creates a WebRTC transport. The name identifies
// this gate in signaling. A nil authenticator disables the transport
// auth handshake; tunnel-level credentials still apply.
func NewWebRTCTransport(signaler Signaler, name string, iceConfig ICEConfig, authenticator PeerAuthenticator, logger *slog.Logger) *WebRTCTransport {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebRTCTransport{
		signaler:           signaler,
		name:               name,
		authenticator:      authenticator,
		iceConfig:          iceConfig,
		logger:             logger,
		peers:              make(map[string]*peerState),
		inboundConnections: make(chan net.Conn, 64),
		ready:              make(chan struct{}),
		closed:             make(chan struct{}),
	}
}

// Ready returns a channel that is closed when Serve has started the
// signaling poller and is ready to accept inbound connections. This
// enables callers to synchronize without polling or sleeping.
func (wt *WebRTCTransport) Ready() <-chan struct{} {
	return wt.ready
}

// Serve starts the WebRTC transport: it polls for inbound signaling
// offers and dispatches incoming data channels to the handler. Blocks
// until ctx is cancelled or Close is called.
func (wt *WebRTCTransport) Serve(ctx context.Context, handler ConnHandler) error {
	go wt.signalingPoller(ctx)

	wt.readyOnce.Do(func() { close(wt.ready) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wt.closed:
			return nil
		case conn := <-wt.inboundConnections:
			go handler.HandleConn(ctx, conn)
		}
	}
}

// Address returns the gate name as the transport address. Peer gates
// use this value to identify this gate for signaling.
func (wt *WebRTCTransport) Address() string {
	return wt.name
}

// Close shuts down all PeerConnections and stops the signaling poller.
func (wt *WebRTCTransport) Close() error {
	wt.closeOnce.Do(func() {
		close(wt.closed)
	})

	wt.mu.Lock()
	defer wt.mu.Unlock()

	for name, peer := range wt.peers {
		peer.connection.Close()
		delete(wt.peers, name)
	}
	return nil
}

// UpdateICEConfig replaces the ICE configuration for new
// PeerConnections. Existing PeerConnections continue using their
// current configuration.
func (wt *WebRTCTransport) UpdateICEConfig(config ICEConfig) {
	wt.configMu.Lock()
	defer wt.configMu.Unlock()
	wt.iceConfig = config
}

// DialContext opens a data channel to the peer identified by address
// (the peer's gate name). If no PeerConnection exists to that peer, it
// creates one by publishing an SDP offer and waiting for the answer.
// Each call creates a new ordered, reliable data channel.
func (wt *WebRTCTransport) DialContext(ctx context.Context, address string) (net.Conn, error) {
	select {
	case <-wt.closed:
		return nil, net.ErrClosed
	default:
	}

	peer, err := wt.getOrCreatePeer(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("establishing peer connection to %s: %w", address, err)
	}

	select {
	case <-peer.established:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	// Hold new channels until the auth handshake clears the peer.
	select {
	case <-peer.authenticated:
	case <-time.After(authTimeout):
		return nil, fmt.Errorf("peer %s not authenticated within %s", address, authTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wt.closed:
		return nil, net.ErrClosed
	}

	return wt.openDataChannel(peer)
}

// getOrCreatePeer returns the peerState for the given peer name,
// creating and signaling a new PeerConnection if necessary. If another
// goroutine is already establishing a connection to this peer, callers
// wait for that attempt rather than starting a parallel one.
func (wt *WebRTCTransport) getOrCreatePeer(ctx context.Context, peerName string) (*peerState, error) {
	wt.mu.Lock()

	if peer, ok := wt.peers[peerName]; ok {
		state := peer.connection.ICEConnectionState()
		if state != webrtc.ICEConnectionStateFailed &&
			state != webrtc.ICEConnectionStateClosed {
			wt.mu.Unlock()
			return peer, nil
		}
		// Connection is dead. Tear down and re-establish.
		peer.connection.Close()
		delete(wt.peers, peerName)
	}

	// Create the PeerConnection and store it in the map before
	// releasing the lock. This ensures concurrent callers find this
	// entry and wait on peer.established instead of starting
	// duplicate signaling.
	pc, err := wt.newPeerConnection()
	if err != nil {
		wt.mu.Unlock()
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := wt.newPeerState(pc, peerName)
	wt.peers[peerName] = peer
	wt.mu.Unlock()

	// Run signaling outside the lock. On failure, clean up the map
	// entry so the next caller retries.
	if err := wt.establishOutbound(ctx, peer); err != nil {
		wt.removePeer(peer)
		pc.Close()
		return nil, err
	}

	// The offerer initiates the auth handshake once ICE connects.
	if wt.authenticator != nil {
		go wt.runOutboundAuth(peer)
	}

	return peer, nil
}

// newPeerState builds a peerState. Without an authenticator the peer
// is born authenticated.
func (wt *WebRTCTransport) newPeerState(pc *webrtc.PeerConnection, peerName string) *peerState {
	peer := &peerState{
		connection:    pc,
		name:          peerName,
		established:   make(chan struct{}),
		authenticated: make(chan struct{}),
	}
	if wt.authenticator == nil {
		close(peer.authenticated)
	}
	return peer
}

// removePeer deletes the peer from the map if it is still the current
// entry.
func (wt *WebRTCTransport) removePeer(peer *peerState) {
	wt.mu.Lock()
	if current, ok := wt.peers[peer.name]; ok && current == peer {
		delete(wt.peers, peer.name)
	}
	wt.mu.Unlock()
}

// establishOutbound performs SDP signaling for a PeerConnection that
// is already stored in the peers map. On success the peer.established
// channel will be closed by the ICE state handler.
func (wt *WebRTCTransport) establishOutbound(ctx context.Context, peer *peerState) error {
	peerName := peer.name
	pc := peer.connection

	// The peer may open channels to us on this connection too.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})

	// Create a trigger data channel to generate the SDP offer. The
	// remote side doesn't use this channel — it just forces pion to
	// include a data channel section in the SDP.
	if _, err := pc.CreateDataChannel("init", nil); err != nil {
		return fmt.Errorf("creating init data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}

	// Wait for ICE gathering to complete (vanilla ICE).
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishOffer(ctx, wt.name, peerName, completeSDP); err != nil {
		return fmt.Errorf("publishing SDP offer: %w", err)
	}

	wt.logger.Info("WebRTC offer published", "peer", peerName)

	answerSDP, err := wt.waitForAnswer(ctx, peerName)
	if err != nil {
		return fmt.Errorf("waiting for SDP answer from %s: %w", peerName, err)
	}

	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	wt.logger.Info("WebRTC outbound connection established", "peer", peerName)
	return nil
}

// waitForAnswer polls the signaler for an SDP answer from the
// specified peer.
func (wt *WebRTCTransport) waitForAnswer(ctx context.Context, peerName string) (string, error) {
	deadline := time.After(answerTimeout)
	ticker := time.NewTicker(answerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return "", fmt.Errorf("timed out after %s", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wt.closed:
			return "", net.ErrClosed
		case <-ticker.C:
			answers, err := wt.signaler.PollAnswers(ctx, wt.name)
			if err != nil {
				wt.logger.Warn("polling for SDP answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.PeerName == peerName {
					return answer.SDP, nil
				}
			}
		}
	}
}

// signalingPoller runs in the background and checks for incoming SDP
// offers from peer gates.
func (wt *WebRTCTransport) signalingPoller(ctx context.Context) {
	ticker := time.NewTicker(signalingPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.closed:
			return
		case <-ticker.C:
			wt.processInboundOffers(ctx)
		}
	}
}

// processInboundOffers checks for new SDP offers and answers them.
func (wt *WebRTCTransport) processInboundOffers(ctx context.Context) {
	offers, err := wt.signaler.PollOffers(ctx, wt.name)
	if err != nil {
		wt.logger.Warn("polling for SDP offers failed", "error", err)
		return
	}

	for _, offer := range offers {
		wt.mu.Lock()
		existing, hasExisting := wt.peers[offer.PeerName]
		wt.mu.Unlock()

		if hasExisting {
			state := existing.connection.ICEConnectionState()
			if state != webrtc.ICEConnectionStateFailed &&
				state != webrtc.ICEConnectionStateClosed {
				// Signaling race: we already have a connection (or
				// are establishing one) to this peer. Tie-breaking:
				// the lexicographically smaller name is the canonical
				// offerer. If the peer should be the offerer (their
				// name < ours), accept their offer and tear down our
				// outbound attempt. Otherwise, ignore their offer.
				if offer.PeerName > wt.name {
					continue
				}
				wt.mu.Lock()
				existing.connection.Close()
				delete(wt.peers, offer.PeerName)
				wt.mu.Unlock()
			} else {
				// Existing connection is dead. Clean it up.
				wt.mu.Lock()
				existing.connection.Close()
				delete(wt.peers, offer.PeerName)
				wt.mu.Unlock()
			}
		}

		if err := wt.answerOffer(ctx, offer); err != nil {
			wt.logger.Error("answering WebRTC offer failed",
				"peer", offer.PeerName,
				"error", err,
			)
		}
	}
}

// answerOffer creates a PeerConnection in response to an incoming SDP
// offer.
func (wt *WebRTCTransport) answerOffer(ctx context.Context, offer SignalMessage) error {
	pc, err := wt.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := wt.newPeerState(pc, offer.PeerName)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		wt.handleInboundDataChannel(dc, peer)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		wt.handleICEStateChange(peer, state)
	})

	remoteOffer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		pc.Close()
		return fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		pc.Close()
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return ctx.Err()
	}

	completeSDP := pc.LocalDescription().SDP
	if err := wt.signaler.PublishAnswer(ctx, offer.PeerName, wt.name, completeSDP); err != nil {
		pc.Close()
		return fmt.Errorf("publishing SDP answer: %w", err)
	}

	wt.mu.Lock()
	wt.peers[offer.PeerName] = peer
	wt.mu.Unlock()

	wt.logger.Info("WebRTC inbound connection answered",
		"peer", offer.PeerName,
	)

	return nil
}

// runOutboundAuth performs the offerer's side of the peer auth
// handshake: wait for ICE, open the auth channel, run the mutual
// protocol. On failure the PeerConnection is torn down.
func (wt *WebRTCTransport) runOutboundAuth(peer *peerState) {
	select {
	case <-peer.established:
	case <-time.After(authTimeout):
		wt.failPeerAuth(peer, fmt.Errorf("ICE not established within %s", authTimeout))
		return
	case <-wt.closed:
		return
	}

	ordered := true
	dc, err := peer.connection.CreateDataChannel(authChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		wt.failPeerAuth(peer, fmt.Errorf("creating auth channel: %w", err))
		return
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(authTimeout):
		wt.failPeerAuth(peer, fmt.Errorf("auth channel did not open within %s", authTimeout))
		return
	case <-wt.closed:
		return
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		wt.failPeerAuth(peer, fmt.Errorf("detaching auth channel: %w", err))
		return
	}
	defer rawChannel.Close()

	if err := runPeerAuth(rawChannel, wt.authenticator, wt.name, peer.name); err != nil {
		wt.failPeerAuth(peer, err)
		return
	}

	wt.logger.Info("peer authenticated", "peer", peer.name)
	close(peer.authenticated)
}

// runInboundAuth performs the answerer's side of the peer auth
// handshake on an inbound auth channel.
func (wt *WebRTCTransport) runInboundAuth(dc *webrtc.DataChannel, peer *peerState) {
	dc.OnOpen(func() {
		rawChannel, err := dc.Detach()
		if err != nil {
			wt.failPeerAuth(peer, fmt.Errorf("detaching auth channel: %w", err))
			return
		}
		defer rawChannel.Close()

		if err := runPeerAuth(rawChannel, wt.authenticator, wt.name, peer.name); err != nil {
			wt.failPeerAuth(peer, err)
			return
		}

		wt.logger.Info("peer authenticated", "peer", peer.name)
		close(peer.authenticated)
	})
}

// failPeerAuth tears down a PeerConnection whose auth handshake did
// not complete.
func (wt *WebRTCTransport) failPeerAuth(peer *peerState, err error) {
	wt.logger.Warn("peer authentication failed", "peer", peer.name, "error", err)
	wt.removePeer(peer)
	peer.connection.Close()
}

// handleInboundDataChannel wraps an incoming data channel as a
// net.Conn and pushes it to the inbound connection channel for the
// handler.
func (wt *WebRTCTransport) handleInboundDataChannel(dc *webrtc.DataChannel, peer *peerState) {
	// The "init" data channel is a trigger used by establishOutbound
	// to force pion to include a data channel section in the SDP
	// offer. Neither side sends data on it. Accepting it into the
	// handler would waste a goroutine, and pion's SCTP implementation
	// can exhibit internal lock contention when multiple streams on
	// the same association have concurrent blocked reads. Discarding
	// the init channel avoids this.
	if dc.Label() == "init" {
		dc.OnOpen(func() {
			dc.Close()
		})
		return
	}

	if dc.Label() == authChannelLabel {
		if wt.authenticator == nil {
			// Peer expects an auth handshake we cannot run. Closing
			// the channel fails their handshake and tears the
			// connection down on their side.
			dc.OnOpen(func() { dc.Close() })
			return
		}
		wt.runInboundAuth(dc, peer)
		return
	}

	wt.logger.Debug("inbound data channel received",
		"peer", peer.name,
		"label", dc.Label(),
	)
	dc.OnOpen(func() {
		// Hold the channel until the peer is authenticated.
		select {
		case <-peer.authenticated:
		case <-time.After(authTimeout):
			wt.logger.Warn("dropping data channel from unauthenticated peer",
				"peer", peer.name, "label", dc.Label())
			dc.Close()
			return
		case <-wt.closed:
			dc.Close()
			return
		}

		rawChannel, err := dc.Detach()
		if err != nil {
			wt.logger.Error("detaching inbound data channel failed",
				"peer", peer.name,
				"label", dc.Label(),
				"error", err,
			)
			return
		}

		conn := NewDataChannelConn(
			rawChannel,
			wt.name+"/"+dc.Label(),
			peer.name+"/"+dc.Label(),
		)

		select {
		case wt.inboundConnections <- conn:
		case <-wt.closed:
			conn.Close()
		}
	})
}

// handleICEStateChange monitors PeerConnection state and manages the
// established signal.
func (wt *WebRTCTransport) handleICEStateChange(peer *peerState, state webrtc.ICEConnectionState) {
	wt.logger.Info("ICE state change",
		"peer", peer.name,
		"state", state.String(),
	)

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		select {
		case <-peer.established:
			// Already signaled.
		default:
			close(peer.established)
		}

	case webrtc.ICEConnectionStateFailed:
		wt.logger.Warn("WebRTC connection failed, will re-establish on next dial",
			"peer", peer.name,
		)
		// Don't remove from peers map here — getOrCreatePeer checks
		// the state and re-establishes if needed.

	case webrtc.ICEConnectionStateClosed:
		wt.removePeer(peer)
	}
}

// openDataChannel creates a new ordered, reliable data channel on the
// peer's PeerConnection and returns it as a net.Conn.
func (wt *WebRTCTransport) openDataChannel(peer *peerState) (net.Conn, error) {
	counter := wt.channelCounter.Add(1)
	label := fmt.Sprintf("tunnel-%d", counter)

	wt.logger.Debug("opening data channel",
		"label", label,
		"peer", peer.name,
	)

	ordered := true
	dc, err := peer.connection.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel %s: %w", label, err)
	}

	openChan := make(chan struct{})
	dc.OnOpen(func() {
		wt.logger.Debug("data channel opened", "label", label, "peer", peer.name)
		close(openChan)
	})

	select {
	case <-openChan:
	case <-time.After(dataChannelOpenTimeout):
		wt.logger.Warn("data channel open timed out", "label", label, "peer", peer.name)
		dc.Close()
		return nil, fmt.Errorf("data channel %s did not open within %s", label, dataChannelOpenTimeout)
	case <-wt.closed:
		dc.Close()
		return nil, net.ErrClosed
	}

	rawChannel, err := dc.Detach()
	if err != nil {
		dc.Close()
		return nil, fmt.Errorf("detaching data channel %s: %w", label, err)
	}

	return NewDataChannelConn(
		rawChannel,
		wt.name+"/"+label,
		peer.name+"/"+label,
	), nil
}

// newPeerConnection creates a pion PeerConnection with the current ICE
// config.
func (wt *WebRTCTransport) newPeerConnection() (*webrtc.PeerConnection, error) {
	wt.configMu.RLock()
	config := webrtc.Configuration{
		ICEServers: wt.iceConfig.Servers,
	}
	wt.configMu.RUnlock()

	// A SettingEngine enables data channel detach (required for
	// stream-oriented ReadWriteCloser access) and loopback ICE
	// candidates (required for same-machine transport and test
	// environments where loopback is the only available interface).
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}
