// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

// authChannelLabel is the data channel label for the mutual
// authentication handshake. Both peers recognize this label and route
// it to the auth handler instead of the tunnel handler.
const authChannelLabel = "auth"

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// authTimeout is the maximum time allowed for the entire peer
// authentication handshake (channel creation, nonce exchange, signing,
// verification). If auth does not complete within this window, the
// PeerConnection is torn down.
const authTimeout = 10 * time.Second

// PeerAuthenticator provides cryptographic identity verification for
// transport connections between gates. When configured on a
// [WebRTCTransport], each new PeerConnection must complete a mutual
// challenge-response handshake before tunnel data channels are
// accepted.
//
// After ICE connects, both peers exchange random 32-byte nonces over a
// dedicated "auth" data channel, sign each other's nonces with their
// Ed25519 private keys, and verify the signatures using the peer's
// published public key. This binds the transport connection to the
// gates' signing identities, preventing impersonation by rogue peers
// that gain access to the signaling channel.
type PeerAuthenticator interface {
	// Sign signs the given message with the local gate's Ed25519
	// private key. Returns a 64-byte Ed25519 signature.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid Ed25519 signature
	// of message produced by the gate identified by peerName. Returns
	// an error if the peer's public key is unknown or the signature
	// is invalid.
	VerifyPeer(peerName string, message, signature []byte) error
}

// StaticPeerAuthenticator is a PeerAuthenticator backed by a fixed
// peer key table, typically loaded from the gate's configuration. The
// private key is the gate's identity signing key.
type StaticPeerAuthenticator struct {
	privateKey ed25519.PrivateKey
	peers      map[string]ed25519.PublicKey
}

// NewStaticPeerAuthenticator creates an authenticator from the local
// private key and a map of peer gate name to public key.
func NewStaticPeerAuthenticator(privateKey ed25519.PrivateKey, peers map[string]ed25519.PublicKey) (*StaticPeerAuthenticator, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privateKey))
	}
	copied := make(map[string]ed25519.PublicKey, len(peers))
	for name, key := range peers {
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("peer %s: public key must be %d bytes, got %d", name, ed25519.PublicKeySize, len(key))
		}
		copied[name] = key
	}
	return &StaticPeerAuthenticator{privateKey: privateKey, peers: copied}, nil
}

func (a *StaticPeerAuthenticator) Sign(message []byte) []byte {
	return ed25519.Sign(a.privateKey, message)
}

func (a *StaticPeerAuthenticator) VerifyPeer(peerName string, message, signature []byte) error {
	publicKey, ok := a.peers[peerName]
	if !ok {
		return fmt.Errorf("no public key registered for peer %s", peerName)
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("invalid signature from peer %s", peerName)
	}
	return nil
}

// runPeerAuth executes the mutual authentication protocol on a data
// channel. Both peers run this function simultaneously on the same
// channel. The protocol is:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peerName) — binding the response to the
//     specific challenger's identity
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's 64-byte signature
//  6. Verify it against (ownNonce || ownName) using the peer's key
//
// The name binding in step 3 prevents a valid signature for peer A
// from being replayed to authenticate against peer B.
//
// Writes and reads are interleaved using a background writer goroutine
// to avoid deadlock on synchronous channels (such as net.Pipe), where
// Write blocks until the peer Reads. Without concurrent write/read,
// both sides would block on their initial Write simultaneously.
//
// The caller is responsible for closing the channel after this
// returns.
func runPeerAuth(channel io.ReadWriter, authenticator PeerAuthenticator, name, peerName string) error {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	// The background writer sends our nonce, then waits for the
	// signature to be computed by the main goroutine, then sends it.
	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := channel.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			return
		}
		if _, err := channel.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(channel, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}

	// Sign (peerNonce || peerName): "I am responding to this
	// challenge from the gate that claims to be <peerName>."
	signedMessage := make([]byte, 0, authNonceSize+len(peerName))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerName...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(channel, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return err
	}

	// Verify: peer signed (nonce || name), i.e., the peer responded
	// to OUR challenge bound to OUR identity.
	verifyMessage := make([]byte, 0, authNonceSize+len(name))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, name...)
	if err := authenticator.VerifyPeer(peerName, verifyMessage, peerSignature); err != nil {
		return fmt.Errorf("peer %s failed authentication: %w", peerName, err)
	}

	return nil
}
