// Package pairing implements the 4-phase Moonlight/GameStream pairing
// handshake described in spec.md §4.3: GET_SERVER_CERT, CLIENT_CHALLENGE,
// SERVER_CHALLENGE_RESP, and CLIENT_PAIRING_SECRET. Each phase is a
// separate HTTP(S) request; state for an in-flight exchange is held in
// a short-lived map evicted on terminal transition or TTL expiry.
//
// The TTL sweep goroutine is grounded on the teacher's
// connman.ConnectionManager grace-period cleanup ticker.
package pairing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/identity"
)

// Phase identifies where an in-flight exchange sits in the handshake.
type Phase int

const (
	PhaseClientChallenge Phase = iota
	PhaseServerChallengeResp
	PhaseClientPairingSecret
)

// DefaultTTL is how long an incomplete exchange is retained before the
// sweep evicts it. spec.md §11's Open Question is decided as 30s.
const DefaultTTL = 30 * time.Second

// DefaultPinTimeout bounds how long GET_SERVER_CERT waits for a PIN
// before giving up. Matches DefaultTTL: the exchange itself would
// expire around the same time regardless.
const DefaultPinTimeout = 30 * time.Second

// sweepInterval is how often the TTL sweep goroutine checks for expired
// exchanges.
const sweepInterval = 5 * time.Second

type exchange struct {
	phase      Phase
	clientCert *x509.Certificate
	aesKey     []byte

	serverChallenge []byte
	clientHash      []byte
	clientSecret    []byte

	expiresAt time.Time
}

// PairFunc commits a successfully paired client to the Config Store.
// Implemented by configstore.Store.Pair.
type PairFunc func(client ember.PairedClient) error

// Machine runs the 4-phase handshake for all concurrently connecting
// clients. One Machine per host process.
type Machine struct {
	mu      sync.Mutex
	pending map[string]*exchange

	bus *eventbus.Bus

	hostCert *x509.Certificate
	hostKey  *rsa.PrivateKey

	ttl        time.Duration
	pinTimeout time.Duration

	onPaired PairFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Machine bound to the host's identity and the bus it
// publishes PairSignalEvent on. onPaired is invoked synchronously from
// the phase-4 handler on success.
func New(bus *eventbus.Bus, hostCert *x509.Certificate, hostKey *rsa.PrivateKey, onPaired PairFunc) *Machine {
	m := &Machine{
		pending:    make(map[string]*exchange),
		bus:        bus,
		hostCert:   hostCert,
		hostKey:    hostKey,
		ttl:        DefaultTTL,
		pinTimeout: DefaultPinTimeout,
		onPaired:   onPaired,
		stopCh:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Stop halts the TTL sweep goroutine. Idempotent.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Machine) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Machine) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ex := range m.pending {
		if now.After(ex.expiresAt) {
			delete(m.pending, key)
		}
	}
}

// GetServerCert handles phase 1. It parses the client's certificate,
// publishes a PairSignal event for an out-of-band UI/CLI to fulfill
// with the PIN, derives the shared AES key from salt||pin, and returns
// the host's own certificate PEM, hex-encoded, for the client to trust.
//
// Exchange state for phases 2-4 is keyed only by clientIP: the wire
// protocol does not resend the client certificate on later phases, so
// there can be at most one in-flight exchange per client address.
func (m *Machine) GetServerCert(clientIP string, salt []byte, clientCertPEM string) (string, error) {
	clientCert, err := identity.ParseCertificatePEM(clientCertPEM)
	if err != nil {
		return "", emberr.Wrap(emberr.ErrPairingFailed, fmt.Sprintf("parse client cert: %v", err))
	}

	signal := NewPairSignal(clientIP, "")
	m.bus.Publish(PairSignalEvent{Signal: signal})

	ctx, cancel := context.WithTimeout(context.Background(), m.pinTimeout)
	defer cancel()
	pin, err := signal.Wait(ctx)
	if err != nil {
		return "", emberr.Wrap(emberr.ErrPairingFailed, "PIN not provided in time")
	}

	aesKey := deriveAESKey(salt, pin)

	m.mu.Lock()
	m.pending[clientIP] = &exchange{
		phase:      PhaseClientChallenge,
		clientCert: clientCert,
		aesKey:     aesKey,
		expiresAt:  time.Now().Add(m.ttl),
	}
	m.mu.Unlock()

	return hex.EncodeToString([]byte(encodeCertPEM(m.hostCert))), nil
}

// ClientChallenge handles phase 2.
func (m *Machine) ClientChallenge(clientIP string, encChallenge []byte) ([]byte, error) {
	ex, err := m.take(clientIP, PhaseClientChallenge)
	if err != nil {
		return nil, err
	}

	challenge, err := ecbDecrypt(ex.aesKey, encChallenge)
	if err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "decrypt client challenge")
	}

	serverChallenge := make([]byte, 16)
	if _, err := rand.Read(serverChallenge); err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "generate server challenge")
	}

	hash := sha256.New()
	hash.Write(challenge)
	hash.Write(m.hostCert.Signature)
	hash.Write(serverChallenge)
	serverHash := hash.Sum(nil)

	resp, err := ecbEncrypt(ex.aesKey, append(append([]byte{}, serverHash...), serverChallenge...))
	if err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "encrypt challenge response")
	}

	m.mu.Lock()
	ex.serverChallenge = serverChallenge
	ex.phase = PhaseServerChallengeResp
	ex.expiresAt = time.Now().Add(m.ttl)
	m.mu.Unlock()

	return resp, nil
}

// ServerChallengeResp handles phase 3.
func (m *Machine) ServerChallengeResp(clientIP string, encClientHash []byte) ([]byte, error) {
	ex, err := m.take(clientIP, PhaseServerChallengeResp)
	if err != nil {
		return nil, err
	}

	decoded, err := ecbDecrypt(ex.aesKey, encClientHash)
	if err != nil || len(decoded) < sha256.Size {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "decrypt client hash")
	}
	clientHash := decoded[:sha256.Size]
	clientSecret := decoded[sha256.Size:]

	serverSecret := make([]byte, 16)
	if _, err := rand.Read(serverSecret); err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "generate server secret")
	}

	secretHash := sha256.Sum256(serverSecret)
	serverSignature, err := rsa.SignPKCS1v15(rand.Reader, m.hostKey, crypto.SHA256, secretHash[:])
	if err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "sign server secret")
	}

	resp, err := ecbEncrypt(ex.aesKey, append(append([]byte{}, serverSecret...), serverSignature...))
	if err != nil {
		m.evict(clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "encrypt server secret")
	}

	m.mu.Lock()
	ex.clientHash = clientHash
	ex.clientSecret = clientSecret
	ex.phase = PhaseClientPairingSecret
	ex.expiresAt = time.Now().Add(m.ttl)
	m.mu.Unlock()

	return resp, nil
}

// ClientPairingSecret handles phase 4: verifies the client's signature
// and hash chain, then commits the paired client to the Config Store.
func (m *Machine) ClientPairingSecret(clientIP string, clientSecretAndSignature []byte) (bool, error) {
	ex, err := m.take(clientIP, PhaseClientPairingSecret)
	if err != nil {
		return false, err
	}
	defer m.evict(clientIP)

	if len(clientSecretAndSignature) <= 16 {
		return false, emberr.Wrap(emberr.ErrPairingFailed, "short client secret payload")
	}
	clientSecret := clientSecretAndSignature[:16]
	clientSignature := clientSecretAndSignature[16:]

	pub, ok := ex.clientCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false, emberr.Wrap(emberr.ErrPairingFailed, "client cert has no RSA public key")
	}
	secretHash := sha256.Sum256(clientSecret)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, secretHash[:], clientSignature); err != nil {
		return false, nil //nolint:nilerr // pairing failure is reported via the bool, not an error
	}

	chain := sha256.New()
	chain.Write(ex.serverChallenge)
	chain.Write(ex.clientCert.Signature)
	chain.Write(clientSecret)
	expected := chain.Sum(nil)

	if !bytes.Equal(expected, ex.clientHash) {
		return false, nil
	}

	client := ember.PairedClient{
		ClientID:      hex.EncodeToString(ex.clientCert.SerialNumber.Bytes()),
		ClientCertPEM: encodeCertPEM(ex.clientCert),
		PairedAt:      time.Now(),
	}
	client.SetCertificate(ex.clientCert)

	if err := m.onPaired(client); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) take(clientIP string, want Phase) (*exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.pending[clientIP]
	if !ok {
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "no in-flight exchange")
	}
	if ex.phase != want {
		delete(m.pending, clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "phase arrived out of order")
	}
	if time.Now().After(ex.expiresAt) {
		delete(m.pending, clientIP)
		return nil, emberr.Wrap(emberr.ErrPairingFailed, "exchange expired")
	}
	return ex, nil
}

func (m *Machine) evict(clientIP string) {
	m.mu.Lock()
	delete(m.pending, clientIP)
	m.mu.Unlock()
}

func deriveAESKey(salt []byte, pin string) []byte {
	sum := sha256.Sum256(append(append([]byte{}, salt...), []byte(pin)...))
	return sum[:16]
}

func encodeCertPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}
