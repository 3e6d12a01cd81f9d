package pairing_test

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/identity"
	"github.com/embercast/ember/pkg/pairing"
)

// driveHandshake runs phases 2-4 against m using the given PIN-derived
// path, returning whether phase 4 reports the client as paired.
func driveHandshake(t *testing.T, m *pairing.Machine, clientIP string, clientKey *rsa.PrivateKey, clientCert *identity.Identity, salt []byte, pin string) bool {
	t.Helper()

	plainCertHex, err := m.GetServerCert(clientIP, salt, clientCert.CertPEM)
	require.NoError(t, err)
	require.NotEmpty(t, plainCertHex)

	aesKey := sha256.Sum256(append(append([]byte{}, salt...), []byte(pin)...))
	key := aesKey[:16]

	challenge := make([]byte, 16)
	_, _ = rand.Read(challenge)
	encChallenge := mustECBEncrypt(t, key, challenge)

	respBytes, err := m.ClientChallenge(clientIP, encChallenge)
	require.NoError(t, err)

	serverHashAndChallenge := mustECBDecrypt(t, key, respBytes)
	serverChallenge := serverHashAndChallenge[32:]

	clientSecret := make([]byte, 16)
	_, _ = rand.Read(clientSecret)

	chain := sha256.New()
	chain.Write(serverChallenge)
	chain.Write(clientCert.Cert.Signature)
	chain.Write(clientSecret)
	clientHash := chain.Sum(nil)

	payload := append(append([]byte{}, clientHash...), clientSecret...)
	encPayload := mustECBEncrypt(t, key, payload)

	_, err = m.ServerChallengeResp(clientIP, encPayload)
	require.NoError(t, err)

	secretHash := sha256.Sum256(clientSecret)
	sig, err := rsa.SignPKCS1v15(rand.Reader, clientKey, crypto.SHA256, secretHash[:])
	require.NoError(t, err)

	paired, err := m.ClientPairingSecret(clientIP, append(append([]byte{}, clientSecret...), sig...))
	require.NoError(t, err)
	return paired
}

func TestSuccessfulPairRoundTrip(t *testing.T) {
	host, err := identity.Generate("ember-host")
	require.NoError(t, err)
	client, err := identity.Generate("moonlight-client")
	require.NoError(t, err)

	var paired []ember.PairedClient
	bus := eventbus.New()
	bus.Subscribe(eventbus.KindPairSignal, func(e eventbus.Event) {
		sig := e.(pairing.PairSignalEvent).Signal
		sig.Fulfill("1234")
	})

	m := pairing.New(bus, host.Cert, host.Key, func(c ember.PairedClient) error {
		paired = append(paired, c)
		return nil
	})
	defer m.Stop()

	salt := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}
	ok := driveHandshake(t, m, "10.0.0.5", client.Key, client, salt, "1234")
	require.True(t, ok)
	require.Len(t, paired, 1)
}

func TestWrongPinFailsPairing(t *testing.T) {
	host, err := identity.Generate("ember-host")
	require.NoError(t, err)
	client, err := identity.Generate("moonlight-client")
	require.NoError(t, err)

	bus := eventbus.New()
	bus.Subscribe(eventbus.KindPairSignal, func(e eventbus.Event) {
		e.(pairing.PairSignalEvent).Signal.Fulfill("1234")
	})

	var pairedCount int
	m := pairing.New(bus, host.Cert, host.Key, func(c ember.PairedClient) error {
		pairedCount++
		return nil
	})
	defer m.Stop()

	salt := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16}

	plainCertHex, err := m.GetServerCert("10.0.0.6", salt, client.CertPEM)
	require.NoError(t, err)
	require.NotEmpty(t, plainCertHex)

	// Client derives its key with the wrong PIN.
	wrongKeySum := sha256.Sum256(append(append([]byte{}, salt...), []byte("9999")...))
	wrongKey := wrongKeySum[:16]

	challenge := make([]byte, 16)
	_, _ = rand.Read(challenge)
	encChallenge := mustECBEncrypt(t, wrongKey, challenge)

	// The host still holds the aes_key derived from the real PIN, so
	// decrypting with it produces garbage, not the original challenge;
	// the handshake proceeds but the final hash comparison will fail.
	respBytes, err := m.ClientChallenge("10.0.0.6", encChallenge)
	require.NoError(t, err)
	require.Equal(t, 0, pairedCount)

	// Finish phases 3 and 4 with the wrong key; phase 4 must report the
	// client as not paired.
	serverChallenge := mustECBDecrypt(t, wrongKey, respBytes)[32:]
	clientSecret := make([]byte, 16)
	_, _ = rand.Read(clientSecret)
	chain := sha256.New()
	chain.Write(serverChallenge)
	chain.Write(client.Cert.Signature)
	chain.Write(clientSecret)
	encPayload := mustECBEncrypt(t, wrongKey, append(chain.Sum(nil), clientSecret...))
	_, err = m.ServerChallengeResp("10.0.0.6", encPayload)
	require.NoError(t, err)

	secretHash := sha256.Sum256(clientSecret)
	sig, err := rsa.SignPKCS1v15(rand.Reader, client.Key, crypto.SHA256, secretHash[:])
	require.NoError(t, err)
	paired, err := m.ClientPairingSecret("10.0.0.6", append(append([]byte{}, clientSecret...), sig...))
	require.NoError(t, err)
	require.False(t, paired)
	require.Equal(t, 0, pairedCount)
}

func TestPhaseOutOfOrderIsRejected(t *testing.T) {
	host, err := identity.Generate("ember-host")
	require.NoError(t, err)
	client, err := identity.Generate("moonlight-client")
	require.NoError(t, err)

	bus := eventbus.New()
	bus.Subscribe(eventbus.KindPairSignal, func(e eventbus.Event) {
		e.(pairing.PairSignalEvent).Signal.Fulfill("1234")
	})

	m := pairing.New(bus, host.Cert, host.Key, func(ember.PairedClient) error { return nil })
	defer m.Stop()

	salt := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	_, err = m.GetServerCert("10.0.0.7", salt, client.CertPEM)
	require.NoError(t, err)

	// Jumping straight to phase 3 before phase 2 completes must be
	// rejected and must evict the exchange.
	_, err = m.ServerChallengeResp("10.0.0.7", []byte("bogus-16-bytes!!"))
	require.Error(t, err)

	// The exchange was evicted by the out-of-order attempt, so a
	// well-formed phase 2 request now also fails.
	_, err = m.ClientChallenge("10.0.0.7", []byte("bogus-16-bytes!!"))
	require.Error(t, err)
}

func TestUnknownClientIPIsRejected(t *testing.T) {
	host, err := identity.Generate("ember-host")
	require.NoError(t, err)

	bus := eventbus.New()
	m := pairing.New(bus, host.Cert, host.Key, func(ember.PairedClient) error { return nil })
	defer m.Stop()

	_, err = m.ClientChallenge("never-seen", []byte("short"))
	require.Error(t, err)
}

func mustECBEncrypt(t *testing.T, key, plaintext []byte) []byte {
	t.Helper()
	out, err := pairing.ExportECBEncrypt(key, plaintext)
	require.NoError(t, err)
	return out
}

func mustECBDecrypt(t *testing.T, key, ciphertext []byte) []byte {
	t.Helper()
	out, err := pairing.ExportECBDecrypt(key, ciphertext)
	require.NoError(t, err)
	return out
}
