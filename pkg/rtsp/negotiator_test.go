package rtsp_test

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/identity"
	"github.com/embercast/ember/pkg/rtsp"
	"github.com/embercast/ember/pkg/session"
)

func seedRegistry(t *testing.T) (*session.Registry, *eventbus.Bus, *ember.PairedClient) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	hostID, err := identity.Generate("ember-host")
	require.NoError(t, err)
	clientID, err := identity.Generate("test-client")
	require.NoError(t, err)

	cfg := ember.Config{
		UUID:        hostID.UUID,
		HostCertPEM: hostID.CertPEM,
		HostKeyPEM:  hostID.KeyPEM,
		PairedClients: []ember.PairedClient{
			{ClientID: clientID.UUID, ClientCertPEM: clientID.CertPEM, PairedAt: time.Now()},
		},
		Apps: []ember.App{
			{
				ID: "app-1", Title: "Test App",
				H264PipelineDescription: "h264enc", OpusPipelineDescription: "opusenc",
				Runner: ember.RunnerConfig{
					Kind:    ember.RunnerKindCommand,
					Command: &ember.CommandRunner{Path: "true"},
				},
			},
		},
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store, err := configstore.LoadOrDefault(path)
	require.NoError(t, err)
	client, err := store.GetClientViaSSL(clientID.Cert)
	require.NoError(t, err)

	bus := eventbus.New()
	return session.NewRegistry(bus, store), bus, client
}

func TestNegotiatorFullHandshakePublishesSessionEvents(t *testing.T) {
	reg, bus, client := seedRegistry(t)
	sess, err := reg.Launch("app-1", client, "10.0.0.1")
	require.NoError(t, err)

	var gotVideo, gotAudio bool
	bus.Subscribe(eventbus.KindVideoSession, func(eventbus.Event) { gotVideo = true })
	bus.Subscribe(eventbus.KindAudioSession, func(eventbus.Event) { gotAudio = true })

	n := rtsp.New(reg)

	respondTo := func(method, body string) *rtsp.Response {
		req := &rtsp.Request{Method: method, CSeq: 1, Headers: map[string]string{}, Body: body}
		resp, err := n.Handle(sess.SessionID, req)
		require.NoError(t, err)
		return resp
	}

	require.Equal(t, 200, respondTo("OPTIONS", "").StatusCode)
	require.Equal(t, 200, respondTo("DESCRIBE", "").StatusCode)
	require.Equal(t, 200, respondTo("SETUP", "").StatusCode)
	require.Equal(t, 200, respondTo("ANNOUNCE", "a=x-nv-vqos[0].bw.maximumBitrateKbps:15000\r\n").StatusCode)
	require.Equal(t, 200, respondTo("PLAY", "").StatusCode)

	require.True(t, gotVideo)
	require.True(t, gotAudio)
}

func TestPlayBeforeAnnounceFails(t *testing.T) {
	reg, _, client := seedRegistry(t)
	sess, err := reg.Launch("app-1", client, "10.0.0.1")
	require.NoError(t, err)

	n := rtsp.New(reg)
	_, err = n.Handle(sess.SessionID, &rtsp.Request{Method: "PLAY", CSeq: 1, Headers: map[string]string{}})
	require.Error(t, err)
}

func TestServeConnOverLoopback(t *testing.T) {
	reg, _, client := seedRegistry(t)
	sess, err := reg.Launch("app-1", client, "10.0.0.1")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	n := rtsp.New(reg)
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		done <- n.ServeConn(conn, sess.SessionID)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	write := func(req string) {
		_, err := conn.Write([]byte(req))
		require.NoError(t, err)
	}
	read := func(r *bufio.Reader) string {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	reader := bufio.NewReader(conn)

	write("OPTIONS rtsp://x RTSP/1.0\r\nCSeq: 1\r\n\r\n")
	require.Contains(t, read(reader), "200")
	drainHeaders(t, reader)

	announceBody := "a=x-nv-vqos[0].bw.maximumBitrateKbps:12000\r\n"
	write("ANNOUNCE rtsp://x RTSP/1.0\r\nCSeq: 2\r\nContent-Length: " + itoa(len(announceBody)) + "\r\n\r\n" + announceBody)
	require.Contains(t, read(reader), "200")
	drainHeaders(t, reader)

	write("PLAY rtsp://x RTSP/1.0\r\nCSeq: 3\r\n\r\n")
	require.Contains(t, read(reader), "200")

	require.NoError(t, <-done)
}

func drainHeaders(t *testing.T, r *bufio.Reader) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			return
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
