package session_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/identity"
	"github.com/embercast/ember/pkg/session"
)

// seedStore writes a config file with one app and one paired client
// already present, then loads it through the real LoadOrDefault path
// so Registry.Launch has something to resolve.
func seedStore(t *testing.T) (*configstore.Store, *ember.PairedClient) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	hostID, err := identity.Generate("ember-host")
	require.NoError(t, err)
	clientID, err := identity.Generate("test-client")
	require.NoError(t, err)

	cfg := ember.Config{
		Hostname:    "ember-test",
		UUID:        hostID.UUID,
		HostCertPEM: hostID.CertPEM,
		HostKeyPEM:  hostID.KeyPEM,
		SupportHEVC: true,
		PairedClients: []ember.PairedClient{
			{ClientID: clientID.UUID, ClientCertPEM: clientID.CertPEM, PairedAt: time.Now()},
		},
		Apps: []ember.App{
			{
				ID:    "app-1",
				Title: "Test App",
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
	return store, client
}

func TestSessionIDsAreNeverReused(t *testing.T) {
	store, client := seedStore(t)
	bus := eventbus.New()
	reg := session.NewRegistry(bus, store)

	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		sess, err := reg.Launch("app-1", client, "10.0.0.1")
		require.NoError(t, err)
		require.False(t, seen[sess.SessionID], "session id %d reused", sess.SessionID)
		seen[sess.SessionID] = true
		reg.Stop(sess.SessionID)
	}
	require.Len(t, seen, 10)
}

func TestLaunchUnknownAppReturnsNotFound(t *testing.T) {
	store, client := seedStore(t)
	bus := eventbus.New()
	reg := session.NewRegistry(bus, store)

	_, err := reg.Launch("does-not-exist", client, "10.0.0.1")
	require.Error(t, err)
}

func TestStopRemovesSessionFromRegistry(t *testing.T) {
	store, client := seedStore(t)
	bus := eventbus.New()
	reg := session.NewRegistry(bus, store)

	sess, err := reg.Launch("app-1", client, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	reg.Stop(sess.SessionID)
	require.Equal(t, 0, reg.Len())
	_, ok := reg.Get(sess.SessionID)
	require.False(t, ok)
}

func TestWriteOnceInputCellsAreStable(t *testing.T) {
	bus := eventbus.New()
	app := &ember.App{ID: "app-1", Title: "Test App"}
	sess := session.NewStreamSessionForTest(1, "10.0.0.1", app, bus)

	first := sess.SetMouse(session.InputDevice{DevicePath: "/dev/input/mouse0"})
	require.True(t, first)
	second := sess.SetMouse(session.InputDevice{DevicePath: "/dev/input/mouse1"})
	require.False(t, second)
	require.Equal(t, "/dev/input/mouse0", sess.Mouse().DevicePath)
}

func TestIDRRequestsCoalesceWithinFrameInterval(t *testing.T) {
	bus := eventbus.New()
	app := &ember.App{ID: "app-1", Title: "Test App"}
	sess := session.NewStreamSessionForTest(7, "10.0.0.1", app, bus)
	pipeline := &countingPipeline{}
	session.NewVideoSubsession(bus, sess, pipeline, 100*time.Millisecond)

	bus.Publish(session.VideoSessionEvent{Params: session.VideoParams{SessionID: 7}})
	require.Equal(t, 1, pipeline.starts)

	// Repeated IDR requests within the frame interval must not panic or
	// re-trigger pipeline start/stop; the subsession's internal
	// coalescing window absorbs them.
	require.NotPanics(t, func() {
		bus.Publish(session.IDRRequestEvent{SessionID: 7})
		bus.Publish(session.IDRRequestEvent{SessionID: 7})
		bus.Publish(session.IDRRequestEvent{SessionID: 7})
	})
	require.Equal(t, 1, pipeline.starts)
	require.Equal(t, 0, pipeline.stops)
}

func TestStopUnsubscribesAndStopsPipeline(t *testing.T) {
	bus := eventbus.New()
	app := &ember.App{ID: "app-1", Title: "Test App"}
	sess := session.NewStreamSessionForTest(9, "10.0.0.1", app, bus)
	pipeline := &countingPipeline{}
	session.NewVideoSubsession(bus, sess, pipeline, time.Millisecond)

	bus.Publish(session.VideoSessionEvent{Params: session.VideoParams{SessionID: 9}})
	require.Equal(t, 1, pipeline.starts)

	bus.Publish(session.StopStreamEvent{SessionID: 9})
	require.Equal(t, 1, pipeline.stops)

	// Further events for the same session id must not reach the
	// unsubscribed handler.
	bus.Publish(session.VideoSessionEvent{Params: session.VideoParams{SessionID: 9}})
	require.Equal(t, 1, pipeline.starts)
}

func TestResumeRestartsPipelineWithLastVideoParams(t *testing.T) {
	bus := eventbus.New()
	app := &ember.App{ID: "app-1", Title: "Test App"}
	sess := session.NewStreamSessionForTest(11, "10.0.0.1", app, bus)
	pipeline := &countingPipeline{}
	session.NewVideoSubsession(bus, sess, pipeline, time.Millisecond)

	announced := session.VideoParams{SessionID: 11, BitrateKbps: 20000, PacketDuration: 1}
	sess.RecordVideoParams(announced)
	bus.Publish(session.VideoSessionEvent{Params: announced})
	require.Equal(t, 1, pipeline.starts)

	bus.Publish(session.PauseStreamEvent{SessionID: 11})
	bus.Publish(session.ResumeStreamEvent{SessionID: 11})

	require.Equal(t, 2, pipeline.starts)
	require.Equal(t, announced, pipeline.lastParams)
}

type countingPipeline struct {
	starts     int
	stops      int
	lastParams any
}

func (c *countingPipeline) Start(_ uint64, params any) error {
	c.starts++
	c.lastParams = params
	return nil
}
func (c *countingPipeline) Stop(uint64) { c.stops++ }
