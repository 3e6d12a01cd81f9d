package session

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/runner"
	"github.com/embercast/ember/pkg/vdisplay"
)

// videoFrameInterval bounds how often IDR requests are honored,
// matching a 60fps pipeline's frame boundary.
const videoFrameInterval = time.Second / 60

// PortPoolStart and PortPoolEnd bound the UDP port range the Registry
// allocates video/audio ports from. Matches the port range real
// GameStream hosts advertise to clients (47998-48010 plus headroom).
const (
	PortPoolStart = 47998
	PortPoolEnd   = 48100
)

// Registry owns every live StreamSession, keyed by session id.
// Concurrency per spec.md §5's lock order: the Registry sits below the
// Config Store and above any per-session input map.
type Registry struct {
	sessions *xsync.MapOf[uint64, *StreamSession]
	nextID   atomic.Uint64

	portMu    sync.Mutex
	usedPorts map[int]bool

	bus   *eventbus.Bus
	store *configstore.Store

	runners   *xsync.MapOf[uint64, runner.Runner]
	controls  *xsync.MapOf[uint64, *ControlSubsession]
	vdisplays *xsync.MapOf[uint64, *vdisplay.Session]
}

// NewRegistry constructs an empty Registry bound to bus for publishing
// session lifecycle events and store for resolving clients/apps.
func NewRegistry(bus *eventbus.Bus, store *configstore.Store) *Registry {
	return &Registry{
		sessions:  xsync.NewMapOf[uint64, *StreamSession](),
		usedPorts: make(map[int]bool),
		bus:       bus,
		store:     store,
		runners:   xsync.NewMapOf[uint64, runner.Runner](),
		controls:  xsync.NewMapOf[uint64, *ControlSubsession](),
		vdisplays: xsync.NewMapOf[uint64, *vdisplay.Session](),
	}
}

// Launch implements spec.md §4.4's launch(app_id, client_cert) entry
// point: resolves the paired client and app, allocates a session id,
// AES key/IV, and two UDP ports, constructs the StreamSession, and
// publishes SessionStartedEvent.
func (r *Registry) Launch(appID string, client *ember.PairedClient, clientIP string) (*StreamSession, error) {
	app, err := r.store.GetAppByID(appID)
	if err != nil {
		return nil, err
	}

	aesKey, err := randomBytes16()
	if err != nil {
		return nil, emberr.Wrap(emberr.ErrTransient, "generate session AES key")
	}
	aesIV, err := randomBytes16()
	if err != nil {
		return nil, emberr.Wrap(emberr.ErrTransient, "generate session AES iv")
	}

	videoPort, err := r.allocatePort()
	if err != nil {
		return nil, err
	}
	audioPort, err := r.allocatePort()
	if err != nil {
		r.releasePort(videoPort)
		return nil, err
	}

	id := r.nextID.Add(1)
	sess := newStreamSession(id, clientIP, app, r.bus, aesKey, aesIV, videoPort, audioPort, client.AppStateFolder)
	r.sessions.Store(id, sess)

	appRunner, err := runner.New(app.Runner)
	if err != nil {
		r.sessions.Delete(id)
		r.releasePort(videoPort)
		r.releasePort(audioPort)
		return nil, err
	}
	launchSpec := runner.LaunchSpec{
		SessionID:   id,
		StateFolder: client.AppStateFolder,
		DeviceQueue: sess.DeviceQueue,
		RenderNode:  app.ResolveRenderNode(""),
		VideoPort:   videoPort,
		AudioPort:   audioPort,
	}
	if err := appRunner.Start(context.Background(), launchSpec); err != nil {
		r.sessions.Delete(id)
		r.releasePort(videoPort)
		r.releasePort(audioPort)
		return nil, err
	}
	r.runners.Store(id, appRunner)

	if app.StartVirtualCompositor {
		vd, err := vdisplay.Negotiate(context.Background(), app.ID)
		if err != nil {
			log.Warn().Err(err).Uint64("session_id", id).Msg("virtual compositor negotiation failed, continuing without one")
		} else {
			r.vdisplays.Store(id, vd)
			sess.SetWaylandDisplay(vd.DisplayName())
		}
	}

	NewVideoSubsession(r.bus, sess, loggingPipeline{kind: "video"}, videoFrameInterval)
	NewAudioSubsession(r.bus, sess, loggingPipeline{kind: "audio"})
	r.controls.Store(id, NewControlSubsession(r.bus, id))
	NewInputSubsession(r.bus, sess)

	log.Info().Uint64("session_id", id).Str("app_id", app.ID).Msg("session launched")
	r.bus.Publish(SessionStartedEvent{Session: sess})

	return sess, nil
}

// Get returns the session for id, if still registered.
func (r *Registry) Get(id uint64) (*StreamSession, bool) {
	return r.sessions.Load(id)
}

// ControlSubsession returns the control sub-session for id, if the
// session is still live. Used to attach passive viewer sinks (e.g. the
// httpapi websocket cursor-echo endpoint) to a running session.
func (r *Registry) ControlSubsession(id uint64) (*ControlSubsession, bool) {
	return r.controls.Load(id)
}

// Stop publishes StopStreamEvent for id and removes the session entry.
// Per spec.md §4.4, the Registry only drops its own reference here;
// sub-services are expected to drop theirs on observing the same
// event, leaving StreamSession's garbage collection to Go's runtime
// once every reference is released.
func (r *Registry) Stop(id uint64) {
	sess, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	r.releasePort(sess.VideoStreamPort)
	r.releasePort(sess.AudioStreamPort)
	r.bus.Publish(StopStreamEvent{SessionID: id})

	r.controls.Delete(id)

	if vd, ok := r.vdisplays.LoadAndDelete(id); ok {
		if err := vd.Close(); err != nil {
			log.Debug().Err(err).Uint64("session_id", id).Msg("virtual compositor session close returned error")
		}
	}

	if appRunner, ok := r.runners.LoadAndDelete(id); ok {
		ctx, cancel := context.WithTimeout(context.Background(), runner.DefaultGracePeriod+time.Second)
		defer cancel()
		if err := appRunner.Stop(ctx, runner.DefaultGracePeriod); err != nil {
			log.Warn().Err(err).Uint64("session_id", id).Msg("runner stop returned error")
		}
	}

	log.Info().Uint64("session_id", id).Msg("session stopped")
}

// Pause publishes PauseStreamEvent for id.
func (r *Registry) Pause(id uint64) {
	r.bus.Publish(PauseStreamEvent{SessionID: id})
}

// Resume publishes ResumeStreamEvent for id.
func (r *Registry) Resume(id uint64) {
	r.bus.Publish(ResumeStreamEvent{SessionID: id})
}

// RequestIDR publishes IDRRequestEvent for id.
func (r *Registry) RequestIDR(id uint64) {
	r.bus.Publish(IDRRequestEvent{SessionID: id})
}

// Len reports the number of currently registered sessions. Intended
// for tests and diagnostics.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

func (r *Registry) allocatePort() (int, error) {
	r.portMu.Lock()
	defer r.portMu.Unlock()
	for p := PortPoolStart; p <= PortPoolEnd; p++ {
		if !r.usedPorts[p] {
			r.usedPorts[p] = true
			return p, nil
		}
	}
	return 0, emberr.Wrap(emberr.ErrResourceExhausted, "no free UDP port")
}

func (r *Registry) releasePort(p int) {
	r.portMu.Lock()
	delete(r.usedPorts, p)
	r.portMu.Unlock()
}

func randomBytes16() ([16]byte, error) {
	var b [16]byte
	_, err := rand.Read(b[:])
	return b, err
}
