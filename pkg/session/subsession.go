package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/deviceplug"
	"github.com/embercast/ember/pkg/eventbus"
)

// lifecycleState is the small state machine shared by VideoSubsession
// and AudioSubsession: idle -> active -> paused -> stopped. An event
// that does not fit the current state is ignored, not panicked on,
// since a stray duplicate event must never take down the process.
type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateActive
	statePaused
	stateStopped
)

// PipelineStarter starts or stops the actual media pipeline underlying
// a sub-session. Implementations live outside this package (GStreamer/
// ffmpeg bindings are a Non-goal here); VideoSubsession and
// AudioSubsession only drive the state machine and call into this
// interface at the right transitions. params is the VideoParams or
// AudioParams (as negotiated by ANNOUNCE) the pipeline should start
// with; on Resume it is the session's last-recorded params rather than
// a fresh negotiation.
type PipelineStarter interface {
	Start(sessionID uint64, params any) error
	Stop(sessionID uint64)
}

// VideoSubsession reacts to VideoSession/IDRRequest/Pause/Resume/Stop
// events for a single session id and drives a PipelineStarter.
type VideoSubsession struct {
	session  *StreamSession
	pipeline PipelineStarter

	mu    sync.Mutex
	state lifecycleState

	lastIDR   time.Time
	idrWindow time.Duration

	regs []*eventbus.Registration
}

// NewVideoSubsession subscribes to bus for session's video-relevant
// events. Call Close to unsubscribe once the session ends.
func NewVideoSubsession(bus *eventbus.Bus, session *StreamSession, pipeline PipelineStarter, frameInterval time.Duration) *VideoSubsession {
	sessionID := session.SessionID
	v := &VideoSubsession{session: session, pipeline: pipeline, idrWindow: frameInterval}

	v.regs = append(v.regs, bus.Subscribe(eventbus.KindVideoSession, func(e eventbus.Event) {
		ev, ok := e.(VideoSessionEvent)
		if !ok || ev.Params.SessionID != sessionID {
			return
		}
		v.activate(ev.Params)
	}))
	v.regs = append(v.regs, bus.Subscribe(eventbus.KindIDRRequest, func(e eventbus.Event) {
		ev, ok := e.(IDRRequestEvent)
		if !ok || ev.SessionID != sessionID {
			return
		}
		v.requestIDR()
	}))
	v.regs = append(v.regs, bus.Subscribe(eventbus.KindPause, func(e eventbus.Event) {
		if ev, ok := e.(PauseStreamEvent); ok && ev.SessionID == sessionID {
			v.pause()
		}
	}))
	v.regs = append(v.regs, bus.Subscribe(eventbus.KindResume, func(e eventbus.Event) {
		if ev, ok := e.(ResumeStreamEvent); ok && ev.SessionID == sessionID {
			v.resume()
		}
	}))
	v.regs = append(v.regs, bus.Subscribe(eventbus.KindStop, func(e eventbus.Event) {
		if ev, ok := e.(StopStreamEvent); ok && ev.SessionID == sessionID {
			v.stop()
		}
	}))

	return v
}

func (v *VideoSubsession) activate(params VideoParams) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == stateStopped {
		return
	}
	if err := v.pipeline.Start(v.session.SessionID, params); err != nil {
		log.Error().Err(err).Uint64("session_id", v.session.SessionID).Msg("video pipeline failed to start")
		return
	}
	v.state = stateActive
}

func (v *VideoSubsession) requestIDR() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != stateActive {
		return
	}
	now := time.Now()
	if now.Sub(v.lastIDR) < v.idrWindow {
		// Coalesce duplicate requests arriving within one frame interval.
		return
	}
	v.lastIDR = now
	// Only the coalescing window is tracked here. PipelineStarter has no
	// IDR call, so no intra-frame request is passed on to the pipeline.
}

func (v *VideoSubsession) pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != stateActive {
		return
	}
	v.pipeline.Stop(v.session.SessionID)
	v.state = statePaused
}

// resume restarts the pipeline with the session's last-negotiated
// VideoParams rather than renegotiating, per spec.md §4.4: a client
// resuming a paused stream does not re-ANNOUNCE.
func (v *VideoSubsession) resume() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != statePaused {
		return
	}
	params := v.session.LastVideoParams()
	if params == nil {
		log.Error().Uint64("session_id", v.session.SessionID).Msg("video resume with no recorded params")
		return
	}
	if err := v.pipeline.Start(v.session.SessionID, *params); err != nil {
		log.Error().Err(err).Uint64("session_id", v.session.SessionID).Msg("video pipeline failed to resume")
		return
	}
	v.state = stateActive
}

func (v *VideoSubsession) stop() {
	v.mu.Lock()
	wasActive := v.state == stateActive
	v.state = stateStopped
	v.mu.Unlock()

	if wasActive {
		v.pipeline.Stop(v.session.SessionID)
	}
	for _, r := range v.regs {
		r.Unsubscribe()
	}
}

// AudioSubsession mirrors VideoSubsession for the audio pipeline; it
// has no IDR concept so it is simpler.
type AudioSubsession struct {
	session  *StreamSession
	pipeline PipelineStarter

	mu    sync.Mutex
	state lifecycleState

	regs []*eventbus.Registration
}

// NewAudioSubsession subscribes to bus for session's audio-relevant
// events.
func NewAudioSubsession(bus *eventbus.Bus, session *StreamSession, pipeline PipelineStarter) *AudioSubsession {
	sessionID := session.SessionID
	a := &AudioSubsession{session: session, pipeline: pipeline}

	a.regs = append(a.regs, bus.Subscribe(eventbus.KindAudioSession, func(e eventbus.Event) {
		ev, ok := e.(AudioSessionEvent)
		if !ok || ev.Params.SessionID != sessionID {
			return
		}
		a.activate(ev.Params)
	}))
	a.regs = append(a.regs, bus.Subscribe(eventbus.KindPause, func(e eventbus.Event) {
		if ev, ok := e.(PauseStreamEvent); ok && ev.SessionID == sessionID {
			a.pause()
		}
	}))
	a.regs = append(a.regs, bus.Subscribe(eventbus.KindResume, func(e eventbus.Event) {
		if ev, ok := e.(ResumeStreamEvent); ok && ev.SessionID == sessionID {
			a.resume()
		}
	}))
	a.regs = append(a.regs, bus.Subscribe(eventbus.KindStop, func(e eventbus.Event) {
		if ev, ok := e.(StopStreamEvent); ok && ev.SessionID == sessionID {
			a.stop()
		}
	}))

	return a
}

func (a *AudioSubsession) activate(params AudioParams) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateStopped {
		return
	}
	if err := a.pipeline.Start(a.session.SessionID, params); err != nil {
		log.Error().Err(err).Uint64("session_id", a.session.SessionID).Msg("audio pipeline failed to start")
		return
	}
	a.state = stateActive
}

func (a *AudioSubsession) pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != stateActive {
		return
	}
	a.pipeline.Stop(a.session.SessionID)
	a.state = statePaused
}

// resume restarts the pipeline with the session's last-negotiated
// AudioParams rather than renegotiating, mirroring VideoSubsession.resume.
func (a *AudioSubsession) resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != statePaused {
		return
	}
	params := a.session.LastAudioParams()
	if params == nil {
		log.Error().Uint64("session_id", a.session.SessionID).Msg("audio resume with no recorded params")
		return
	}
	if err := a.pipeline.Start(a.session.SessionID, *params); err != nil {
		log.Error().Err(err).Uint64("session_id", a.session.SessionID).Msg("audio pipeline failed to resume")
		return
	}
	a.state = stateActive
}

func (a *AudioSubsession) stop() {
	a.mu.Lock()
	wasActive := a.state == stateActive
	a.state = stateStopped
	a.mu.Unlock()

	if wasActive {
		a.pipeline.Stop(a.session.SessionID)
	}
	for _, r := range a.regs {
		r.Unsubscribe()
	}
}

// ControlSubsession tracks RTT/liveness pings and multi-viewer cursor
// echo fan-out (the supplemented feature in SPEC_FULL.md §6). It owns
// no pipeline; it just counts pings and forwards to any attached
// viewer sinks.
type ControlSubsession struct {
	sessionID uint64

	mu       sync.Mutex
	pingSeen int
	viewers  []ViewerSink

	regs []*eventbus.Registration
}

// ViewerSink receives a low-bandwidth cursor/frame echo for passive
// session viewers.
type ViewerSink interface {
	SendCursor(x, y int32) error
}

// NewControlSubsession subscribes to bus for sessionID's RTPPing/Stop
// events.
func NewControlSubsession(bus *eventbus.Bus, sessionID uint64) *ControlSubsession {
	c := &ControlSubsession{sessionID: sessionID}

	c.regs = append(c.regs, bus.Subscribe(eventbus.KindRTPPing, func(e eventbus.Event) {
		if ev, ok := e.(RTPPingEvent); ok && ev.SessionID == sessionID {
			c.mu.Lock()
			c.pingSeen++
			c.mu.Unlock()
		}
	}))
	c.regs = append(c.regs, bus.Subscribe(eventbus.KindStop, func(e eventbus.Event) {
		if ev, ok := e.(StopStreamEvent); ok && ev.SessionID == sessionID {
			for _, r := range c.regs {
				r.Unsubscribe()
			}
		}
	}))

	return c
}

// AttachViewer adds a passive cursor-echo sink.
func (c *ControlSubsession) AttachViewer(v ViewerSink) {
	c.mu.Lock()
	c.viewers = append(c.viewers, v)
	c.mu.Unlock()
}

// EchoCursor forwards a cursor position to every attached viewer,
// logging and continuing past individual send failures so one dead
// viewer connection cannot affect the others.
func (c *ControlSubsession) EchoCursor(x, y int32) {
	c.mu.Lock()
	viewers := append([]ViewerSink(nil), c.viewers...)
	c.mu.Unlock()

	for _, v := range viewers {
		if err := v.SendCursor(x, y); err != nil {
			log.Debug().Err(err).Uint64("session_id", c.sessionID).Msg("viewer cursor echo failed")
		}
	}
}

// PingCount returns the number of RTPPing events observed. Intended
// for tests and diagnostics.
func (c *ControlSubsession) PingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingSeen
}

// InputSubsession assigns the write-once device cells on a
// StreamSession on first use and routes joypad attach/detach.
type InputSubsession struct {
	session *StreamSession
	regs    []*eventbus.Registration
}

// NewInputSubsession binds an InputSubsession to sess and subscribes
// for its Stop event to unsubscribe cleanly.
func NewInputSubsession(bus *eventbus.Bus, sess *StreamSession) *InputSubsession {
	in := &InputSubsession{session: sess}
	in.regs = append(in.regs, bus.Subscribe(eventbus.KindStop, func(e eventbus.Event) {
		if ev, ok := e.(StopStreamEvent); ok && ev.SessionID == sess.SessionID {
			for _, r := range in.regs {
				r.Unsubscribe()
			}
		}
	}))
	return in
}

// EnsureMouse assigns the mouse device cell on first call; subsequent
// calls are no-ops, matching the write-once-then-stable contract. The
// first call also enqueues a device-plug event on the session's
// DeviceQueue, per spec.md §4.6's "producers: the input server on
// first use of a device type".
func (in *InputSubsession) EnsureMouse(devicePath string) InputDevice {
	if in.session.SetMouse(InputDevice{DevicePath: devicePath}) {
		in.plug(devicePath, "mouse")
	}
	return *in.session.Mouse()
}

// EnsureKeyboard assigns the keyboard device cell on first call, same
// contract as EnsureMouse.
func (in *InputSubsession) EnsureKeyboard(devicePath string) InputDevice {
	if in.session.SetKeyboard(InputDevice{DevicePath: devicePath}) {
		in.plug(devicePath, "keyboard")
	}
	return *in.session.Keyboard()
}

// AttachJoypad records a controller attach on the session and enqueues
// a device-plug event. Unlike the mouse/keyboard cells, joypads are not
// write-once: a controller can disconnect and reconnect mid-session,
// and each attach is its own hotplug event.
func (in *InputSubsession) AttachJoypad(j *Joypad) {
	in.session.AttachJoypad(j)
	in.plug(j.DevicePath, "joypad")
}

// plug pushes a device-plug event for a newly-assigned device path onto
// the session's DeviceQueue, for the Runner to apply in the guest.
func (in *InputSubsession) plug(devicePath, kind string) {
	if in.session.DeviceQueue == nil {
		return
	}
	if !in.session.DeviceQueue.TryPush(deviceplug.Event{
		UdevEnv: map[string]string{
			"DEVNAME": devicePath,
			"ID_TYPE": kind,
		},
	}) {
		log.Warn().Uint64("session_id", in.session.SessionID).Str("kind", kind).Msg("device plug queue rejected event")
	}
}
