// Package session implements the Session Registry and the per-session
// sub-session state machines described in spec.md §4.4: StreamSession
// construction, write-once input-device cells, and the video/audio/
// control/input sub-sessions driven entirely by events observed on the
// bus (video and audio follow an idle -> active -> paused -> stopped
// lifecycle; control and input only unsubscribe on Stop).
package session

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/embercast/ember/pkg/deviceplug"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
)

// InputDevice is a handle to a virtual input device path created for a
// session. Concrete device creation is a platform concern outside this
// package; StreamSession only tracks the cell's write-once lifecycle.
type InputDevice struct {
	DevicePath string
}

// Joypad is one virtual controller attached to a session, indexed by
// controller number.
type Joypad struct {
	ControllerNumber int
	Type             ember.JoypadType
	DevicePath       string
}

// StreamSession is the single owned record for one active Moonlight
// stream. The Registry is its sole owner; all other components hold
// only a shared, non-owning reference obtained via an event payload.
//
// Invariants (spec.md §3): SessionID is unique for the session's whole
// lifetime and never reused while referenced; the device cells below
// are write-once-then-stable; every subsystem observes the same Bus.
type StreamSession struct {
	SessionID         uint64
	ClientIP          string
	DisplayMode       string
	AudioChannelCount int
	AESKey            [16]byte
	AESIV             [16]byte
	VideoStreamPort   int
	AudioStreamPort   int
	App               *ember.App
	Bus               *eventbus.Bus
	AppStateFolder    string

	// DeviceQueue is the per-session device-plug queue shared with the
	// Runner: the input server (via InputSubsession) pushes a hotplug
	// event on first use of each device type, and the Runner drains it
	// into the guest per spec.md §4.6.
	DeviceQueue *deviceplug.Queue

	waylandDisplay atomic.Pointer[string]
	mouse          atomic.Pointer[InputDevice]
	keyboard       atomic.Pointer[InputDevice]
	pen            atomic.Pointer[InputDevice]
	touch          atomic.Pointer[InputDevice]
	joypads        *xsync.MapOf[int, *Joypad]

	lastVideo atomic.Pointer[VideoParams]
	lastAudio atomic.Pointer[AudioParams]
}

func newStreamSession(id uint64, clientIP string, app *ember.App, bus *eventbus.Bus, aesKey, aesIV [16]byte, videoPort, audioPort int, appStateFolder string) *StreamSession {
	return &StreamSession{
		SessionID:         id,
		ClientIP:          clientIP,
		App:               app,
		Bus:               bus,
		AESKey:            aesKey,
		AESIV:             aesIV,
		VideoStreamPort:   videoPort,
		AudioStreamPort:   audioPort,
		AppStateFolder:    appStateFolder,
		AudioChannelCount: 2,
		DeviceQueue:       deviceplug.New(deviceplug.DefaultCapacity),
		joypads:           xsync.NewMapOf[int, *Joypad](),
	}
}

// setOnce assigns cell the first time it is called and reports whether
// this call won the race; subsequent calls are no-ops that report
// false, implementing the write-once-then-stable contract.
func setOnce[T any](cell *atomic.Pointer[T], value *T) bool {
	return cell.CompareAndSwap(nil, value)
}

// SetWaylandDisplay assigns the session's virtual display name once.
func (s *StreamSession) SetWaylandDisplay(name string) bool {
	return setOnce(&s.waylandDisplay, &name)
}

// WaylandDisplay returns the assigned display name, or "" if unset.
func (s *StreamSession) WaylandDisplay() string {
	if v := s.waylandDisplay.Load(); v != nil {
		return *v
	}
	return ""
}

// SetMouse assigns the session's virtual mouse device once.
func (s *StreamSession) SetMouse(d InputDevice) bool { return setOnce(&s.mouse, &d) }

// Mouse returns the assigned mouse device, or nil if unset.
func (s *StreamSession) Mouse() *InputDevice { return s.mouse.Load() }

// SetKeyboard assigns the session's virtual keyboard device once.
func (s *StreamSession) SetKeyboard(d InputDevice) bool { return setOnce(&s.keyboard, &d) }

// Keyboard returns the assigned keyboard device, or nil if unset.
func (s *StreamSession) Keyboard() *InputDevice { return s.keyboard.Load() }

// SetPen assigns the session's virtual pen device once.
func (s *StreamSession) SetPen(d InputDevice) bool { return setOnce(&s.pen, &d) }

// Pen returns the assigned pen device, or nil if unset.
func (s *StreamSession) Pen() *InputDevice { return s.pen.Load() }

// SetTouch assigns the session's virtual touch device once.
func (s *StreamSession) SetTouch(d InputDevice) bool { return setOnce(&s.touch, &d) }

// Touch returns the assigned touch device, or nil if unset.
func (s *StreamSession) Touch() *InputDevice { return s.touch.Load() }

// AttachJoypad inserts or replaces the joypad at controllerNumber.
// Joypad attachment is not write-once: controllers can disconnect and
// reconnect mid-session.
func (s *StreamSession) AttachJoypad(j *Joypad) {
	s.joypads.Store(j.ControllerNumber, j)
}

// Joypad returns the joypad at controllerNumber, if attached.
func (s *StreamSession) Joypad(controllerNumber int) (*Joypad, bool) {
	return s.joypads.Load(controllerNumber)
}

// DetachJoypad removes the joypad at controllerNumber.
func (s *StreamSession) DetachJoypad(controllerNumber int) {
	s.joypads.Delete(controllerNumber)
}

// RecordVideoParams stores the most recently negotiated video
// parameters so Resume can restart pipelines without renegotiating.
func (s *StreamSession) RecordVideoParams(p VideoParams) { s.lastVideo.Store(&p) }

// LastVideoParams returns the most recently recorded video parameters,
// or nil if RTSP negotiation has not completed yet.
func (s *StreamSession) LastVideoParams() *VideoParams { return s.lastVideo.Load() }

// RecordAudioParams stores the most recently negotiated audio
// parameters so Resume can restart pipelines without renegotiating.
func (s *StreamSession) RecordAudioParams(p AudioParams) { s.lastAudio.Store(&p) }

// LastAudioParams returns the most recently recorded audio parameters,
// or nil if RTSP negotiation has not completed yet.
func (s *StreamSession) LastAudioParams() *AudioParams { return s.lastAudio.Load() }
