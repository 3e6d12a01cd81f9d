package session

import "github.com/embercast/ember/pkg/eventbus"

// SessionStartedEvent is published once a StreamSession has been
// constructed and registered, before RTSP negotiation begins.
type SessionStartedEvent struct {
	Session *StreamSession
}

func (SessionStartedEvent) Kind() eventbus.Kind { return eventbus.KindSessionStarted }

// VideoParams is the full contract a video pipeline starter needs,
// produced by the RTSP Negotiator once parameter exchange completes.
type VideoParams struct {
	SessionID             uint64
	PipelineDescription   string
	Port                  int
	BitrateKbps           int
	FECPercentage         int
	MinRequiredFECPackets int
	PacketDuration        int // milliseconds
	ColorRange            int
	ColorSpace            int
}

// VideoSessionEvent carries VideoParams for one session.
type VideoSessionEvent struct {
	Params VideoParams
}

func (VideoSessionEvent) Kind() eventbus.Kind { return eventbus.KindVideoSession }

// AudioParams is the full contract an audio pipeline starter needs.
type AudioParams struct {
	SessionID           uint64
	PipelineDescription string
	Port                int
	ChannelCount        int
	PacketDuration      int // milliseconds
	AESKey              []byte
	AESIV               []byte
}

// AudioSessionEvent carries AudioParams for one session.
type AudioSessionEvent struct {
	Params AudioParams
}

func (AudioSessionEvent) Kind() eventbus.Kind { return eventbus.KindAudioSession }

// IDRRequestEvent asks the video pipeline for a session to emit an
// intra-coded frame on its next frame boundary.
type IDRRequestEvent struct {
	SessionID uint64
}

func (IDRRequestEvent) Kind() eventbus.Kind { return eventbus.KindIDRRequest }

// PauseStreamEvent stops media pipelines but retains device state and
// the runner.
type PauseStreamEvent struct {
	SessionID uint64
}

func (PauseStreamEvent) Kind() eventbus.Kind { return eventbus.KindPause }

// ResumeStreamEvent restarts pipelines using the last VideoSession /
// AudioSession parameters observed for the session.
type ResumeStreamEvent struct {
	SessionID uint64
}

func (ResumeStreamEvent) Kind() eventbus.Kind { return eventbus.KindResume }

// StopStreamEvent releases all session-scoped resources.
type StopStreamEvent struct {
	SessionID uint64
}

func (StopStreamEvent) Kind() eventbus.Kind { return eventbus.KindStop }

// RTPPingEvent marks liveness traffic observed from the client on a
// session's media ports.
type RTPPingEvent struct {
	SessionID uint64
}

func (RTPPingEvent) Kind() eventbus.Kind { return eventbus.KindRTPPing }
