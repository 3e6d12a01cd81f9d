package session

import "github.com/rs/zerolog/log"

// loggingPipeline is the default PipelineStarter wired into every
// session's Video/Audio subsessions: it drives the lifecycle state
// machine without owning a real GStreamer/ffmpeg process, since
// encoder pipeline internals are out of scope. A deployment that wants
// real encoding swaps this for its own PipelineStarter.
type loggingPipeline struct {
	kind string
}

func (p loggingPipeline) Start(sessionID uint64, params any) error {
	log.Info().Uint64("session_id", sessionID).Str("pipeline", p.kind).Interface("params", params).Msg("pipeline start requested")
	return nil
}

func (p loggingPipeline) Stop(sessionID uint64) {
	log.Info().Uint64("session_id", sessionID).Str("pipeline", p.kind).Msg("pipeline stop requested")
}
