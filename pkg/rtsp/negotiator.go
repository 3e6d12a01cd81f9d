package rtsp

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/emberr"
	"github.com/embercast/ember/pkg/session"
)

// Negotiator drives the RTSP handshake for one StreamSession's
// dedicated connection and publishes VideoSession/AudioSession events
// on completion, per spec.md §4.4.
type Negotiator struct {
	registry *session.Registry
}

// New constructs a Negotiator bound to registry for resolving session
// state by id.
func New(registry *session.Registry) *Negotiator {
	return &Negotiator{registry: registry}
}

// ServeConn reads and dispatches RTSP requests from conn for sessionID
// until PLAY completes, an error occurs, or the client disconnects.
func (n *Negotiator) ServeConn(conn net.Conn, sessionID uint64) error {
	defer conn.Close()
	return n.serveLoop(conn, bufio.NewReader(conn), sessionID)
}

// ServeConnAutoSession reads the first RTSP request off conn, resolves
// the session id from its "session" URI query parameter, then drives
// the same request loop as ServeConn. Used by the HTTP API's RTSP
// listener, where one TCP port serves every session and the
// dedicated-connection session id isn't known until the client
// connects.
func (n *Negotiator) ServeConnAutoSession(conn net.Conn) error {
	defer conn.Close()
	r := bufio.NewReader(conn)

	req, err := ParseRequest(r)
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("parse RTSP request: %w", err)
	}

	sessionID, err := SessionIDFromURI(req.URI)
	if err != nil {
		return fmt.Errorf("resolve session from RTSP URI: %w", err)
	}

	resp, err := n.Handle(sessionID, req)
	if err != nil {
		log.Warn().Err(err).Uint64("session_id", sessionID).Str("method", req.Method).Msg("RTSP request failed")
		resp = &Response{StatusCode: 454, StatusText: "Session Not Found", CSeq: req.CSeq, Headers: map[string]string{}}
	}
	if _, err := io.WriteString(conn, resp.String()); err != nil {
		return fmt.Errorf("write RTSP response: %w", err)
	}
	if req.Method == "PLAY" {
		return nil
	}

	return n.serveLoop(conn, r, sessionID)
}

func (n *Negotiator) serveLoop(conn net.Conn, r *bufio.Reader, sessionID uint64) error {
	for {
		req, err := ParseRequest(r)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("parse RTSP request: %w", err)
		}

		resp, err := n.Handle(sessionID, req)
		if err != nil {
			log.Warn().Err(err).Uint64("session_id", sessionID).Str("method", req.Method).Msg("RTSP request failed")
			resp = &Response{StatusCode: 454, StatusText: "Session Not Found", CSeq: req.CSeq, Headers: map[string]string{}}
		}

		if _, err := io.WriteString(conn, resp.String()); err != nil {
			return fmt.Errorf("write RTSP response: %w", err)
		}

		if req.Method == "PLAY" {
			return nil
		}
	}
}

// Handle dispatches a single parsed request and returns the response
// to send back.
func (n *Negotiator) Handle(sessionID uint64, req *Request) (*Response, error) {
	sess, ok := n.registry.Get(sessionID)
	if !ok {
		return nil, emberr.Wrap(emberr.ErrNotFound, "unknown session id")
	}

	switch req.Method {
	case "OPTIONS":
		resp := ok(req.CSeq)
		resp.Headers["Public"] = "OPTIONS, DESCRIBE, SETUP, ANNOUNCE, PLAY"
		return resp, nil

	case "DESCRIBE":
		return n.handleDescribe(sess, req)

	case "SETUP":
		resp := ok(req.CSeq)
		resp.Headers["Session"] = fmt.Sprintf("%d", sess.SessionID)
		return resp, nil

	case "ANNOUNCE":
		return n.handleAnnounce(sess, req)

	case "PLAY":
		return n.handlePlay(sess, req)

	default:
		return nil, emberr.Wrap(emberr.ErrProtocolError, "unsupported RTSP method "+req.Method)
	}
}

func (n *Negotiator) handleDescribe(sess *session.StreamSession, req *Request) (*Response, error) {
	sdp := fmt.Sprintf(
		"v=0\r\no=ember 0 0 IN IP4 127.0.0.1\r\ns=ember stream\r\n"+
			"m=video %d RTP/AVP 97\r\nm=audio %d RTP/AVP 98\r\n",
		sess.VideoStreamPort, sess.AudioStreamPort,
	)
	resp := ok(req.CSeq)
	resp.Headers["Content-Type"] = "application/sdp"
	resp.Body = sdp
	return resp, nil
}

func (n *Negotiator) handleAnnounce(sess *session.StreamSession, req *Request) (*Response, error) {
	attrs := sdpAttributes(req.Body)

	videoPipeline := sess.App.H264PipelineDescription
	if sess.App.SupportHDR && sess.App.HEVCPipelineDescription != "" {
		videoPipeline = sess.App.HEVCPipelineDescription
	}

	sess.RecordVideoParams(session.VideoParams{
		SessionID:             sess.SessionID,
		PipelineDescription:   videoPipeline,
		Port:                  sess.VideoStreamPort,
		BitrateKbps:           attrInt(attrs, "x-nv-vqos[0].bw.maximumBitrateKbps", 10000),
		FECPercentage:         attrInt(attrs, "x-nv-vqos[0].fec.percentage", 20),
		MinRequiredFECPackets: attrInt(attrs, "x-nv-vqos[0].fec.minRequiredFecPackets", 0),
		PacketDuration:        attrInt(attrs, "x-nv-general.slicesPerFrame", 1),
		ColorRange:            attrInt(attrs, "x-nv-video[0].dynamicRangeMode", 0),
		ColorSpace:            attrInt(attrs, "x-nv-video[0].colorSpace", 0),
	})

	sess.RecordAudioParams(session.AudioParams{
		SessionID:           sess.SessionID,
		PipelineDescription: sess.App.OpusPipelineDescription,
		Port:                sess.AudioStreamPort,
		ChannelCount:        attrInt(attrs, "x-nv-audio.surround.numChannels", sess.AudioChannelCount),
		PacketDuration:      attrInt(attrs, "x-nv-aqos.packetDuration", 5),
		AESKey:              sess.AESKey[:],
		AESIV:               sess.AESIV[:],
	})

	return ok(req.CSeq), nil
}

func (n *Negotiator) handlePlay(sess *session.StreamSession, req *Request) (*Response, error) {
	videoParams := sess.LastVideoParams()
	if videoParams == nil {
		return nil, emberr.Wrap(emberr.ErrProtocolError, "PLAY before ANNOUNCE")
	}
	audioParams := sess.LastAudioParams()
	if audioParams == nil {
		return nil, emberr.Wrap(emberr.ErrProtocolError, "PLAY before ANNOUNCE")
	}

	sess.Bus.Publish(session.VideoSessionEvent{Params: *videoParams})
	sess.Bus.Publish(session.AudioSessionEvent{Params: *audioParams})

	return ok(req.CSeq), nil
}
