package httpapi

import (
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
)

type appListResponse struct {
	XMLName    xml.Name   `xml:"root"`
	StatusCode int        `xml:"status_code,attr"`
	Apps       []appEntry `xml:"App"`
}

type appEntry struct {
	ID    string `xml:"ID"`
	Title string `xml:"AppTitle"`
	HDR   int    `xml:"IsHdrSupported"`
}

// handleAppList lists the apps in the current config snapshot. Requires
// a paired client certificate.
func (s *Server) handleAppList(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}

	snapshot := s.store.Snapshot()
	entries := make([]appEntry, 0, len(snapshot.Apps))
	for _, app := range snapshot.Apps {
		hdr := 0
		if app.SupportHDR {
			hdr = 1
		}
		entries = append(entries, appEntry{ID: app.ID, Title: app.Title, HDR: hdr})
	}
	writeXML(w, http.StatusOK, appListResponse{StatusCode: http.StatusOK, Apps: entries})
}

type launchResponse struct {
	XMLName     xml.Name `xml:"root"`
	StatusCode  int      `xml:"status_code,attr"`
	SessionURL  string   `xml:"sessionUrl0"`
	GameSession int      `xml:"gamesession"`
}

// handleLaunch resolves the authenticated client and requested app,
// asks the Registry to launch a session, and returns the RTSP URL the
// client dials next.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	appID := r.URL.Query().Get("appid")
	if appID == "" {
		writeError(w, r, emberr.Wrap(emberr.ErrProtocolError, "missing appid"))
		return
	}

	sess, err := s.registry.Launch(appID, client, clientIPOf(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	sessionURL := "rtsp://" + s.advertiseHost + ":" + strconv.Itoa(s.rtspPort) + "/?session=" + strconv.FormatUint(sess.SessionID, 10)
	writeXML(w, http.StatusOK, launchResponse{StatusCode: http.StatusOK, SessionURL: sessionURL, GameSession: int(sess.SessionID)})
}

// handleUnpair removes the presented certificate from the paired set.
func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) {
	client, err := s.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Unpair(client.Certificate()); err != nil {
		writeError(w, r, err)
		return
	}
	writeXML(w, http.StatusOK, xmlStatus{StatusCode: http.StatusOK})
}

// handleResume republishes ResumeStreamEvent for an existing session.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.registry.Resume(id)
	writeXML(w, http.StatusOK, xmlStatus{StatusCode: http.StatusOK})
}

// handleCancel stops a session outright.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.registry.Stop(id)
	writeXML(w, http.StatusOK, xmlStatus{StatusCode: http.StatusOK})
}

func sessionIDParam(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("session")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, emberr.Wrap(emberr.ErrProtocolError, "missing or malformed session query parameter")
	}
	return id, nil
}

// authenticate resolves the TLS client certificate presented on r into
// a paired client record. Moonlight's /applist, /launch, /unpair,
// /resume, and /cancel endpoints all require mutual TLS.
func (s *Server) authenticate(r *http.Request) (*ember.PairedClient, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, emberr.Wrap(emberr.ErrUnauthorized, "no client certificate presented")
	}
	return s.store.GetClientViaSSL(r.TLS.PeerCertificates[0])
}
