// Package httpapi wires the Moonlight/GameStream HTTP(S) surface
// described in SPEC_FULL.md §6: /serverinfo, the 4-phase /pair
// handshake, /applist, /launch, /unpair, /resume, and /cancel, plus a
// dedicated RTSP accept loop for negotiating streams after launch.
// Routing follows the teacher's gorilla/mux convention (helix's
// api/pkg/server package is mux-routed throughout); responses are
// encoding/xml structs rather than fmt.Sprintf templates, matching
// real GameStream hosts' wire format more faithfully than ad hoc
// string building would.
package httpapi

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/pairing"
	"github.com/embercast/ember/pkg/rtsp"
	"github.com/embercast/ember/pkg/session"
)

// Server holds every dependency the HTTP handlers need and the router
// built from them.
type Server struct {
	store    *configstore.Store
	pairing  *pairing.Machine
	registry *session.Registry
	router   *mux.Router

	advertiseHost string
	httpsPort     int
	rtspPort      int
}

// New builds the HTTP router. advertiseHost/rtspPort are embedded into
// the sessionUrl0 a launch response returns, since a client dials RTSP
// as a separate TCP connection outside this router.
func New(store *configstore.Store, machine *pairing.Machine, registry *session.Registry, advertiseHost string, httpsPort, rtspPort int) *Server {
	s := &Server{
		store:         store,
		pairing:       machine,
		registry:      registry,
		advertiseHost: advertiseHost,
		httpsPort:     httpsPort,
		rtspPort:      rtspPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/serverinfo", s.handleServerInfo).Methods(http.MethodGet)
	router.HandleFunc("/pair", s.handlePair).Methods(http.MethodGet)
	router.HandleFunc("/applist", s.handleAppList).Methods(http.MethodGet)
	router.HandleFunc("/launch", s.handleLaunch).Methods(http.MethodGet)
	router.HandleFunc("/unpair", s.handleUnpair).Methods(http.MethodGet)
	router.HandleFunc("/resume", s.handleResume).Methods(http.MethodGet)
	router.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodGet)
	router.HandleFunc("/viewer", s.handleViewer)
	s.router = router

	return s
}

// ServeHTTP implements http.Handler by delegating to the internal
// mux.Router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.store.Snapshot()

	pairStatus := 0
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if _, err := s.store.GetClientViaSSL(r.TLS.PeerCertificates[0]); err == nil {
			pairStatus = 1
		}
	}

	writeXML(w, http.StatusOK, serverInfoResponse{
		StatusCode:             http.StatusOK,
		Hostname:               cfg.Hostname,
		UniqueID:               cfg.UUID,
		HTTPSPort:              s.httpsPort,
		ExternalPort:           s.httpsPort,
		PairStatus:             pairStatus,
		State:                  "SUNSHINE_SERVER_FREE",
		ServerCodecModeSupport: codecModeSupport(cfg.SupportHEVC, cfg.SupportAV1),
	})
}

// ServeRTSP accepts connections on lis forever, handing each off to a
// negotiator.ServeConnAutoSession goroutine. It returns only when
// Accept fails (listener closed).
func ServeRTSP(lis net.Listener, negotiator *rtsp.Negotiator) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := negotiator.ServeConnAutoSession(conn); err != nil {
				log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("RTSP connection ended with error")
			}
		}()
	}
}
