package httpapi

import (
	"encoding/hex"
	"encoding/xml"
	"errors"
	"net"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/emberr"
)

type pairPhaseResponse struct {
	XMLName           xml.Name `xml:"root"`
	StatusCode        int      `xml:"status_code,attr"`
	PlainCert         string   `xml:"plaincert,omitempty"`
	ChallengeResponse string   `xml:"challengeresponse,omitempty"`
	PairingSecret     string   `xml:"pairingsecret,omitempty"`
	Paired            int      `xml:"paired"`
}

// handlePair dispatches the 4 phases of the Moonlight pairing
// handshake, each a separate GET to /pair carrying a "phase" query
// parameter and that phase's hex-encoded payload.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPOf(r)
	q := r.URL.Query()

	switch q.Get("phase") {
	case "getservercert":
		salt, err := hex.DecodeString(q.Get("salt"))
		if err != nil {
			failPairing(w, r, emberr.Wrap(emberr.ErrPairingFailed, "malformed salt"))
			return
		}
		plainCert, err := s.pairing.GetServerCert(clientIP, salt, q.Get("clientcert"))
		if err != nil {
			failPairingOrError(w, r, err)
			return
		}
		writeXML(w, http.StatusOK, pairPhaseResponse{StatusCode: http.StatusOK, PlainCert: plainCert, Paired: 1})

	case "clientchallenge":
		challenge, err := hex.DecodeString(q.Get("clientchallenge"))
		if err != nil {
			failPairing(w, r, emberr.Wrap(emberr.ErrPairingFailed, "malformed client challenge"))
			return
		}
		resp, err := s.pairing.ClientChallenge(clientIP, challenge)
		if err != nil {
			failPairingOrError(w, r, err)
			return
		}
		writeXML(w, http.StatusOK, pairPhaseResponse{StatusCode: http.StatusOK, ChallengeResponse: hex.EncodeToString(resp), Paired: 1})

	case "serverchallengeresp":
		encHash, err := hex.DecodeString(q.Get("serverchallengeresp"))
		if err != nil {
			failPairing(w, r, emberr.Wrap(emberr.ErrPairingFailed, "malformed server challenge response"))
			return
		}
		resp, err := s.pairing.ServerChallengeResp(clientIP, encHash)
		if err != nil {
			failPairingOrError(w, r, err)
			return
		}
		writeXML(w, http.StatusOK, pairPhaseResponse{StatusCode: http.StatusOK, PairingSecret: hex.EncodeToString(resp), Paired: 1})

	case "clientpairingsecret":
		payload, err := hex.DecodeString(q.Get("clientpairingsecret"))
		if err != nil {
			failPairing(w, r, emberr.Wrap(emberr.ErrPairingFailed, "malformed client pairing secret"))
			return
		}
		paired, err := s.pairing.ClientPairingSecret(clientIP, payload)
		if err != nil {
			failPairingOrError(w, r, err)
			return
		}
		pairedFlag := 0
		if paired {
			pairedFlag = 1
		}
		writeXML(w, http.StatusOK, pairPhaseResponse{StatusCode: http.StatusOK, Paired: pairedFlag})

	default:
		failPairing(w, r, emberr.Wrap(emberr.ErrPairingFailed, "unknown pairing phase"))
	}
}

// failPairingOrError routes a pairing-phase error to the paired=0
// envelope when it is a genuine handshake failure, and to the generic
// HTTP error path for anything else (e.g. a transient Config Store
// write failure on phase 4's commit).
func failPairingOrError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, emberr.ErrPairingFailed) {
		failPairing(w, r, err)
		return
	}
	writeError(w, r, err)
}

// failPairing answers a failed pairing phase the way a real Moonlight/
// GameStream host does: a 200 XML envelope with paired=0, never an HTTP
// error status. Only /launch and friends use writeError's numeric
// status convention.
func failPairing(w http.ResponseWriter, r *http.Request, err error) {
	log.Warn().Err(err).Str("path", r.URL.Path).Msg("pairing phase failed")
	writeXML(w, http.StatusOK, pairPhaseResponse{StatusCode: http.StatusOK, Paired: 0})
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
