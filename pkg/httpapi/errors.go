package httpapi

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/emberr"
)

// statusFor maps the closed emberr kind set to the HTTP status a
// Moonlight client expects, per SPEC_FULL.md's error-handling section.
// Translation happens in exactly this one place rather than scattered
// across handlers.
func statusFor(err error) int {
	switch {
	case errors.Is(err, emberr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, emberr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, emberr.ErrPairingFailed):
		return http.StatusBadRequest
	case errors.Is(err, emberr.ErrProtocolError):
		return http.StatusBadRequest
	case errors.Is(err, emberr.ErrResourceExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, emberr.ErrRunnerFailed):
		return http.StatusInternalServerError
	case errors.Is(err, emberr.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type xmlStatus struct {
	XMLName    xml.Name `xml:"root"`
	StatusCode int      `xml:"status_code,attr"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeXML(w, status, xmlStatus{StatusCode: status})
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(v)
}
