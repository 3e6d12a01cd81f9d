package httpapi_test

import (
	"encoding/json"
	"encoding/xml"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/configstore"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/eventbus"
	"github.com/embercast/ember/pkg/httpapi"
	"github.com/embercast/ember/pkg/identity"
	"github.com/embercast/ember/pkg/pairing"
	"github.com/embercast/ember/pkg/session"
)

func seedServer(t *testing.T) (*httpapi.Server, *session.Registry, *ember.PairedClient) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	hostID, err := identity.Generate("ember-host")
	require.NoError(t, err)
	clientID, err := identity.Generate("test-client")
	require.NoError(t, err)

	cfg := ember.Config{
		Hostname:    "ember-test",
		UUID:        hostID.UUID,
		HostCertPEM: hostID.CertPEM,
		HostKeyPEM:  hostID.KeyPEM,
		SupportHEVC: true,
		PairedClients: []ember.PairedClient{
			{ClientID: clientID.UUID, ClientCertPEM: clientID.CertPEM, PairedAt: time.Now()},
		},
		Apps: []ember.App{
			{
				ID:    "app-1",
				Title: "Test App",
				Runner: ember.RunnerConfig{
					Kind:    ember.RunnerKindCommand,
					Command: &ember.CommandRunner{Path: "true"},
				},
			},
		},
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	store, err := configstore.LoadOrDefault(path)
	require.NoError(t, err)

	bus := eventbus.New()
	snapshot := store.Snapshot()
	machine := pairing.New(bus, snapshot.HostCertificate(), snapshot.HostPrivateKey(), store.Pair)
	t.Cleanup(machine.Stop)

	registry := session.NewRegistry(bus, store)
	client, err := store.GetClientViaSSL(clientID.Cert)
	require.NoError(t, err)

	return httpapi.New(store, machine, registry, "127.0.0.1", 47984, 48010), registry, client
}

func TestServerInfoReportsUnpairedByDefault(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/serverinfo", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var body struct {
		XMLName    xml.Name `xml:"root"`
		Hostname   string   `xml:"hostname"`
		PairStatus int      `xml:"PairStatus"`
	}
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ember-test", body.Hostname)
	require.Equal(t, 0, body.PairStatus)
}

func TestLaunchWithoutClientCertificateIsUnauthorized(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/launch?appid=app-1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 401, rec.Code)
}

func TestAppListWithoutClientCertificateIsUnauthorized(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/applist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 401, rec.Code)
}

func TestPairGetServerCertRejectsMalformedSalt(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/pair?phase=getservercert&salt=not-hex&clientcert=x", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	// Real GameStream hosts always 200 the /pair envelope; a failed
	// phase is signaled via paired=0, never an HTTP error status.
	require.Equal(t, 200, rec.Code)
	require.Equal(t, 0, decodePairedFlag(t, rec.Body.Bytes()))
}

func TestPairUnknownPhaseIsRejected(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/pair?phase=bogus", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, 0, decodePairedFlag(t, rec.Body.Bytes()))
}

func decodePairedFlag(t *testing.T, body []byte) int {
	t.Helper()
	var resp struct {
		XMLName xml.Name `xml:"root"`
		Paired  int      `xml:"paired"`
	}
	require.NoError(t, xml.Unmarshal(body, &resp))
	return resp.Paired
}

func TestResumeWithoutClientCertificateIsUnauthorized(t *testing.T) {
	s, _, _ := seedServer(t)

	req := httptest.NewRequest("GET", "/resume", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, 401, rec.Code)
}

func TestViewerReceivesCursorEcho(t *testing.T) {
	s, registry, client := seedServer(t)
	sess, err := registry.Launch("app-1", client, "10.0.0.1")
	require.NoError(t, err)

	httpServer := httptest.NewServer(s)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/viewer?session=" + strconv.FormatUint(sess.SessionID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	control, ok := registry.ControlSubsession(sess.SessionID)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		control.EchoCursor(42, 7)
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var frame struct {
			X int32 `json:"x"`
			Y int32 `json:"y"`
		}
		return json.Unmarshal(data, &frame) == nil && frame.X == 42 && frame.Y == 7
	}, time.Second, 20*time.Millisecond)
}

func TestViewerOnUnknownSessionFails(t *testing.T) {
	s, _, _ := seedServer(t)
	httpServer := httptest.NewServer(s)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/viewer?session=999"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.NotEqual(t, 101, resp.StatusCode)
}
