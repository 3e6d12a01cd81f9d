// Package ember holds the data model shared across the session-and-
// streaming core: paired clients, apps, runner configuration, and the
// persisted host configuration. These are plain value types with no
// behavior of their own — the stores and services that operate on them
// live in their own packages (configstore, session, runner) to keep
// ownership boundaries explicit.
package ember

import (
	"crypto/rsa"
	"crypto/x509"
	"time"
)

// PairedClient is a client that has completed the pairing handshake.
// Identity is certificate equality modulo X.509 verification, never
// PEM byte-equality — see identity.Equal.
type PairedClient struct {
	ClientID       string    `json:"client_id"`
	ClientCertPEM  string    `json:"client_cert_pem"`
	AppStateFolder string    `json:"app_state_folder"`
	RunUID         int       `json:"run_uid"`
	RunGID         int       `json:"run_gid"`
	PairedAt       time.Time `json:"paired_at"`

	// cert is the parsed form of ClientCertPEM, populated on load/pair
	// so verification never has to re-parse PEM on the hot path.
	cert *x509.Certificate
}

// Certificate returns the parsed client certificate.
func (c *PairedClient) Certificate() *x509.Certificate { return c.cert }

// SetCertificate attaches the parsed certificate. Called by configstore
// after parsing ClientCertPEM on load or pair.
func (c *PairedClient) SetCertificate(cert *x509.Certificate) { c.cert = cert }

// JoypadType selects which virtual controller flavor an app requests.
type JoypadType int

const (
	JoypadAuto JoypadType = iota
	JoypadXbox
	JoypadPS
	JoypadNone
)

// ColorRange and ColorSpace describe the video pipeline's color
// encoding, named fields in StreamSession's video contract (spec.md §3)
// given concrete enum types here since Wolf's wire protocol encodes
// them, not arbitrary integers.
type ColorRange int

const (
	ColorRangeLimited ColorRange = iota
	ColorRangeFull
)

type ColorSpace int

const (
	ColorSpaceBT601 ColorSpace = iota
	ColorSpaceBT709
	ColorSpaceBT2020
)

// RunnerKind discriminates the Runner tagged union. Variants share only
// run(...) and serialize() per spec.md §9 — modeled here as a sum type,
// not inheritance: a RunnerConfig is data, and pkg/runner turns it into
// a behavior via runner.New.
type RunnerKind string

const (
	RunnerKindCommand   RunnerKind = "command"
	RunnerKindContainer RunnerKind = "container"
)

// RunnerConfig is the persisted, serializable description of how to
// launch an app. Exactly one of Command/Container is populated,
// discriminated by Kind.
type RunnerConfig struct {
	Kind      RunnerKind       `json:"type"`
	Command   *CommandRunner   `json:"command,omitempty"`
	Container *ContainerRunner `json:"container,omitempty"`
}

// CommandRunner launches a child process with its stdio redirected into
// the session's state folder.
type CommandRunner struct {
	Path string            `json:"path"`
	Args []string          `json:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// ContainerRunner starts a container from an image, mounting the state
// folder and listed device paths and attaching a render node.
type ContainerRunner struct {
	Image        string            `json:"image"`
	Env          map[string]string `json:"env,omitempty"`
	DockerSocket string            `json:"docker_socket,omitempty"`
	CapAdd       []string          `json:"cap_add,omitempty"`
	Privileged   bool              `json:"privileged,omitempty"`
}

// App is immutable once loaded into a Config snapshot.
type App struct {
	ID                      string       `json:"id"`
	Title                   string       `json:"title"`
	ImagePath               string       `json:"image_path,omitempty"`
	SupportHDR              bool         `json:"support_hdr"`
	H264PipelineDescription string       `json:"h264_pipeline,omitempty"`
	HEVCPipelineDescription string       `json:"hevc_pipeline,omitempty"`
	AV1PipelineDescription  string       `json:"av1_pipeline,omitempty"`
	OpusPipelineDescription string       `json:"opus_pipeline,omitempty"`
	RenderNode              string       `json:"render_node,omitempty"`
	StartVirtualCompositor  bool         `json:"start_virtual_compositor"`
	JoypadType              JoypadType   `json:"joypad_type"`
	Runner                  RunnerConfig `json:"runner"`
}

// ResolveRenderNode returns the app's render node override if set,
// otherwise sessionDefault. No render node is enumerated: when both are
// empty the result is "".
func (a *App) ResolveRenderNode(sessionDefault string) string {
	if a.RenderNode != "" {
		return a.RenderNode
	}
	return sessionDefault
}

// Config is the full persisted/atomic host state: paired clients, apps,
// host identity, and feature flags. A Config value is an immutable
// snapshot — see configstore.Store for the read-copy-update machinery
// that swaps snapshots atomically.
type Config struct {
	Hostname      string         `json:"hostname"`
	UUID          string         `json:"uuid"`
	HostCertPEM   string         `json:"host_cert_pem"`
	HostKeyPEM    string         `json:"host_key_pem"`
	SupportHEVC   bool           `json:"support_hevc"`
	SupportAV1    bool           `json:"support_av1"`
	PairedClients []PairedClient `json:"paired_clients"`
	Apps          []App          `json:"apps"`

	hostCert *x509.Certificate
	hostKey  *rsa.PrivateKey
}

// HostCertificate returns the parsed host certificate.
func (c *Config) HostCertificate() *x509.Certificate { return c.hostCert }

// HostPrivateKey returns the parsed host private key.
func (c *Config) HostPrivateKey() *rsa.PrivateKey { return c.hostKey }

// SetParsedIdentity attaches the parsed host cert/key. Called by
// configstore once per load/generate.
func (c *Config) SetParsedIdentity(cert *x509.Certificate, key *rsa.PrivateKey) {
	c.hostCert = cert
	c.hostKey = key
}

// Clone returns a deep-enough copy for read-copy-update: the slice
// headers are fresh so appends on the copy never alias the original,
// but PairedClient/App values themselves are copied by value (they
// carry no mutable shared state once constructed).
func (c *Config) Clone() *Config {
	clone := *c
	clone.PairedClients = append([]PairedClient(nil), c.PairedClients...)
	clone.Apps = append([]App(nil), c.Apps...)
	return &clone
}
