// Package configstore implements the Config Store component: a
// persistent, atomically-updatable set of paired clients and apps.
// Readers obtain a lock-free snapshot via atomic.Pointer; writers
// serialize on a mutex and persist the new snapshot to disk with
// write-temp-then-rename durability via google/renameio, the same
// pattern the pack's xg2g repo uses for its M3U/XMLTV outputs.
package configstore

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
	"github.com/embercast/ember/pkg/identity"
)

// Store owns the persisted host configuration: paired clients, apps,
// and host identity. Reads never block writers and vice versa (spec.md
// §5's global lock order places ConfigStore first).
type Store struct {
	path     string
	snapshot atomic.Pointer[ember.Config]
	writeMu  sync.Mutex
}

// LoadOrDefault parses the persisted state at path; if the file is
// absent, it generates a fresh identity and default configuration and
// persists it immediately, matching spec.md §4.1's load_or_default
// contract.
func LoadOrDefault(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg, genErr := defaultConfig()
		if genErr != nil {
			return nil, fmt.Errorf("generate default config: %w", genErr)
		}
		s.snapshot.Store(cfg)
		if err := s.persist(cfg); err != nil {
			return nil, fmt.Errorf("persist default config: %w", err)
		}
		log.Info().Str("path", path).Str("uuid", cfg.UUID).Msg("generated new host identity")
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg ember.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := hydrateIdentity(&cfg); err != nil {
		return nil, fmt.Errorf("hydrate config identity: %w", err)
	}

	s.snapshot.Store(&cfg)
	return s, nil
}

func defaultConfig() (*ember.Config, error) {
	hostID, err := identity.Generate("ember-host")
	if err != nil {
		return nil, err
	}
	cfg := &ember.Config{
		Hostname:      "ember",
		UUID:          hostID.UUID,
		HostCertPEM:   hostID.CertPEM,
		HostKeyPEM:    hostID.KeyPEM,
		SupportHEVC:   true,
		SupportAV1:    false,
		PairedClients: nil,
		Apps:          nil,
	}
	cfg.SetParsedIdentity(hostID.Cert, hostID.Key)
	return cfg, nil
}

func hydrateIdentity(cfg *ember.Config) error {
	cert, err := identity.ParseCertificatePEM(cfg.HostCertPEM)
	if err != nil {
		return fmt.Errorf("parse host certificate: %w", err)
	}
	key, err := identity.ParseKeyPEM(cfg.HostKeyPEM)
	if err != nil {
		return fmt.Errorf("parse host key: %w", err)
	}
	cfg.SetParsedIdentity(cert, key)

	for i := range cfg.PairedClients {
		clientCert, err := identity.ParseCertificatePEM(cfg.PairedClients[i].ClientCertPEM)
		if err != nil {
			return fmt.Errorf("parse paired client %d certificate: %w", i, err)
		}
		cfg.PairedClients[i].SetCertificate(clientCert)
	}
	return nil
}

// Snapshot returns the current, immutable Config. Callers must not
// mutate the returned value; Clone it first if a derived copy is
// needed.
func (s *Store) Snapshot() *ember.Config {
	return s.snapshot.Load()
}

// Pair atomically inserts client into the paired set and persists.
// Duplicate certificates, detected via X.509 verification equality
// (never string equality), are rejected silently — spec.md §4.1 treats
// re-pairing the same client as a no-op, not an error.
func (s *Store) Pair(client ember.PairedClient) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot.Load()
	for _, existing := range current.PairedClients {
		if identity.Equal(existing.Certificate(), client.Certificate()) {
			return nil
		}
	}

	next := current.Clone()
	next.PairedClients = append(next.PairedClients, client)

	if err := s.persist(next); err != nil {
		return emberr.Wrap(emberr.ErrTransient, "persist after pair")
	}
	s.snapshot.Store(next)
	return nil
}

// Unpair atomically removes the first paired client whose certificate
// verifies against cert, persisting the result.
func (s *Store) Unpair(cert *x509.Certificate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.snapshot.Load()
	idx := -1
	for i, existing := range current.PairedClients {
		if identity.Equal(existing.Certificate(), cert) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return emberr.Wrap(emberr.ErrNotFound, "no paired client matches certificate")
	}

	next := current.Clone()
	next.PairedClients = append(next.PairedClients[:idx:idx], next.PairedClients[idx+1:]...)

	if err := s.persist(next); err != nil {
		return emberr.Wrap(emberr.ErrTransient, "persist after unpair")
	}
	s.snapshot.Store(next)
	return nil
}

// GetClientViaSSL returns the first stored paired client whose
// certificate verifies against cert, by insertion order — spec.md §11's
// Open Question is decided as first-match-wins.
func (s *Store) GetClientViaSSL(cert *x509.Certificate) (*ember.PairedClient, error) {
	current := s.snapshot.Load()
	for i := range current.PairedClients {
		if identity.Equal(current.PairedClients[i].Certificate(), cert) {
			return &current.PairedClients[i], nil
		}
	}
	return nil, emberr.Wrap(emberr.ErrUnauthorized, "no paired client matches certificate")
}

// GetAppByID returns the app with the given id from the current
// snapshot.
func (s *Store) GetAppByID(id string) (*ember.App, error) {
	current := s.snapshot.Load()
	for i := range current.Apps {
		if current.Apps[i].ID == id {
			return &current.Apps[i], nil
		}
	}
	return nil, emberr.Wrap(emberr.ErrNotFound, "unknown app id "+id)
}

func (s *Store) persist(cfg *ember.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	pendingFile, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending config file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			log.Debug().Err(err).Msg("cleanup pending config file")
		}
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write config data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace config file: %w", err)
	}
	return nil
}
