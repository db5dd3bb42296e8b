package config

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/internal/logfields"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/security"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/pkg/errors"
)

// Fetcher downloads the object a version refers to.
type Fetcher interface {
	Get(ctx context.Context, v *version.Version) ([]byte, error)
}

// Syncer brings the bundle in effect up to date with a configuration
// version. Fetch blocks on the network and runs in a deferred worker; Apply
// touches version records and runs on the event loop.
type Syncer struct {
	log      logging.Logger
	fetcher  Fetcher
	holder   *Holder
	versions *version.Versions
}

func NewSyncer(log logging.Logger, fetcher Fetcher, holder *Holder, versions *version.Versions) *Syncer {
	return &Syncer{log: log, fetcher: fetcher, holder: holder, versions: versions}
}

// Fetch downloads and decrypts the bundle for cfg.
func (s *Syncer) Fetch(ctx context.Context, cfg *version.Version) (*Bundle, error) {
	if cfg == nil {
		return nil, errors.New("no configuration version")
	}
	log := s.log.WithFields(logfields.Version(string(cfg.Type), cfg.VersionID))
	log.Info("retrieving configuration")

	body, err := s.fetcher.Get(ctx, cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "error downloading encrypted config version")
	}
	if len(body) == 0 {
		return nil, errors.Errorf("error downloading encrypted config version (%s): empty result", cfg.URL())
	}
	sealed, err := decodeBase64(string(body))
	if err != nil {
		return nil, errors.Wrap(err, "encrypted config is not base64")
	}
	key, err := decodeBase64(cfg.CipherKey)
	if err != nil {
		return nil, errors.Wrap(err, "config key is not base64")
	}
	iv, err := decodeBase64(cfg.CipherIV)
	if err != nil {
		return nil, errors.Wrap(err, "config iv is not base64")
	}
	plain, err := security.Decrypt(sealed, key, iv)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to decrypt config")
	}
	return ParseBundle(plain)
}

// Apply puts b into effect, records the application version it names and
// marks cfg deployed.
func (s *Syncer) Apply(ctx context.Context, cfg *version.Version, b *Bundle) error {
	s.holder.Set(b)

	if info, ok := b.ApplicationVersion(); ok {
		app, err := s.versions.Store(ctx, version.Application, info)
		if err != nil {
			return err
		}
		s.log.WithFields(logfields.Version(string(app.Type), app.VersionID)).Debug("application version from configuration")
	}

	if err := s.versions.MarkDeployed(ctx, cfg); err != nil {
		return errors.WithMessage(err, "unable to mark configuration deployed")
	}
	s.log.WithFields(logfields.Version(string(cfg.Type), cfg.VersionID)).Info("configuration applied")
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	return base64.StdEncoding.DecodeString(s)
}
