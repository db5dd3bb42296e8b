// Package identity reads the instance's identity and user data from the EC2
// instance metadata service.
package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/protocol"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
)

const (
	// identityTTL bounds how long metadata is trusted. Identity does not
	// change for the life of an instance.
	identityTTL = 24 * time.Hour
	userDataTTL = 5 * time.Minute

	pathInstanceID    = "instance-id"
	pathReservationID = "reservation-id"
	pathInstanceType  = "instance-type"
	keyUserData       = "user-data"
)

var _ protocol.KeySource = (*Provider)(nil)

// MetadataClient is the subset of the instance metadata client used.
type MetadataClient interface {
	GetMetadataWithContext(ctx aws.Context, path string) (string, error)
	GetUserDataWithContext(ctx aws.Context) (string, error)
}

// Provider serves cached instance metadata.
type Provider struct {
	log    logging.Logger
	client MetadataClient
	cache  *ccache.Cache
}

func New(log logging.Logger, client MetadataClient) *Provider {
	return &Provider{
		log:    log,
		client: client,
		cache:  ccache.New(ccache.Configure().MaxSize(100).ItemsToPrune(10)),
	}
}

// NewEC2 creates a Provider backed by the instance metadata service.
func NewEC2(log logging.Logger, sess *session.Session) *Provider {
	return New(log, ec2metadata.New(sess))
}

func (p *Provider) metadata(ctx context.Context, path string) (string, error) {
	item, err := p.cache.Fetch(path, identityTTL, func() (interface{}, error) {
		p.log.WithField("path", path).Debug("fetching instance metadata")
		v, err := p.client.GetMetadataWithContext(ctx, path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to fetch metadata %q", path)
		}
		return strings.TrimSpace(v), nil
	})
	if err != nil {
		return "", err
	}
	return item.Value().(string), nil
}

// Material returns the host identity used for key derivation: the instance
// id followed by the reservation id.
func (p *Provider) Material(ctx context.Context) (string, error) {
	instance, err := p.metadata(ctx, pathInstanceID)
	if err != nil {
		return "", err
	}
	reservation, err := p.metadata(ctx, pathReservationID)
	if err != nil {
		return "", err
	}
	return instance + reservation, nil
}

func (p *Provider) InstanceType(ctx context.Context) (string, error) {
	return p.metadata(ctx, pathInstanceType)
}

// UserData returns the instance user data, which is JSON or base64 encoded
// JSON.
func (p *Provider) UserData(ctx context.Context) (map[string]json.RawMessage, error) {
	item, err := p.cache.Fetch(keyUserData, userDataTTL, func() (interface{}, error) {
		raw, err := p.client.GetUserDataWithContext(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "unable to fetch user data")
		}
		return parseUserData(raw)
	})
	if err != nil {
		return nil, err
	}
	return item.Value().(map[string]json.RawMessage), nil
}

func parseUserData(raw string) (map[string]json.RawMessage, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &data); err == nil {
		return data, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, errors.New("user data is neither JSON nor base64")
	}
	if err := json.Unmarshal(decoded, &data); err != nil {
		return nil, errors.Wrap(err, "decoded user data is not JSON")
	}
	return data, nil
}

// ConfigurationInfo returns the configuration version named by user data.
func (p *Provider) ConfigurationInfo(ctx context.Context) (*version.Info, error) {
	data, err := p.UserData(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := data[marker.UserDataConfiguration]
	if !ok {
		return nil, errors.New("missing configuration version info in user data")
	}
	var info version.Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrap(err, "invalid configuration version info in user data")
	}
	return &info, nil
}
