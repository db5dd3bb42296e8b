// Package version models artifact versions: application builds and
// configuration bundles addressed by S3 bucket, key and version id.
package version

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Type string

const (
	Application   Type = "application"
	Configuration Type = "configuration"
)

const s3HostSuffix = ".s3.amazonaws.com"

var versionIDPattern = regexp.MustCompile(`versionId=([^&]*)`)

// Version is a stored artifact reference.
type Version struct {
	ID          int64
	Type        Type
	Bucket      string
	Key         string
	VersionID   string
	QueryParams string
	Digest      string
	CipherKey   string
	CipherIV    string
	Error       string
	Timestamp   time.Time
	Deployed    bool
}

// Info is an incoming artifact reference as parsed from a task.
type Info struct {
	Bucket      string `json:"s3bucket"`
	Key         string `json:"s3key"`
	VersionID   string `json:"s3version"`
	QueryParams string `json:"queryParams"`
	Digest      string `json:"digest"`
	CipherKey   string `json:"key"`
	CipherIV    string `json:"iv"`
}

// StatusInfo is the version shape reported to the orchestrator.
type StatusInfo struct {
	Version   string `json:"version"`
	Digest    string `json:"digest"`
	Deployed  bool   `json:"deployed"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

// URL reconstructs the artifact's fetch URL, escaping the key and keeping
// the stored query, signature included, as it arrived.
func (v *Version) URL() string {
	u := url.URL{
		Scheme:   "https",
		Host:     v.Bucket + s3HostSuffix,
		Path:     "/" + v.Key,
		RawQuery: v.QueryParams,
	}
	return u.String()
}

func (v *Version) ToInfo() StatusInfo {
	return StatusInfo{
		Version:   v.VersionID,
		Digest:    v.Digest,
		Deployed:  v.Deployed,
		Timestamp: v.Timestamp.Unix() * 1000,
		Error:     v.Error,
	}
}

// ParseURL splits an S3 virtual hosted style URL into an Info. The digest
// and cipher material come from extra, keyed as in task parameters.
func ParseURL(raw string, extra map[string]string) (*Info, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse artifact url")
	}
	info := &Info{
		Key:         strings.TrimPrefix(u.Path, "/"),
		QueryParams: u.RawQuery,
		Digest:      extra["digest"],
		CipherKey:   extra["key"],
		CipherIV:    extra["iv"],
	}
	if host := u.Hostname(); strings.HasSuffix(host, s3HostSuffix) {
		info.Bucket = strings.TrimSuffix(host, s3HostSuffix)
	}
	if m := versionIDPattern.FindStringSubmatch(u.RawQuery); m != nil {
		info.VersionID = m[1]
	}
	return info, nil
}

// Repository persists versions.
type Repository interface {
	// LastVersion returns the most recently stored version of typ, or nil.
	LastVersion(ctx context.Context, typ Type) (*Version, error)
	// InsertVersion stores v and assigns its ID.
	InsertVersion(ctx context.Context, v *Version) error
	// UpdateVersion writes v's deployed, timestamp and error fields by ID.
	UpdateVersion(ctx context.Context, v *Version) error
}

// Versions manages artifact version records.
type Versions struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Versions {
	return &Versions{repo: repo, now: time.Now}
}

// Store ingests info as the newest version of typ. Storing the same version
// id as the last stored version returns that record unchanged.
func (vs *Versions) Store(ctx context.Context, typ Type, info *Info) (*Version, error) {
	if info == nil {
		return nil, nil
	}
	prev, err := vs.repo.LastVersion(ctx, typ)
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to look up last %s version", typ)
	}
	if prev != nil && prev.VersionID == info.VersionID {
		return prev, nil
	}

	v := &Version{
		Type:        typ,
		Bucket:      info.Bucket,
		Key:         info.Key,
		VersionID:   info.VersionID,
		QueryParams: info.QueryParams,
		Digest:      info.Digest,
		CipherKey:   info.CipherKey,
		CipherIV:    info.CipherIV,
		Timestamp:   vs.now().UTC(),
	}
	if prev != nil {
		if v.Bucket == "" {
			v.Bucket = prev.Bucket
		}
		if v.Key == "" {
			v.Key = prev.Key
		}
	}
	if err := vs.repo.InsertVersion(ctx, v); err != nil {
		return nil, errors.WithMessagef(err, "unable to store %s version %q", typ, v.VersionID)
	}
	return v, nil
}

// FromURL parses raw and stores the result. An empty URL yields nil.
func (vs *Versions) FromURL(ctx context.Context, typ Type, raw string, extra map[string]string) (*Version, error) {
	if raw == "" {
		return nil, nil
	}
	info, err := ParseURL(raw, extra)
	if err != nil {
		return nil, err
	}
	return vs.Store(ctx, typ, info)
}

func (vs *Versions) Last(ctx context.Context, typ Type) (*Version, error) {
	return vs.repo.LastVersion(ctx, typ)
}

// MarkDeployed records a completed deployment of v.
func (vs *Versions) MarkDeployed(ctx context.Context, v *Version) error {
	v.Deployed = true
	v.Timestamp = vs.now().UTC()
	v.Error = ""
	return vs.repo.UpdateVersion(ctx, v)
}

// MarkFailed records output as the error of a failed deployment of v.
func (vs *Versions) MarkFailed(ctx context.Context, v *Version, output string) error {
	v.Error = output
	return vs.repo.UpdateVersion(ctx, v)
}
