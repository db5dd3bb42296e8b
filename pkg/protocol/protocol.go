// Package protocol implements the encrypted task envelope exchanged with
// the orchestrator.
//
// Each message is sealed with AES-256-CBC under a key derived from the host
// identity material and the message's own timestamp, so a key is valid only
// for the instance and the moment it was made for. Requests outside the
// replay window are refused before any decryption is attempted.
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/security"

	"github.com/pkg/errors"
)

const (
	// ReplayWindow is the largest accepted difference between a request's
	// timestamp and the local clock.
	ReplayWindow = 1800 * time.Second
	// TimestampFormat is the layout of response timestamps, always UTC.
	TimestampFormat = "2006-01-02T15:04:05"
)

var ErrInvalidTimestamp = errors.New("provided timestamp is not valid")

// Envelope is the wire form of a request or response.
type Envelope struct {
	Timestamp string `json:"timestamp"`
	IV        string `json:"iv"`
	Payload   string `json:"payload"`
}

// Payload is a decrypted task request.
type Payload struct {
	APIVersion string                 `json:"apiVersion,omitempty"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type Request struct {
	Timestamp time.Time
	IV        []byte
	Payload   Payload
}

// KeySource supplies the host identity material keys are derived from.
type KeySource interface {
	Material(ctx context.Context) (string, error)
}

// Error is a failure to open or seal an envelope. IV is set when the
// request's IV could be decoded.
type Error struct {
	Op  string
	IV  []byte
	Err error
}

func (e *Error) Error() string {
	return "protocol " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Cause() error  { return e.Err }
func (e *Error) Unwrap() error { return e.Err }

type Codec struct {
	log  logging.Logger
	keys KeySource
	now  func() time.Time
}

func NewCodec(log logging.Logger, keys KeySource) *Codec {
	return &Codec{log: log, keys: keys, now: time.Now}
}

// ParseRequest opens a raw request envelope.
func (c *Codec) ParseRequest(ctx context.Context, raw []byte) (*Request, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, c.fail(&Error{Op: "decode envelope", Err: err})
	}
	iv, err := decode(env.IV)
	if err != nil {
		return nil, c.fail(&Error{Op: "decode iv", Err: err})
	}

	ts, err := c.validateTimestamp(env.Timestamp)
	if err != nil {
		return nil, c.fail(&Error{Op: "validate timestamp", IV: iv, Err: err})
	}

	sealed, err := decode(env.Payload)
	if err != nil {
		return nil, c.fail(&Error{Op: "decode payload", IV: iv, Err: err})
	}
	plain, err := c.open(ctx, env.Timestamp, sealed, iv)
	if err != nil {
		return nil, c.fail(&Error{Op: "decrypt payload", IV: iv, Err: err})
	}
	var payload Payload
	if err := json.Unmarshal(plain, &payload); err != nil {
		// The decoder error may quote plaintext.
		return nil, c.fail(&Error{Op: "decode payload", IV: iv, Err: errors.New("payload is not valid JSON")})
	}
	return &Request{Timestamp: ts, IV: iv, Payload: payload}, nil
}

// BuildResponse seals result under a key derived from the current time,
// echoing the request's iv.
func (c *Codec) BuildResponse(ctx context.Context, iv []byte, result interface{}) ([]byte, error) {
	plain, err := json.Marshal(result)
	if err != nil {
		return nil, &Error{Op: "encode result", IV: iv, Err: err}
	}
	return c.seal(ctx, c.now().UTC().Format(TimestampFormat), iv, plain)
}

// SealRequest builds a request envelope as the orchestrator would.
func (c *Codec) SealRequest(ctx context.Context, at time.Time, iv []byte, p Payload) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, &Error{Op: "encode payload", IV: iv, Err: err}
	}
	return c.seal(ctx, at.UTC().Format(time.RFC3339), iv, plain)
}

// ParseResponse opens a response envelope into v. It does not apply the
// replay window.
func (c *Codec) ParseResponse(ctx context.Context, raw []byte, v interface{}) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Error{Op: "decode envelope", Err: err}
	}
	iv, err := decode(env.IV)
	if err != nil {
		return nil, &Error{Op: "decode iv", Err: err}
	}
	sealed, err := decode(env.Payload)
	if err != nil {
		return iv, &Error{Op: "decode payload", IV: iv, Err: err}
	}
	plain, err := c.open(ctx, env.Timestamp, sealed, iv)
	if err != nil {
		return iv, &Error{Op: "decrypt payload", IV: iv, Err: err}
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return iv, &Error{Op: "decode payload", IV: iv, Err: errors.New("payload is not valid JSON")}
	}
	return iv, nil
}

func (c *Codec) seal(ctx context.Context, timestamp string, iv, plain []byte) ([]byte, error) {
	material, err := c.keys.Material(ctx)
	if err != nil {
		return nil, &Error{Op: "derive key", IV: iv, Err: err}
	}
	sealed, err := security.Encrypt(plain, security.DeriveKey(material, timestamp), iv)
	if err != nil {
		return nil, &Error{Op: "encrypt payload", IV: iv, Err: err}
	}
	out, err := json.Marshal(Envelope{
		Timestamp: timestamp,
		IV:        base64.StdEncoding.EncodeToString(iv),
		Payload:   base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, &Error{Op: "encode envelope", IV: iv, Err: err}
	}
	return out, nil
}

func (c *Codec) open(ctx context.Context, timestamp string, sealed, iv []byte) ([]byte, error) {
	material, err := c.keys.Material(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to derive key")
	}
	return security.Decrypt(sealed, security.DeriveKey(material, timestamp), iv)
}

func (c *Codec) validateTimestamp(raw string) (time.Time, error) {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, errors.Wrap(ErrInvalidTimestamp, err.Error())
	}
	skew := c.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew >= ReplayWindow {
		return time.Time{}, ErrInvalidTimestamp
	}
	return ts, nil
}

func (c *Codec) fail(err *Error) *Error {
	c.log.WithField("op", err.Op).WithError(err.Err).Warn("rejected request")
	return err
}

// ParseTimestamp accepts ISO 8601 timestamps with or without a zone. Those
// without one are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(TimestampFormat, raw)
	if err != nil {
		return time.Time{}, errors.Errorf("unrecognized timestamp %q", raw)
	}
	return ts, nil
}

func decode(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// IsInvalidTimestamp reports whether err is a replay window rejection.
func IsInvalidTimestamp(err error) bool {
	return errors.Cause(err) == ErrInvalidTimestamp
}
