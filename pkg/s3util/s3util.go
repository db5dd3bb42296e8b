// Package s3util fetches artifacts from and publishes files to S3 through
// the pre-signed URLs the orchestrator hands out.
package s3util

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/version"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
)

// MaxAttempts is the number of times a request is tried before failing.
const MaxAttempts = 2

// Client moves objects between the host and S3.
type Client struct {
	log  logging.Logger
	http *http.Client
}

// New creates a Client that sends its requests with sess's HTTP client.
func New(log logging.Logger, sess *session.Session) *Client {
	hc := http.DefaultClient
	if sess != nil && sess.Config != nil && sess.Config.HTTPClient != nil {
		hc = sess.Config.HTTPClient
	}
	return &Client{log: log, http: hc}
}

// Get downloads the object a version refers to from its signed URL.
func (c *Client) Get(ctx context.Context, v *version.Version) ([]byte, error) {
	if v == nil || v.Bucket == "" || v.Key == "" {
		return nil, errors.New("a bucket and key are required")
	}
	raw := v.URL()
	log := c.log.WithField("url", redact(raw))
	log.Debug("fetching object")
	start := time.Now()
	resp, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot get %s", redact(raw))
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", redact(raw))
	}
	log.WithField("elapsed", time.Since(start)).Debug("fetched object")
	return body, nil
}

// Put uploads body to the signed URL rawURL, unchanged, and reports how
// long the upload took.
func (c *Client) Put(ctx context.Context, rawURL string, body io.Reader, contentType string) (time.Duration, error) {
	if rawURL == "" {
		return 0, errors.New("a nonempty URL is required")
	}
	rs, ok := body.(io.ReadSeeker)
	if !ok {
		b, err := ioutil.ReadAll(body)
		if err != nil {
			return 0, errors.Wrap(err, "cannot read upload body")
		}
		rs = bytes.NewReader(b)
	}
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrap(err, "cannot size upload body")
	}

	start := time.Now()
	resp, err := c.do(ctx, func() (*http.Request, error) {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "cannot rewind upload body")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawURL, ioutil.NopCloser(rs))
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		if size == 0 {
			req.Body = http.NoBody
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "cannot put %s", redact(rawURL))
	}
	resp.Body.Close()
	return time.Since(start), nil
}

// do sends the request newReq builds until it succeeds or MaxAttempts
// requests have failed. Any non-2xx answer counts as a failure.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		default:
			msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.WithError(lastErr).WithField("attempt", attempt).Warn("request failed")
	}
	return nil, lastErr
}

// redact drops the query, and with it the signature, for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	return u.String()
}
