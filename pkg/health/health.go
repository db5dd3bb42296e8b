// Package health probes the deployed application over HTTP.
package health

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"

	"github.com/pkg/errors"
)

const (
	UserAgent = "AWS Elastic Beanstalk Host Manager - Health Check"

	DefaultTimeout = 3 * time.Second
	MaxRedirects   = 10
)

// Prober checks the application's health check URL.
type Prober struct {
	log    logging.Logger
	client *http.Client
	base   string
}

// New creates a Prober for paths on base, for example "http://localhost".
func New(log logging.Logger, base string) *Prober {
	return &Prober{
		log:  log,
		base: strings.TrimSuffix(base, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxRedirects {
					return errors.New("HTTP redirect too deep")
				}
				return nil
			},
		},
	}
}

// URL is where a probe of path is sent.
func (p *Prober) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return p.base + path
}

// Probe requests path and fails unless the final response is a 2xx.
func (p *Prober) Probe(ctx context.Context, path string) error {
	url := p.URL(path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "invalid health check url")
	}
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(ioutil.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("Received HTTP Response Code: %d", resp.StatusCode)
	}
	p.log.WithField("url", url).Debug("application healthy")
	return nil
}
