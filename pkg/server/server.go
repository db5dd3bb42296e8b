// Package server exposes the task endpoint and the load balancer health
// check over HTTP.
package server

import (
	"context"
	"crypto/rand"
	"encoding/xml"
	"net/http"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/event"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/logging"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/loop"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/protocol"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/tasks"

	"github.com/pkg/errors"
)

const (
	// RequestField is the form field carrying the request envelope.
	RequestField = "request"

	healthcheckSource = "healthcheck"
	shutdownTimeout   = 5 * time.Second
	ivSize            = 16
)

// Healthchecker checks the health of the host and its application.
type Healthchecker interface {
	Check(ctx context.Context) error
}

type Server struct {
	log     logging.Logger
	codec   *protocol.Codec
	loop    *loop.Loop
	disp    *tasks.Dispatcher
	health  Healthchecker
	events  event.Sink
	apiVers []string
}

func New(log logging.Logger, codec *protocol.Codec, l *loop.Loop, disp *tasks.Dispatcher, health Healthchecker, events event.Sink, apiVersions []string) *Server {
	return &Server{
		log:     log,
		codec:   codec,
		loop:    l,
		disp:    disp,
		health:  health,
		events:  events,
		apiVers: apiVersions,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", s.tasks)
	mux.HandleFunc("/healthcheck", s.healthcheck)
	return mux
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errs := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("listening")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "unable to shut down server")
	}
	return nil
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	raw := r.FormValue(RequestField)
	if raw == "" {
		s.reject(ctx, w, nil, errors.New("missing request"))
		return
	}

	req, err := s.codec.ParseRequest(ctx, []byte(raw))
	if err != nil {
		var perr *protocol.Error
		var iv []byte
		if errors.As(err, &perr) {
			iv = perr.IV
		}
		s.reject(ctx, w, iv, err)
		return
	}

	var out map[string]interface{}
	if err := s.loop.Do(ctx, func() {
		out, _ = s.disp.Handle(ctx, req.Payload)
	}); err != nil {
		s.log.WithError(err).Error("unable to dispatch task")
		http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
		return
	}
	s.respond(ctx, w, http.StatusOK, req.IV, out)
}

// reject answers a request that could not be opened. The response is
// sealed with the request's IV when it was readable.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, iv []byte, err error) {
	if len(iv) != ivSize {
		iv = make([]byte, ivSize)
		if _, rerr := rand.Read(iv); rerr != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	s.respond(ctx, w, http.StatusBadRequest, iv, map[string]interface{}{
		"api_versions": s.apiVers,
		"status":       string(tasks.KindError),
		"error":        err.Error(),
	})
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, code int, iv []byte, out map[string]interface{}) {
	body, err := s.codec.BuildResponse(ctx, iv, out)
	if err != nil {
		s.log.WithError(err).Error("unable to seal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

type healthcheckResult struct {
	XMLName xml.Name `xml:"healthcheck"`
	Status  string   `xml:"status"`
	Reason  string   `xml:"reason,omitempty"`
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res := healthcheckResult{Status: "OK"}
	code := http.StatusOK
	if err := s.health.Check(ctx); err != nil {
		code = http.StatusInternalServerError
		res = healthcheckResult{Status: "FAILED", Reason: err.Error()}
		s.events.Store(ctx, healthcheckSource, "ELB healthcheck failed: "+err.Error(), marker.SeverityCritical, []marker.Tag{marker.TagHealthcheck}, true)
	}

	body, err := xml.Marshal(res)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
