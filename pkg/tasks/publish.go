package tasks

import (
	"context"
	"fmt"
	"os"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"
	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/publication"

	"github.com/pkg/errors"
)

const sendFileToS3Name = "SendFileToS3"

type sendFileToS3 struct {
	env    *Env
	params Parameters
}

func newSendFileToS3(env *Env, params Parameters) Task {
	return &sendFileToS3{env: env, params: params}
}

func (s *sendFileToS3) Run(ctx context.Context) (Result, error) {
	url := s.params.String(marker.ParamS3URL)
	if url == "" {
		return Result{}, errors.New("Missing publication URL")
	}
	filename := s.params.String(marker.ParamFilename)
	if filename == "" {
		return Result{}, errors.New("Missing filename")
	}
	contentType := s.params.String(marker.ParamContentType)
	tags := []marker.Tag{marker.TagS3}

	if _, err := os.Stat(filename); err != nil {
		msg := fmt.Sprintf("Cannot publish file %s: file does not exist", filename)
		s.env.Log.Warn(msg)
		if p, err := s.env.Publications.FindPublication(ctx, filename); err == nil && p != nil {
			if err := publication.SetState(ctx, s.env.Publications, p, marker.PublicationError); err != nil {
				s.env.Log.WithError(err).Warn("unable to update publication")
			}
		}
		s.env.Events.Store(ctx, sendFileToS3Name, msg, marker.SeverityWarn, tags, false)
		return Failed(msg), nil
	}

	work := s.env.submit(sendFileToS3Name, func(ctx context.Context) error {
		p, err := s.env.Publications.FindPublication(ctx, filename)
		if err != nil {
			return err
		}
		if p == nil || p.State != marker.PublicationPending {
			s.env.Log.WithField("filename", filename).Warn("no pending publication for file")
			return nil
		}
		if err := publication.SetState(ctx, s.env.Publications, p, marker.PublicationInProgress); err != nil {
			return err
		}
		s.env.Log.WithField("filename", filename).Info("publishing file")

		uerr := s.upload(ctx, url, filename, contentType)
		if uerr != nil {
			msg := fmt.Sprintf("Failed to publish %s to %s: %s", filename, url, uerr)
			s.env.Log.Warn(msg)
			s.env.Events.Store(ctx, sendFileToS3Name, msg, marker.SeverityWarn, tags, true)
			if err := publication.SetState(ctx, s.env.Publications, p, marker.PublicationError); err != nil {
				s.env.Log.WithError(err).Warn("unable to update publication")
			}
			return uerr
		}
		if err := publication.SetState(ctx, s.env.Publications, p, marker.PublicationComplete); err != nil {
			s.env.Log.WithError(err).Warn("unable to update publication")
		}
		if p.Delete {
			s.env.Log.WithField("filename", filename).Info("deleting published file")
			if err := os.Remove(filename); err != nil {
				s.env.Log.WithError(err).Warn("unable to delete published file")
			}
		}
		return nil
	})
	return Deferred(work), nil
}

func (s *sendFileToS3) upload(ctx context.Context, url, filename, contentType string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	took, err := s.env.Uploader.Put(ctx, url, f, contentType)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Published %s in %.3f seconds", filename, took.Seconds())
	s.env.Log.Info(msg)
	s.env.Events.Store(ctx, sendFileToS3Name, msg, marker.SeverityInfo, []marker.Tag{marker.TagS3}, false)
	return nil
}
