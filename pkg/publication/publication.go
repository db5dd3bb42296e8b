// Package publication tracks files queued for upload to S3.
package publication

import (
	"context"
	"os"
	"time"

	"github.com/amazonlinux/bottlerocket/hostmanager/pkg/marker"

	"github.com/pkg/errors"
)

type Publication struct {
	ID        int64
	Timestamp time.Time
	Filename  string
	State     marker.PublicationState
	// Delete removes the file after a successful upload.
	Delete bool
}

// Info is the shape reported by the Status task.
type Info struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

const logsPath = "logs"

func (p *Publication) Info() Info {
	return Info{Filename: p.Filename, Path: logsPath}
}

type Repository interface {
	// FindPublication returns the publication for filename, or nil.
	FindPublication(ctx context.Context, filename string) (*Publication, error)
	InsertPublication(ctx context.Context, p *Publication) error
	PublicationsByState(ctx context.Context, state marker.PublicationState) ([]*Publication, error)
	// UpdatePublication writes p's state and delete flag by ID.
	UpdatePublication(ctx context.Context, p *Publication) error
}

// Register queues filename for publication. Missing files and files already
// registered are ignored and yield nil.
func Register(ctx context.Context, repo Repository, filename string, del bool, at time.Time) (*Publication, error) {
	if filename == "" {
		return nil, nil
	}
	if _, err := os.Stat(filename); err != nil {
		return nil, nil
	}
	existing, err := repo.FindPublication(ctx, filename)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}
	p := &Publication{
		Timestamp: at,
		Filename:  filename,
		State:     marker.PublicationPending,
		Delete:    del,
	}
	if err := repo.InsertPublication(ctx, p); err != nil {
		return nil, errors.WithMessagef(err, "unable to register publication of %q", filename)
	}
	return p, nil
}

// SetState updates the state of p. Failed uploads never delete their file.
func SetState(ctx context.Context, repo Repository, p *Publication, state marker.PublicationState) error {
	p.State = state
	if state == marker.PublicationError {
		p.Delete = false
	}
	return repo.UpdatePublication(ctx, p)
}
