// Package resolver carries out a conflict decision against the vendor: an
// in-place update, no write at all, or a fork of the content into a new,
// non-colliding file.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/retry"
)

// defaultMaxNameAttempts bounds probe-and-increment when the vendor reports
// a name collision the sibling listing did not show.
const defaultMaxNameAttempts = 5

// Kind tags an Outcome.
type Kind int

const (
	Updated Kind = iota
	Blocked
	Forked
)

func (k Kind) String() string {
	switch k {
	case Blocked:
		return "blocked"
	case Forked:
		return "forked"
	default:
		return "updated"
	}
}

// Outcome is the result of one upload.
//
//	Updated: FileID, VersionID (FileID is the new file for a create)
//	Blocked: FileID, Reason
//	Forked:  OriginalID, NewID, NewName, VersionID, Reason, FolderID
type Outcome struct {
	Kind      Kind
	Reason    conflict.Reason
	FileID    string
	VersionID string

	OriginalID      string
	NewID           string
	NewName         string
	FolderID        string
	InPrivateFolder bool
}

// NoEditingRightsError is the hard failure of the legacy workflow, raised
// instead of a Blocked outcome when the new-session workflow is off.
type NoEditingRightsError struct {
	FileID string
	Actor  string
}

func (e *NoEditingRightsError) Error() string {
	return fmt.Sprintf("resolver: %s has no editing rights on %s", e.Actor, e.FileID)
}

// Config tunes the resolver.
type Config struct {
	NewSessionWorkflow bool
	MaxNameAttempts    int
}

// Resolver is shared by all requests.
type Resolver struct {
	policy          *retry.Policy
	namer           *conflict.Namer
	maxNameAttempts int
	newSession      atomic.Bool
	logger          *slog.Logger
}

// New builds a Resolver. namer must be the one the detector uses so that
// reservations cover every fork in flight.
func New(policy *retry.Policy, namer *conflict.Namer, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.MaxNameAttempts <= 0 {
		cfg.MaxNameAttempts = defaultMaxNameAttempts
	}

	r := &Resolver{
		policy:          policy,
		namer:           namer,
		maxNameAttempts: cfg.MaxNameAttempts,
		logger:          logger,
	}
	r.newSession.Store(cfg.NewSessionWorkflow)

	return r
}

// SetNewSessionWorkflow flips the compatibility switch at runtime.
func (r *Resolver) SetNewSessionWorkflow(enabled bool) {
	r.newSession.Store(enabled)
}

// Resolve performs dec for in. meta is the live metadata the decision was
// made against; nil when the target was not found or for a create.
func (r *Resolver) Resolve(
	ctx context.Context, sess backend.Session, dec conflict.Decision, in *conflict.Intent, meta *backend.Metadata,
) (*Outcome, error) {
	switch dec.Kind {
	case conflict.Clean:
		return r.update(ctx, sess, in, meta)
	case conflict.Blocked:
		return r.block(dec, in)
	case conflict.Fork:
		return r.fork(ctx, sess, dec, in, meta)
	default:
		return nil, fmt.Errorf("resolver: unknown decision %d", dec.Kind)
	}
}

func (r *Resolver) block(dec conflict.Decision, in *conflict.Intent) (*Outcome, error) {
	if dec.Reason == conflict.ReasonNoEditingRights && !r.newSession.Load() {
		return nil, &NoEditingRightsError{FileID: in.FileID, Actor: in.Actor}
	}

	r.logger.Info("upload blocked",
		slog.String("file_id", in.FileID),
		slog.String("reason", string(dec.Reason)),
	)

	return &Outcome{Kind: Blocked, Reason: dec.Reason, FileID: in.FileID}, nil
}

// update writes in place, conditional on the version that was classified.
// A create asks the vendor to autorename on collision.
func (r *Resolver) update(
	ctx context.Context, sess backend.Session, in *conflict.Intent, meta *backend.Metadata,
) (*Outcome, error) {
	req := backend.UploadRequest{Size: in.Size}

	if in.FileID == "" {
		req.ParentID = in.FolderID
		req.Name = in.FileName
		req.Autorename = true
	} else {
		req.FileID = in.FileID
		if meta != nil {
			req.Path = meta.Path
			req.ExpectedVersion = meta.VersionID
		}
	}

	res, err := r.write(ctx, sess, in, req)
	if err != nil {
		return nil, err
	}

	r.logger.Info("content updated",
		slog.String("file_id", res.FileID),
		slog.String("version_id", res.VersionID),
	)

	return &Outcome{Kind: Updated, FileID: res.FileID, VersionID: res.VersionID}, nil
}

func (r *Resolver) fork(
	ctx context.Context, sess backend.Session, dec conflict.Decision, in *conflict.Intent, meta *backend.Metadata,
) (*Outcome, error) {
	original := in.FileName
	if meta != nil && meta.Name != "" {
		original = meta.Name
	}

	folder, private, err := r.destination(ctx, sess, meta)
	if err != nil {
		return nil, err
	}

	caps := sess.Capabilities()

	var siblings []string

	// With vendor autorename the reservation only guards forks in flight.
	if !caps.Autorename {
		siblings, err = retry.Do(ctx, r.policy, retry.Op{Name: "list_children", Idempotent: true},
			func(ctx context.Context) ([]string, error) {
				return sess.ListChildren(ctx, folder)
			})
		if err != nil {
			return nil, fmt.Errorf("resolver: listing fork destination: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		name := r.namer.Reserve(folder, original, siblings)

		res, err := r.write(ctx, sess, in, backend.UploadRequest{
			ParentID:   folder,
			Name:       name,
			Autorename: caps.Autorename,
			Size:       in.Size,
		})

		r.namer.Release(folder, name)

		if errors.Is(err, backend.ErrNameConflict) && attempt < r.maxNameAttempts {
			r.logger.Debug("fork name taken, probing next",
				slog.String("folder_id", folder),
				slog.Int("attempt", attempt),
			)

			siblings = append(siblings, name)

			continue
		}

		if err != nil {
			return nil, err
		}

		r.logger.Info("upload forked",
			slog.String("file_id", in.FileID),
			slog.String("new_id", res.FileID),
			slog.String("new_name", res.Name),
			slog.String("reason", string(dec.Reason)),
			slog.Bool("private_folder", private),
		)

		newName := res.Name
		if newName == "" {
			newName = name
		}

		return &Outcome{
			Kind:            Forked,
			Reason:          dec.Reason,
			VersionID:       res.VersionID,
			OriginalID:      in.FileID,
			NewID:           res.FileID,
			NewName:         newName,
			FolderID:        folder,
			InPrivateFolder: private,
		}, nil
	}
}

// destination picks the original's folder when the actor can still read it,
// otherwise the per-user private folder.
func (r *Resolver) destination(
	ctx context.Context, sess backend.Session, meta *backend.Metadata,
) (string, bool, error) {
	if meta != nil && !meta.Deleted && meta.ParentReadable && meta.ParentID != "" {
		return meta.ParentID, false, nil
	}

	folder, err := retry.Do(ctx, r.policy, retry.Op{Name: "private_folder", Idempotent: true},
		func(ctx context.Context) (string, error) {
			return sess.PrivateFolder(ctx)
		})
	if err != nil {
		return "", false, fmt.Errorf("resolver: resolving private folder: %w", err)
	}

	return folder, true, nil
}

// write uploads the intent's content under req. The stream is rewound before
// every attempt. Content writes are not idempotent, so only rate-limited
// rejections are retried.
func (r *Resolver) write(
	ctx context.Context, sess backend.Session, in *conflict.Intent, req backend.UploadRequest,
) (*backend.UploadResult, error) {
	return retry.Do(ctx, r.policy, retry.Op{Name: "upload_content"},
		func(ctx context.Context) (*backend.UploadResult, error) {
			if in.Content != nil {
				if _, err := in.Content.Seek(0, io.SeekStart); err != nil {
					return nil, fmt.Errorf("resolver: rewinding content: %w", err)
				}

				req.Content = in.Content
			}

			return sess.UploadContent(ctx, req)
		})
}
