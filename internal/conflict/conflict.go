// Package conflict decides what to do with one upload: write in place, refuse
// it, or fork the content into a new object. The version comparison against
// the vendor's live metadata is the correctness mechanism; nothing here locks.
package conflict

import (
	"io"
	"log/slog"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// Intent is one upload call. It lives for the duration of the request and is
// never persisted.
type Intent struct {
	UserID    string
	AccountID string

	// FileID is the target of an update; empty for a create.
	FileID   string
	FolderID string
	FileName string

	// BaseChangeID is the version the client last read. Empty means the
	// client has no baseline (first upload, or conflict tracking opted out).
	BaseChangeID string

	Content io.ReadSeeker
	Size    int64

	Actor     string
	SessionID string

	// ForceFork is the client's explicit "upload as copy" escalation after a
	// Blocked outcome.
	ForceFork bool
}

// Kind tags a Decision.
type Kind int

const (
	Clean Kind = iota
	Blocked
	Fork
)

func (k Kind) String() string {
	switch k {
	case Blocked:
		return "blocked"
	case Fork:
		return "fork"
	default:
		return "clean"
	}
}

// Reason is the closed set of codes a client can render.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUnsharedOrDeleted  Reason = "UNSHARED_OR_DELETED"
	ReasonNoEditingRights    Reason = "NO_EDITING_RIGHTS"
	ReasonVersionsConflicted Reason = "VERSIONS_CONFLICTED"
)

// Decision is the detector's verdict. NewName is set for Fork only and is
// the first candidate of the naming rule; the resolver makes it unique
// among the destination's siblings.
type Decision struct {
	Kind    Kind
	Reason  Reason
	NewName string
}

// Detector classifies intents. It is stateless apart from its naming rule.
type Detector struct {
	namer  *Namer
	logger *slog.Logger
}

// NewDetector returns a detector whose fork names come from namer.
func NewDetector(namer *Namer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Detector{namer: namer, logger: logger}
}

// Classify applies the decision policy in order: unreachable target, missing
// edit rights, version mismatch, clean. meta is nil when the target could not
// be found. A create (no FileID) has no remote state and is always clean.
func (d *Detector) Classify(in *Intent, meta *backend.Metadata, perm backend.Permission) Decision {
	if in.FileID == "" {
		return Decision{Kind: Clean}
	}

	dec := d.classify(in, meta, perm)

	if dec.Kind == Blocked && in.ForceFork {
		name := in.FileName
		if meta != nil && meta.Name != "" {
			name = meta.Name
		}

		dec = Decision{Kind: Fork, Reason: dec.Reason, NewName: d.namer.Base(name)}
	}

	d.logger.Debug("classified upload",
		slog.String("file_id", in.FileID),
		slog.String("decision", dec.Kind.String()),
		slog.String("reason", string(dec.Reason)),
		slog.Bool("force_fork", in.ForceFork),
	)

	return dec
}

func (d *Detector) classify(in *Intent, meta *backend.Metadata, perm backend.Permission) Decision {
	if meta == nil || meta.Deleted {
		return Decision{Kind: Blocked, Reason: ReasonUnsharedOrDeleted}
	}

	if !perm.CanEdit() {
		return Decision{Kind: Blocked, Reason: ReasonNoEditingRights}
	}

	if in.BaseChangeID != "" && in.BaseChangeID != meta.VersionID {
		return Decision{Kind: Fork, Reason: ReasonVersionsConflicted, NewName: d.namer.Base(meta.Name)}
	}

	return Decision{Kind: Clean}
}
