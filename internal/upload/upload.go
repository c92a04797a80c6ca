// Package upload composes the credential vault, retry policy, conflict
// detector, resolver and notifier into one linear state machine per upload:
//
//	START -> CREDENTIAL_READY -> REMOTE_STATE_FETCHED -> CLASSIFIED -> RESOLVED -> NOTIFIED
//
// Any fatal error moves the request to ABORTED. No state is revisited.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloudbridge/internal/account"
	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
	"github.com/tonimelisma/cloudbridge/internal/retry"
)

const (
	// DefaultDedupTTL is how long a completed outcome is replayed to a
	// retried identical request.
	DefaultDedupTTL = 10 * time.Minute

	// DefaultTimeout bounds one upload once it has started. The caller going
	// away does not stop it.
	DefaultTimeout = 30 * time.Minute

	versionSaveTimeout = 10 * time.Second
)

// State is a step of the per-request state machine.
type State int

const (
	StateStart State = iota
	StateCredentialReady
	StateRemoteStateFetched
	StateClassified
	StateResolved
	StateNotified
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateCredentialReady:
		return "CREDENTIAL_READY"
	case StateRemoteStateFetched:
		return "REMOTE_STATE_FETCHED"
	case StateClassified:
		return "CLASSIFIED"
	case StateResolved:
		return "RESOLVED"
	case StateNotified:
		return "NOTIFIED"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AbortError reports the last state reached before a fatal error.
type AbortError struct {
	State State
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("upload aborted after %s: %v", e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Credentials yields usable credentials; implemented by *vault.Vault.
type Credentials interface {
	Obtain(ctx context.Context, userID, accountID string) (backend.Credential, error)
}

// Publisher broadcasts outcomes; implemented by *notify.Notifier.
type Publisher interface {
	Publish(userID, accountID, sessionID string, out *resolver.Outcome)
}

// VersionStore keeps the last synchronized version per file.
type VersionStore interface {
	GetVersionState(ctx context.Context, vendor, fileID string) (*account.FileVersionState, error)
	SaveVersionState(ctx context.Context, s *account.FileVersionState) error
}

// Deps wires the orchestrator.
type Deps struct {
	Credentials Credentials
	Adapters    *backend.Registry
	Policy      *retry.Policy
	Detector    *conflict.Detector
	Resolver    *resolver.Resolver
	Publisher   Publisher
	Versions    VersionStore // optional
	DedupTTL    time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

type replay struct {
	outcome *resolver.Outcome
	expires time.Time
}

// Orchestrator runs uploads. It is safe for concurrent use; requests for
// different files never wait on each other.
type Orchestrator struct {
	creds     Credentials
	adapters  *backend.Registry
	policy    *retry.Policy
	detector  *conflict.Detector
	resolver  *resolver.Resolver
	publisher Publisher
	versions  VersionStore
	ttl       time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time

	flights singleflight.Group

	mu   sync.Mutex
	done map[string]replay

	pending sync.WaitGroup
}

// New builds an Orchestrator from d.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	if d.DedupTTL <= 0 {
		d.DedupTTL = DefaultDedupTTL
	}

	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}

	return &Orchestrator{
		creds:     d.Credentials,
		adapters:  d.Adapters,
		policy:    d.Policy,
		detector:  d.Detector,
		resolver:  d.Resolver,
		publisher: d.Publisher,
		versions:  d.Versions,
		ttl:       d.DedupTTL,
		timeout:   d.Timeout,
		logger:    d.Logger,
		nowFunc:   time.Now,
		done:      make(map[string]replay),
	}
}

// ResolveCredential exposes the vault to callers that issue their own vendor
// calls, such as large-file session uploads.
func (o *Orchestrator) ResolveCredential(ctx context.Context, userID, accountID string) (backend.Credential, error) {
	return o.creds.Obtain(ctx, userID, accountID)
}

// Upload runs one upload. Retried identical requests (same session, target,
// base-change-id and escalation) share one execution while in flight and
// replay its outcome afterwards, so a retry never forks twice.
//
// The upload runs to completion under its own deadline even if ctx is
// canceled, so a write that landed is always remembered for the retry.
// Upload still returns only once the execution has finished, since
// in.Content must stay readable until then.
func (o *Orchestrator) Upload(ctx context.Context, in *conflict.Intent) (*resolver.Outcome, error) {
	key := dedupKey(in)
	if key == "" {
		runCtx, cancel := o.detach(ctx)
		defer cancel()

		return o.run(runCtx, in)
	}

	if out, ok := o.replayed(key); ok {
		o.logger.Debug("replaying completed upload",
			slog.String("session_id", in.SessionID),
			slog.String("file_id", in.FileID),
		)

		return out, nil
	}

	res, err, shared := o.flights.Do(key, func() (any, error) {
		if out, ok := o.replayed(key); ok {
			return out, nil
		}

		runCtx, cancel := o.detach(ctx)
		defer cancel()

		out, err := o.run(runCtx, in)
		if err != nil {
			return nil, err
		}

		o.remember(key, out)

		return out, nil
	})
	if err != nil {
		return nil, err
	}

	if shared {
		o.logger.Debug("joined in-flight duplicate upload", slog.String("session_id", in.SessionID))
	}

	return res.(*resolver.Outcome), nil
}

// detach keeps the values of ctx but not its cancellation.
func (o *Orchestrator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
}

func (o *Orchestrator) run(ctx context.Context, in *conflict.Intent) (*resolver.Outcome, error) {
	logger := o.logger.With(
		slog.String("user_id", in.UserID),
		slog.String("account_id", in.AccountID),
		slog.String("file_id", in.FileID),
		slog.String("session_id", in.SessionID),
	)

	state := StateStart
	abort := func(err error) error {
		logger.Debug("upload state", slog.String("from", state.String()), slog.String("to", StateAborted.String()))
		return &AbortError{State: state, Err: err}
	}
	advance := func(next State) {
		logger.Debug("upload state", slog.String("from", state.String()), slog.String("to", next.String()))
		state = next
	}

	cred, err := o.creds.Obtain(ctx, in.UserID, in.AccountID)
	if err != nil {
		return nil, abort(err)
	}

	advance(StateCredentialReady)

	adapter, err := o.adapters.Get(cred.Vendor)
	if err != nil {
		return nil, abort(err)
	}

	sess := adapter.Open(cred)

	meta, err := o.fetch(ctx, sess, in)
	if err != nil {
		return nil, abort(err)
	}

	advance(StateRemoteStateFetched)

	if meta != nil {
		o.compareSynced(ctx, logger, cred.Vendor, meta)
	}

	var perm backend.Permission
	if meta != nil {
		perm = meta.Permission
	}

	dec := o.detector.Classify(in, meta, perm)

	advance(StateClassified)

	out, err := o.resolver.Resolve(ctx, sess, dec, in, meta)
	if err != nil {
		return nil, abort(err)
	}

	advance(StateResolved)

	if o.publisher != nil {
		o.publisher.Publish(in.UserID, in.AccountID, in.SessionID, out)
	}

	o.recordVersion(cred.Vendor, out)

	advance(StateNotified)

	logger.Info("upload finished",
		slog.String("outcome", out.Kind.String()),
		slog.String("reason", string(out.Reason)),
	)

	return out, nil
}

// fetch reads the live metadata of the target. A target the vendor no longer
// knows yields nil metadata, which the detector treats as unreachable.
func (o *Orchestrator) fetch(ctx context.Context, sess backend.Session, in *conflict.Intent) (*backend.Metadata, error) {
	if in.FileID == "" {
		return nil, nil
	}

	meta, err := retry.Do(ctx, o.policy, retry.Op{Name: "get_metadata", Idempotent: true},
		func(ctx context.Context) (*backend.Metadata, error) {
			return sess.GetMetadata(ctx, in.FileID)
		})
	if errors.Is(err, backend.ErrNotFound) || errors.Is(err, backend.ErrNotShared) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return meta, nil
}

// compareSynced logs when the vendor moved past the last version this system
// wrote. Informational only; the live metadata decides.
func (o *Orchestrator) compareSynced(ctx context.Context, logger *slog.Logger, vendor string, meta *backend.Metadata) {
	if o.versions == nil {
		return
	}

	st, err := o.versions.GetVersionState(ctx, vendor, meta.ID)
	if err != nil {
		return
	}

	if st.VersionID != meta.VersionID {
		logger.Debug("remote changed since last synchronized write",
			slog.String("synced_version", st.VersionID),
			slog.String("remote_version", meta.VersionID),
		)
	}
}

func (o *Orchestrator) recordVersion(vendor string, out *resolver.Outcome) {
	if o.versions == nil || out.VersionID == "" {
		return
	}

	var fileID string

	switch out.Kind {
	case resolver.Updated:
		fileID = out.FileID
	case resolver.Forked:
		fileID = out.NewID
	default:
		return
	}

	st := &account.FileVersionState{FileID: fileID, Vendor: vendor, VersionID: out.VersionID, SyncedAt: o.nowFunc()}

	o.pending.Add(1)

	go func() {
		defer o.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), versionSaveTimeout)
		defer cancel()

		if err := o.versions.SaveVersionState(ctx, st); err != nil {
			o.logger.Warn("recording file version failed",
				slog.String("file_id", st.FileID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until background bookkeeping has finished.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

func (o *Orchestrator) replayed(key string) (*resolver.Outcome, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.done[key]
	if !ok {
		return nil, false
	}

	if o.nowFunc().After(r.expires) {
		delete(o.done, key)
		return nil, false
	}

	return r.outcome, true
}

func (o *Orchestrator) remember(key string, out *resolver.Outcome) {
	now := o.nowFunc()

	o.mu.Lock()
	defer o.mu.Unlock()

	for k, r := range o.done {
		if now.After(r.expires) {
			delete(o.done, k)
		}
	}

	o.done[key] = replay{outcome: out, expires: now.Add(o.ttl)}
}

// dedupKey is empty when the request carries no session id.
func dedupKey(in *conflict.Intent) string {
	if in.SessionID == "" {
		return ""
	}

	target := in.FileID
	if target == "" {
		target = in.FolderID + "/" + in.FileName
	}

	force := "0"
	if in.ForceFork {
		force = "1"
	}

	return fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		in.UserID, in.AccountID, in.SessionID, target, in.BaseChangeID, force)
}
