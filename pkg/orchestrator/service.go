package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
	"github.com/MarkoPoloResearchLab/publisher/pkg/platform"
	"github.com/MarkoPoloResearchLab/publisher/pkg/quota"
)

// QuotaLedger is the slice of the quota service the orchestrator drives.
type QuotaLedger interface {
	Reserve(ctx context.Context, subscriberID quota.SubscriberID) (quota.Reservation, error)
	Commit(ctx context.Context, reservationID quota.ReservationID) error
	Release(ctx context.Context, reservationID quota.ReservationID) error
}

// CredentialSource yields publish-ready credentials.
type CredentialSource interface {
	EnsureValid(ctx context.Context, subscriberID string, platform credential.Platform) (credential.Credential, error)
}

const (
	defaultMaxAttempts    = 3
	defaultPublishTimeout = 20 * time.Second
	defaultReconcileDelay = 45 * time.Second
	defaultInitialBackoff = 30 * time.Second
	defaultMaxBackoff     = 15 * time.Minute
)

// Orchestrator coordinates credentials, quota, and platform adapters to move
// a post from approved to published or failed with exactly-once quota
// consumption.
type Orchestrator struct {
	posts          PostStore
	ledger         QuotaLedger
	credentials    CredentialSource
	registry       *platform.Registry
	events         Events
	logger         *zap.Logger
	nowFn          func() int64
	maxAttempts    int
	publishTimeout time.Duration
	reconcileDelay time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts overrides how many publish attempts a post gets.
func WithMaxAttempts(attempts int) Option {
	return func(orchestrator *Orchestrator) {
		if attempts > 0 {
			orchestrator.maxAttempts = attempts
		}
	}
}

// WithPublishTimeout bounds each platform publish call.
func WithPublishTimeout(timeout time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if timeout > 0 {
			orchestrator.publishTimeout = timeout
		}
	}
}

// WithReconcileDelay sets how long after an ambiguous outcome the
// reconciliation check runs.
func WithReconcileDelay(delay time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if delay > 0 {
			orchestrator.reconcileDelay = delay
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial time.Duration, max time.Duration) Option {
	return func(orchestrator *Orchestrator) {
		if initial > 0 {
			orchestrator.initialBackoff = initial
		}
		if max > 0 {
			orchestrator.maxBackoff = max
		}
	}
}

// WithEvents wires a completion event sink.
func WithEvents(events Events) Option {
	return func(orchestrator *Orchestrator) {
		orchestrator.events = events
	}
}

// New wires an Orchestrator.
func New(posts PostStore, ledger QuotaLedger, credentials CredentialSource, registry *platform.Registry, logger *zap.Logger, now func() int64, options ...Option) (*Orchestrator, error) {
	if posts == nil || ledger == nil || credentials == nil || registry == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		posts:          posts,
		ledger:         ledger,
		credentials:    credentials,
		registry:       registry,
		logger:         logger,
		nowFn:          now,
		maxAttempts:    defaultMaxAttempts,
		publishTimeout: defaultPublishTimeout,
		reconcileDelay: defaultReconcileDelay,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// Publish drives one publish attempt for an approved post. Domain outcomes
// (failed credentials, exhausted quota, platform rejection) are recorded on
// the post and reported via events; only infrastructure failures return an
// error.
func (orchestrator *Orchestrator) Publish(ctx context.Context, postID string) error {
	post, err := orchestrator.claimForPublishing(ctx, postID)
	if err != nil {
		return err
	}
	logger := orchestrator.logger.With(
		zap.String("post_id", post.PostID),
		zap.String("subscriber_id", post.SubscriberID),
		zap.String("platform", post.Platform.String()),
		zap.Int("attempt", post.Attempts),
	)

	cred, err := orchestrator.credentials.EnsureValid(ctx, post.SubscriberID, post.Platform)
	if err != nil {
		code := ErrorCodeCredentialError
		var credentialError *credential.CredentialError
		if errors.As(err, &credentialError) && credentialError.RequiresReconnection {
			code = ErrorCodeNeedsReconnection
		}
		logger.Warn("credential unavailable", zap.Error(err))
		return orchestrator.failPost(ctx, post.PostID, code, err.Error())
	}

	subscriberID, err := quota.NewSubscriberID(post.SubscriberID)
	if err != nil {
		return err
	}
	reservation, err := orchestrator.ledger.Reserve(ctx, subscriberID)
	if errors.Is(err, quota.ErrQuotaExceeded) {
		logger.Info("quota exhausted")
		return orchestrator.failPost(ctx, post.PostID, ErrorCodeQuotaExhausted, "monthly post allowance exhausted")
	}
	if err != nil {
		// Infrastructure trouble before any quota was taken. The attempt was
		// already charged by the claim, so the retry budget still bounds a
		// persistent outage.
		if post.Attempts >= orchestrator.maxAttempts {
			if failErr := orchestrator.failPost(ctx, post.PostID, ErrorCodeRetriesExhausted, "quota store unavailable: "+err.Error()); failErr != nil {
				return failErr
			}
			return err
		}
		if requeueErr := orchestrator.requeue(ctx, post, orchestrator.retryDelay(post.Attempts)); requeueErr != nil {
			return requeueErr
		}
		return err
	}

	adapter, supported := orchestrator.registry.Adapter(post.Platform)
	if !supported {
		if releaseErr := orchestrator.ledger.Release(ctx, reservation.ReservationID()); releaseErr != nil {
			logger.Error("release after missing adapter", zap.Error(releaseErr))
		}
		return orchestrator.failPost(ctx, post.PostID, ErrorCodePlatformUnsupported, fmt.Sprintf("no adapter for platform %s", post.Platform))
	}

	callCtx, cancel := context.WithTimeout(ctx, orchestrator.publishTimeout)
	result := adapter.Publish(callCtx, cred, post.Content)
	cancel()
	logger.Info("publish attempt finished",
		zap.String("outcome", string(result.Outcome)),
		zap.String("reason", result.Reason),
	)

	switch result.Outcome {
	case platform.OutcomeSuccess:
		return orchestrator.completePublish(ctx, post.PostID, reservation.ReservationID(), result.PlatformPostID)
	case platform.OutcomeRetryable:
		if err := orchestrator.ledger.Release(ctx, reservation.ReservationID()); err != nil {
			return err
		}
		if post.Attempts >= orchestrator.maxAttempts {
			return orchestrator.failPost(ctx, post.PostID, ErrorCodeRetriesExhausted, result.Reason)
		}
		delay := orchestrator.retryDelay(post.Attempts)
		if result.RetryAfter > delay {
			delay = result.RetryAfter
		}
		return orchestrator.requeue(ctx, post, delay)
	case platform.OutcomeTerminal:
		if err := orchestrator.ledger.Release(ctx, reservation.ReservationID()); err != nil {
			return err
		}
		return orchestrator.failPost(ctx, post.PostID, ErrorCodePlatformRejected, result.Reason)
	default:
		// Ambiguous: the platform may have created the post. The reservation
		// stays held until reconciliation decides.
		return orchestrator.scheduleReconciliation(ctx, post.PostID, reservation.ReservationID(), result.Reason)
	}
}

// Reconcile resolves an ambiguous publish attempt: either the post exists on
// the platform and the held reservation is committed, or it does not (or
// cannot be checked) and the reservation is released with the post failed as
// unconfirmed for manual audit.
func (orchestrator *Orchestrator) Reconcile(ctx context.Context, postID string) error {
	var post Post
	err := orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		loaded, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		if loaded.State != PostStatePublishing || loaded.ReservationID == "" {
			return ErrPostNotReconcilable
		}
		post = loaded
		return nil
	})
	if err != nil {
		return err
	}
	reservationID, err := quota.NewReservationID(post.ReservationID)
	if err != nil {
		return err
	}

	adapter, supported := orchestrator.registry.Adapter(post.Platform)
	if !supported || !adapter.SupportsLookup() {
		return orchestrator.resolveUnconfirmed(ctx, post, reservationID, "platform offers no lookup; possible duplicate if retried manually")
	}

	cred, err := orchestrator.credentials.EnsureValid(ctx, post.SubscriberID, post.Platform)
	if err != nil {
		return orchestrator.resolveUnconfirmed(ctx, post, reservationID, "credential unavailable for reconciliation")
	}
	callCtx, cancel := context.WithTimeout(ctx, orchestrator.publishTimeout)
	platformPostID, found, err := adapter.Lookup(callCtx, cred, post.Content, post.UpdatedUnixUTC)
	cancel()
	if err != nil {
		// Lookup itself failed; try again on the next pass.
		return orchestrator.deferReconciliation(ctx, post.PostID)
	}
	if found {
		return orchestrator.completePublish(ctx, post.PostID, reservationID, platformPostID)
	}
	return orchestrator.resolveUnconfirmed(ctx, post, reservationID, "platform shows no matching post")
}

// Cancel withdraws a post before any quota is taken. Once publishing has
// begun the in-flight attempt finishes through the normal release path.
func (orchestrator *Orchestrator) Cancel(ctx context.Context, postID string) error {
	err := orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		post, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		if post.State != PostStateApproved && post.State != PostStateDraft {
			return ErrPostNotCancellable
		}
		post.State = PostStateCancelled
		post.LastErrorCode = ErrorCodeCancelled
		post.LastError = "cancelled by operator"
		post.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdatePost(ctx, post)
	})
	if err != nil {
		return err
	}
	orchestrator.emitFailed(ctx, postID, ErrorCodeCancelled, "cancelled by operator")
	return nil
}

// DuePublishes lists approved posts ready for an attempt.
func (orchestrator *Orchestrator) DuePublishes(ctx context.Context, limit int) ([]string, error) {
	return orchestrator.posts.ListDueApproved(ctx, orchestrator.nowFn(), limit)
}

// DueReconciliations lists ambiguous outcomes ready to be resolved.
func (orchestrator *Orchestrator) DueReconciliations(ctx context.Context, limit int) ([]string, error) {
	return orchestrator.posts.ListDueReconciliations(ctx, orchestrator.nowFn(), limit)
}

func (orchestrator *Orchestrator) claimForPublishing(ctx context.Context, postID string) (Post, error) {
	var post Post
	err := orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		loaded, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		if loaded.State != PostStateApproved {
			return fmt.Errorf("%w: %s is %s", ErrPostNotPublishable, postID, loaded.State)
		}
		// A duplicate job from overlapping polls must not burn an attempt
		// before the backoff window elapses.
		if loaded.NextAttemptUnixUTC > orchestrator.nowFn() {
			return fmt.Errorf("%w: %s waits until %d", ErrPostNotPublishable, postID, loaded.NextAttemptUnixUTC)
		}
		loaded.State = PostStatePublishing
		loaded.Attempts++
		loaded.UpdatedUnixUTC = orchestrator.nowFn()
		if err := txStore.UpdatePost(ctx, loaded); err != nil {
			return err
		}
		post = loaded
		return nil
	})
	return post, err
}

func (orchestrator *Orchestrator) completePublish(ctx context.Context, postID string, reservationID quota.ReservationID, platformPostID string) error {
	if err := orchestrator.ledger.Commit(ctx, reservationID); err != nil {
		if errors.Is(err, quota.ErrReservationReleased) {
			// The sweeper got there first; the unit is back with the
			// subscriber and the publish cannot be confirmed as charged.
			post, getErr := orchestrator.posts.GetPost(ctx, postID)
			if getErr != nil {
				return getErr
			}
			return orchestrator.resolveUnconfirmed(ctx, post, reservationID, "reservation swept before confirmation")
		}
		return err
	}
	err := orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		post, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		post.State = PostStatePublished
		post.PlatformPostID = platformPostID
		post.ReservationID = ""
		post.ReconcileAfterUnixUTC = 0
		post.LastErrorCode = ""
		post.LastError = ""
		post.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdatePost(ctx, post)
	})
	if err != nil {
		return err
	}
	if orchestrator.events != nil {
		orchestrator.events.PostPublished(ctx, postID, platformPostID)
	}
	return nil
}

func (orchestrator *Orchestrator) failPost(ctx context.Context, postID string, code ErrorCode, message string) error {
	err := orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		post, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		post.State = PostStateFailed
		post.ReservationID = ""
		post.ReconcileAfterUnixUTC = 0
		post.LastErrorCode = code
		post.LastError = message
		post.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdatePost(ctx, post)
	})
	if err != nil {
		return err
	}
	orchestrator.emitFailed(ctx, postID, code, message)
	return nil
}

func (orchestrator *Orchestrator) requeue(ctx context.Context, post Post, delay time.Duration) error {
	return orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		loaded, err := txStore.GetPostForUpdate(ctx, post.PostID)
		if err != nil {
			return err
		}
		loaded.State = PostStateApproved
		loaded.NextAttemptUnixUTC = orchestrator.nowFn() + int64(delay/time.Second)
		loaded.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdatePost(ctx, loaded)
	})
}

func (orchestrator *Orchestrator) scheduleReconciliation(ctx context.Context, postID string, reservationID quota.ReservationID, reason string) error {
	return orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		post, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		post.ReservationID = reservationID.String()
		post.ReconcileAfterUnixUTC = orchestrator.nowFn() + int64(orchestrator.reconcileDelay/time.Second)
		post.LastError = reason
		post.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdatePost(ctx, post)
	})
}

func (orchestrator *Orchestrator) deferReconciliation(ctx context.Context, postID string) error {
	return orchestrator.posts.WithTx(ctx, func(ctx context.Context, txStore PostStore) error {
		post, err := txStore.GetPostForUpdate(ctx, postID)
		if err != nil {
			return err
		}
		post.ReconcileAfterUnixUTC = orchestrator.nowFn() + int64(orchestrator.reconcileDelay/time.Second)
		return txStore.UpdatePost(ctx, post)
	})
}

func (orchestrator *Orchestrator) resolveUnconfirmed(ctx context.Context, post Post, reservationID quota.ReservationID, detail string) error {
	if err := orchestrator.ledger.Release(ctx, reservationID); err != nil && !errors.Is(err, quota.ErrUnknownReservation) {
		if !errors.Is(err, quota.ErrReservationCommitted) {
			return err
		}
	}
	return orchestrator.failPost(ctx, post.PostID, ErrorCodeUnconfirmed, "publish outcome unconfirmed: "+detail)
}

func (orchestrator *Orchestrator) emitFailed(ctx context.Context, postID string, code ErrorCode, message string) {
	if orchestrator.events != nil {
		orchestrator.events.PostFailed(ctx, postID, code, message)
	}
}

// retryDelay computes the exponential backoff before the next attempt.
// Reset must run after the intervals are assigned; the constructor has
// already latched its defaults into the current interval by the time the
// fields are writable.
func (orchestrator *Orchestrator) retryDelay(attempts int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = orchestrator.initialBackoff
	policy.MaxInterval = orchestrator.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()
	delay := policy.NextBackOff()
	for step := 1; step < attempts; step++ {
		delay = policy.NextBackOff()
	}
	return delay
}
