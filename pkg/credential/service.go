package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store is the persistence contract used by Service. UpdateCredentialIf is a
// compare-and-set: the write only lands when the stored status and expiry
// still match the expected values, so two workers refreshing concurrently
// cannot clobber each other's fresher token.
type Store interface {
	GetCredential(ctx context.Context, subscriberID string, platform Platform) (Credential, error)
	UpdateCredentialIf(ctx context.Context, updated Credential, expectedStatus Status, expectedExpiresAtUnixUTC int64) error
}

// Refresher implements one platform's token refresh protocol.
type Refresher interface {
	Platform() Platform
	Refresh(ctx context.Context, current Credential) (RefreshedToken, error)
}

// AppGrantProvider is implemented by refreshers for platforms that can
// publish with platform-level credentials when the user-bound token is gone.
type AppGrantProvider interface {
	AppGrant(ctx context.Context) (RefreshedToken, error)
}

// Service validates and refreshes per-subscriber, per-platform credentials.
type Service struct {
	store        Store
	refreshers   map[Platform]Refresher
	nowFn        func() int64
	expiryMargin time.Duration
}

const defaultExpiryMargin = 5 * time.Minute

// Option configures a Service instance.
type Option func(*Service)

// WithExpiryMargin overrides the safety margin before token expiry.
func WithExpiryMargin(margin time.Duration) Option {
	return func(service *Service) {
		if margin > 0 {
			service.expiryMargin = margin
		}
	}
}

// NewService wires a Service with one refresher per platform.
func NewService(store Store, refreshers []Refresher, now func() int64, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	byPlatform := make(map[Platform]Refresher, len(refreshers))
	for _, refresher := range refreshers {
		if refresher == nil {
			continue
		}
		if _, exists := byPlatform[refresher.Platform()]; exists {
			return nil, fmt.Errorf("%w: duplicate refresher for %s", ErrInvalidServiceConfig, refresher.Platform())
		}
		byPlatform[refresher.Platform()] = refresher
	}
	service := &Service{
		store:        store,
		refreshers:   byPlatform,
		nowFn:        now,
		expiryMargin: defaultExpiryMargin,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// EnsureValid returns a credential usable for a publish attempt right now.
// Valid tokens outside the expiry margin are returned unchanged; expiring
// ones are refreshed first; invalid ones fall back to an app-level grant
// where the platform supports it, otherwise a CredentialError with
// RequiresReconnection set is returned.
func (service *Service) EnsureValid(ctx context.Context, subscriberID string, platform Platform) (Credential, error) {
	current, err := service.store.GetCredential(ctx, subscriberID, platform)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Credential{}, &CredentialError{
				SubscriberID:         subscriberID,
				Platform:             platform,
				Reason:               "platform not linked",
				RequiresReconnection: true,
				Err:                  err,
			}
		}
		return Credential{}, err
	}
	switch current.Status {
	case StatusValid:
		if !service.withinExpiryMargin(current) {
			return current, nil
		}
		return service.refresh(ctx, current)
	case StatusExpiring:
		return service.refresh(ctx, current)
	default:
		return service.fallback(ctx, current)
	}
}

// Refresh forces a refresh of the stored credential regardless of margin.
func (service *Service) Refresh(ctx context.Context, subscriberID string, platform Platform) (Credential, error) {
	current, err := service.store.GetCredential(ctx, subscriberID, platform)
	if err != nil {
		return Credential{}, err
	}
	return service.refresh(ctx, current)
}

func (service *Service) refresh(ctx context.Context, current Credential) (Credential, error) {
	refresher, supported := service.refreshers[current.Platform]
	if !supported {
		// Fail closed: no refresh protocol means the token cannot be extended.
		service.markInvalid(ctx, current, ErrRefreshUnsupported.Error())
		return service.fallback(ctx, current)
	}
	token, err := refresher.Refresh(ctx, current)
	if err != nil {
		service.markInvalid(ctx, current, err.Error())
		invalidated := current
		invalidated.Status = StatusInvalid
		invalidated.FailureReason = err.Error()
		return service.fallback(ctx, invalidated)
	}
	updated := current
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	updated.ExpiresAtUnixUTC = token.ExpiresAtUnixUTC
	updated.Status = StatusValid
	updated.FailureReason = ""
	err = service.store.UpdateCredentialIf(ctx, updated, current.Status, current.ExpiresAtUnixUTC)
	if errors.Is(err, ErrRefreshConflict) {
		// Another worker refreshed first; use whatever it stored.
		stored, getErr := service.store.GetCredential(ctx, current.SubscriberID, current.Platform)
		if getErr != nil {
			return Credential{}, getErr
		}
		if stored.Status == StatusValid && !service.withinExpiryMargin(stored) {
			return stored, nil
		}
		return Credential{}, err
	}
	if err != nil {
		return Credential{}, err
	}
	return updated, nil
}

func (service *Service) fallback(ctx context.Context, current Credential) (Credential, error) {
	if refresher, supported := service.refreshers[current.Platform]; supported {
		if provider, ok := refresher.(AppGrantProvider); ok {
			token, err := provider.AppGrant(ctx)
			if err == nil {
				// App grants are ephemeral and never overwrite the stored
				// user-bound credential.
				return Credential{
					SubscriberID:     current.SubscriberID,
					Platform:         current.Platform,
					AccessToken:      token.AccessToken,
					ExpiresAtUnixUTC: token.ExpiresAtUnixUTC,
					Status:           StatusValid,
				}, nil
			}
		}
	}
	reason := current.FailureReason
	if reason == "" {
		reason = "credential invalid"
	}
	return Credential{}, &CredentialError{
		SubscriberID:         current.SubscriberID,
		Platform:             current.Platform,
		Reason:               reason,
		RequiresReconnection: true,
	}
}

func (service *Service) markInvalid(ctx context.Context, current Credential, reason string) {
	invalidated := current
	invalidated.Status = StatusInvalid
	invalidated.FailureReason = reason
	// Losing this CAS means another worker already recorded a newer state.
	_ = service.store.UpdateCredentialIf(ctx, invalidated, current.Status, current.ExpiresAtUnixUTC)
}

func (service *Service) withinExpiryMargin(credential Credential) bool {
	if credential.ExpiresAtUnixUTC == 0 {
		return false
	}
	return credential.ExpiresAtUnixUTC-service.nowFn() <= int64(service.expiryMargin/time.Second)
}
