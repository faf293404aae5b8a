package credential

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credential service.
var (
	ErrCredentialNotFound   = errors.New("credential not found")
	ErrRefreshUnsupported   = errors.New("platform has no refresh path")
	ErrRefreshConflict      = errors.New("credential changed during refresh")
	ErrRefreshDenied        = errors.New("refresh denied by platform")
	ErrInvalidPlatform      = errors.New("invalid platform")
	ErrInvalidStatus        = errors.New("invalid credential status")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// CredentialError reports that no usable credential could be produced for an
// attempt. RequiresReconnection distinguishes "subscriber must re-link the
// platform" from transient refresh trouble.
type CredentialError struct {
	SubscriberID         string
	Platform             Platform
	Reason               string
	RequiresReconnection bool
	Err                  error
}

// Error returns the formatted error message.
func (credentialError *CredentialError) Error() string {
	if credentialError.RequiresReconnection {
		return fmt.Sprintf("credential %s/%s requires reconnection: %s", credentialError.SubscriberID, credentialError.Platform, credentialError.Reason)
	}
	return fmt.Sprintf("credential %s/%s unusable: %s", credentialError.SubscriberID, credentialError.Platform, credentialError.Reason)
}

// Unwrap returns the underlying error, if any.
func (credentialError *CredentialError) Unwrap() error {
	return credentialError.Err
}
