package credential

import "fmt"

// Platform identifies an external publishing platform.
type Platform string

const (
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformYouTube   Platform = "youtube"
)

// ParsePlatform validates a stored platform value.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(raw) {
	case PlatformFacebook, PlatformInstagram, PlatformX, PlatformLinkedIn, PlatformYouTube:
		return Platform(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, raw)
}

// String returns the platform value.
func (platform Platform) String() string {
	return string(platform)
}

// Status defines the credential lifecycle.
type Status string

const (
	StatusValid    Status = "valid"
	StatusExpiring Status = "expiring"
	StatusInvalid  Status = "invalid"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusValid, StatusExpiring, StatusInvalid:
		return Status(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// String returns the status value.
func (status Status) String() string {
	return string(status)
}

// Credential is the stored OAuth material for one (subscriber, platform) pair.
type Credential struct {
	SubscriberID     string
	Platform         Platform
	AccessToken      string
	RefreshToken     string
	ExpiresAtUnixUTC int64 // 0 means the token does not expire
	Status           Status
	FailureReason    string
}

// RefreshedToken is the outcome of a successful token refresh or app grant.
type RefreshedToken struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAtUnixUTC int64
}
