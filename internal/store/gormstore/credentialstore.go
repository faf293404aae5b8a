package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// CredentialStore implements credential.Store using GORM. The conditional
// update carries the compare-and-set the credential service relies on: a
// write lands only when the stored status and expiry still match what the
// caller read.
type CredentialStore struct {
	db *gorm.DB
}

// NewCredentialStore returns a CredentialStore backed by gorm.DB.
func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (store *CredentialStore) GetCredential(ctx context.Context, subscriberID string, platform credential.Platform) (credential.Credential, error) {
	var model PlatformCredential
	err := store.db.WithContext(ctx).
		Where("subscriber_id = ? AND platform = ?", subscriberID, platform.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credential.Credential{}, credential.ErrCredentialNotFound
		}
		return credential.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return mapCredential(model)
}

func (store *CredentialStore) UpdateCredentialIf(ctx context.Context, updated credential.Credential, expectedStatus credential.Status, expectedExpiresAtUnixUTC int64) error {
	query := store.db.WithContext(ctx).
		Model(&PlatformCredential{}).
		Where("subscriber_id = ? AND platform = ? AND status = ?",
			updated.SubscriberID, updated.Platform.String(), expectedStatus.String())
	if expectedExpiresAtUnixUTC == 0 {
		query = query.Where("expires_at IS NULL")
	} else {
		query = query.Where("expires_at = ?", time.Unix(expectedExpiresAtUnixUTC, 0).UTC())
	}
	result := query.Updates(map[string]interface{}{
		"access_token":   updated.AccessToken,
		"refresh_token":  updated.RefreshToken,
		"expires_at":     unixOrNil(updated.ExpiresAtUnixUTC),
		"status":         updated.Status.String(),
		"failure_reason": updated.FailureReason,
		"updated_at":     time.Now().UTC(),
	})
	if result.Error != nil {
		return fmt.Errorf("update credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var exists int64
		err := store.db.WithContext(ctx).
			Model(&PlatformCredential{}).
			Where("subscriber_id = ? AND platform = ?", updated.SubscriberID, updated.Platform.String()).
			Count(&exists).Error
		if err != nil {
			return fmt.Errorf("update credential: %w", err)
		}
		if exists == 0 {
			return credential.ErrCredentialNotFound
		}
		return credential.ErrRefreshConflict
	}
	return nil
}

func mapCredential(model PlatformCredential) (credential.Credential, error) {
	platform, err := credential.ParsePlatform(model.Platform)
	if err != nil {
		return credential.Credential{}, err
	}
	status, err := credential.ParseStatus(model.Status)
	if err != nil {
		return credential.Credential{}, err
	}
	return credential.Credential{
		SubscriberID:     model.SubscriberID,
		Platform:         platform,
		AccessToken:      model.AccessToken,
		RefreshToken:     model.RefreshToken,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		Status:           status,
		FailureReason:    model.FailureReason,
	}, nil
}
