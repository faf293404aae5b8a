package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
	"github.com/MarkoPoloResearchLab/publisher/pkg/orchestrator"
	"github.com/MarkoPoloResearchLab/publisher/pkg/platform"
)

// PostStore implements orchestrator.PostStore using GORM.
type PostStore struct {
	db *gorm.DB
}

// NewPostStore returns a PostStore backed by gorm.DB.
func NewPostStore(db *gorm.DB) *PostStore {
	return &PostStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *PostStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore orchestrator.PostStore) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &PostStore{db: transaction})
	})
}

func (store *PostStore) GetPost(ctx context.Context, postID string) (orchestrator.Post, error) {
	return store.getPost(ctx, postID, false)
}

func (store *PostStore) GetPostForUpdate(ctx context.Context, postID string) (orchestrator.Post, error) {
	return store.getPost(ctx, postID, true)
}

func (store *PostStore) getPost(ctx context.Context, postID string, forUpdate bool) (orchestrator.Post, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Post
	err := query.Where("post_id = ?", postID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return orchestrator.Post{}, orchestrator.ErrPostNotFound
		}
		return orchestrator.Post{}, fmt.Errorf("get post: %w", err)
	}
	return mapPost(model)
}

func (store *PostStore) CreatePost(ctx context.Context, post orchestrator.Post) (string, error) {
	model, err := postModel(post)
	if err != nil {
		return "", err
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	return model.PostID, nil
}

func (store *PostStore) UpdatePost(ctx context.Context, post orchestrator.Post) error {
	model, err := postModel(post)
	if err != nil {
		return err
	}
	result := store.db.WithContext(ctx).
		Model(&Post{}).
		Where("post_id = ?", post.PostID).
		Updates(map[string]interface{}{
			"content":            model.Content,
			"state":              model.State,
			"attempts":           model.Attempts,
			"next_attempt_at":    model.NextAttemptAt,
			"reconcile_after_at": model.ReconcileAfterAt,
			"reservation_id":     model.ReservationID,
			"platform_post_id":   model.PlatformPostID,
			"last_error_code":    model.LastErrorCode,
			"last_error":         model.LastError,
			"updated_at":         time.Unix(post.UpdatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("update post: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return orchestrator.ErrPostNotFound
	}
	return nil
}

func (store *PostStore) ListDueApproved(ctx context.Context, nowUnixUTC int64, limit int) ([]string, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Post{}).
		Where("state = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", orchestrator.PostStateApproved.String(), now).
		Order("created_at ASC").
		Limit(limit).
		Pluck("post_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list due approved: %w", err)
	}
	return ids, nil
}

func (store *PostStore) ListDueReconciliations(ctx context.Context, nowUnixUTC int64, limit int) ([]string, error) {
	now := time.Unix(nowUnixUTC, 0).UTC()
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Post{}).
		Where("state = ? AND reconcile_after_at IS NOT NULL AND reconcile_after_at <= ?", orchestrator.PostStatePublishing.String(), now).
		Order("reconcile_after_at ASC").
		Limit(limit).
		Pluck("post_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list due reconciliations: %w", err)
	}
	return ids, nil
}

func postModel(post orchestrator.Post) (Post, error) {
	content, err := json.Marshal(post.Content)
	if err != nil {
		return Post{}, fmt.Errorf("encode post content: %w", err)
	}
	var reservationID *string
	if post.ReservationID != "" {
		value := post.ReservationID
		reservationID = &value
	}
	createdAt := time.Unix(post.CreatedUnixUTC, 0).UTC()
	if post.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return Post{
		PostID:           post.PostID,
		SubscriberID:     post.SubscriberID,
		Platform:         post.Platform.String(),
		Content:          datatypes.JSON(content),
		State:            post.State.String(),
		Attempts:         post.Attempts,
		NextAttemptAt:    unixOrNil(post.NextAttemptUnixUTC),
		ReconcileAfterAt: unixOrNil(post.ReconcileAfterUnixUTC),
		ReservationID:    reservationID,
		PlatformPostID:   post.PlatformPostID,
		LastErrorCode:    string(post.LastErrorCode),
		LastError:        post.LastError,
		CreatedAt:        createdAt,
		UpdatedAt:        time.Unix(post.UpdatedUnixUTC, 0).UTC(),
	}, nil
}

func mapPost(model Post) (orchestrator.Post, error) {
	platformName, err := credential.ParsePlatform(model.Platform)
	if err != nil {
		return orchestrator.Post{}, err
	}
	state, err := orchestrator.ParsePostState(model.State)
	if err != nil {
		return orchestrator.Post{}, err
	}
	var content platform.Content
	if len(model.Content) > 0 {
		if err := json.Unmarshal(model.Content, &content); err != nil {
			return orchestrator.Post{}, fmt.Errorf("decode post content: %w", err)
		}
	}
	reservationID := ""
	if model.ReservationID != nil {
		reservationID = *model.ReservationID
	}
	return orchestrator.Post{
		PostID:                model.PostID,
		SubscriberID:          model.SubscriberID,
		Platform:              platformName,
		Content:               content,
		State:                 state,
		Attempts:              model.Attempts,
		NextAttemptUnixUTC:    timeOrZero(model.NextAttemptAt),
		ReconcileAfterUnixUTC: timeOrZero(model.ReconcileAfterAt),
		ReservationID:         reservationID,
		PlatformPostID:        model.PlatformPostID,
		LastErrorCode:         orchestrator.ErrorCode(model.LastErrorCode),
		CreatedUnixUTC:        model.CreatedAt.Unix(),
		UpdatedUnixUTC:        model.UpdatedAt.Unix(),
		LastError:             model.LastError,
	}, nil
}
