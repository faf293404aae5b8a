package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Subscriber mirrors the subscribers table. Quota counters and cycle bounds
// live on the row so one locked read serves a whole reserve decision.
type Subscriber struct {
	SubscriberID  string    `gorm:"primaryKey"`
	QuotaTotal    int       `gorm:"not null"`
	QuotaConsumed int       `gorm:"not null"`
	CycleStartAt  time.Time `gorm:"not null"`
	CycleEndAt    time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Subscriber) TableName() string { return "subscribers" }

// QuotaReservation mirrors the quota_reservations table.
type QuotaReservation struct {
	ReservationID string    `gorm:"primaryKey"`
	SubscriberID  string    `gorm:"not null;index"`
	State         string    `gorm:"not null;index:idx_reservations_state_created,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_state_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (QuotaReservation) TableName() string { return "quota_reservations" }

// PlatformCredential mirrors the credentials table, one row per
// subscriber and platform.
type PlatformCredential struct {
	SubscriberID  string     `gorm:"primaryKey"`
	Platform      string     `gorm:"primaryKey"`
	AccessToken   string     `gorm:"not null"`
	RefreshToken  string     `gorm:""`
	ExpiresAt     *time.Time `gorm:""`
	Status        string     `gorm:"not null"`
	FailureReason string     `gorm:""`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

func (PlatformCredential) TableName() string { return "credentials" }

// Post mirrors the posts table.
type Post struct {
	PostID           string         `gorm:"type:uuid;primaryKey"`
	SubscriberID     string         `gorm:"not null;index"`
	Platform         string         `gorm:"not null"`
	Content          datatypes.JSON `gorm:"not null"`
	State            string         `gorm:"not null;index:idx_posts_state_next_attempt,priority:1"`
	Attempts         int            `gorm:"not null"`
	NextAttemptAt    *time.Time     `gorm:"index:idx_posts_state_next_attempt,priority:2"`
	ReconcileAfterAt *time.Time     `gorm:""`
	ReservationID    *string        `gorm:""`
	PlatformPostID   string         `gorm:""`
	LastErrorCode    string         `gorm:""`
	LastError        string         `gorm:""`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

func (Post) TableName() string { return "posts" }

func (post *Post) BeforeCreate(tx *gorm.DB) error {
	if post.PostID == "" {
		post.PostID = uuid.NewString()
	}
	return nil
}

// AutoMigrate creates the schema. Used for sqlite deployments; postgres
// schemas are managed out of band.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Subscriber{}, &QuotaReservation{}, &PlatformCredential{}, &Post{})
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func unixOrNil(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}
