package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/publisher/pkg/quota"
)

const (
	pgUniqueViolationCode  = "23505"
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectSubscriber = "subscriber"
	errorSubjectRes        = "reservation"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeDuplicate     = "duplicate"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
)

// QuotaStore implements quota.Store using GORM.
type QuotaStore struct {
	db *gorm.DB
}

// NewQuotaStore returns a QuotaStore backed by gorm.DB.
func NewQuotaStore(db *gorm.DB) *QuotaStore {
	return &QuotaStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *QuotaStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &QuotaStore{db: transaction})
	})
}

func (store *QuotaStore) GetSubscriberForUpdate(ctx context.Context, subscriberID quota.SubscriberID) (quota.SubscriberQuota, error) {
	var model Subscriber
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("subscriber_id = ?", subscriberID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.SubscriberQuota{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, quota.ErrUnknownSubscriber)
		}
		return quota.SubscriberQuota{}, wrapStoreError(errorSubjectSubscriber, errorCodeGet, err)
	}
	row, err := quota.NewSubscriberQuota(subscriberID, model.QuotaTotal, model.QuotaConsumed, model.CycleStartAt.Unix(), model.CycleEndAt.Unix())
	if err != nil {
		return quota.SubscriberQuota{}, wrapStoreError(errorSubjectSubscriber, errorCodeInvalid, err)
	}
	return row, nil
}

func (store *QuotaStore) UpdateSubscriberQuota(ctx context.Context, subscriberID quota.SubscriberID, quotaConsumed int, cycleStartUnixUTC int64, cycleEndUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Subscriber{}).
		Where("subscriber_id = ?", subscriberID.String()).
		Updates(map[string]interface{}{
			"quota_consumed": quotaConsumed,
			"cycle_start_at": time.Unix(cycleStartUnixUTC, 0).UTC(),
			"cycle_end_at":   time.Unix(cycleEndUnixUTC, 0).UTC(),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscriber, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscriber, errorCodeUpdate, quota.ErrUnknownSubscriber)
	}
	return nil
}

func (store *QuotaStore) InsertReservation(ctx context.Context, reservation quota.Reservation) error {
	model := QuotaReservation{
		ReservationID: reservation.ReservationID().String(),
		SubscriberID:  reservation.SubscriberID().String(),
		State:         reservation.State().String(),
		CreatedAt:     time.Unix(reservation.CreatedUnixUTC(), 0).UTC(),
		UpdatedAt:     time.Unix(reservation.CreatedUnixUTC(), 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRes, errorCodeDuplicate, quota.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRes, errorCodeInsert, err)
	}
	return nil
}

func (store *QuotaStore) GetReservationForUpdate(ctx context.Context, reservationID quota.ReservationID) (quota.Reservation, error) {
	var model QuotaReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, quota.ErrUnknownReservation)
		}
		return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *QuotaStore) UpdateReservationState(ctx context.Context, reservationID quota.ReservationID, from quota.ReservationState, to quota.ReservationState) error {
	result := store.db.WithContext(ctx).
		Model(&QuotaReservation{}).
		Where("reservation_id = ? AND state = ?", reservationID.String(), from.String()).
		Updates(map[string]interface{}{
			"state":      to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRes, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRes, errorCodeUpdate, quota.ErrUnknownReservation)
	}
	return nil
}

func (store *QuotaStore) ListStaleHeld(ctx context.Context, olderThanUnixUTC int64, limit int) ([]quota.ReservationID, error) {
	var rows []QuotaReservation
	err := store.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", quota.ReservationHeld.String(), time.Unix(olderThanUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRes, errorCodeList, err)
	}
	ids := make([]quota.ReservationID, 0, len(rows))
	for _, row := range rows {
		id, err := quota.NewReservationID(row.ReservationID)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func mapReservation(model QuotaReservation) (quota.Reservation, error) {
	reservationID, err := quota.NewReservationID(model.ReservationID)
	if err != nil {
		return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	subscriberID, err := quota.NewSubscriberID(model.SubscriberID)
	if err != nil {
		return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	state, err := quota.ParseReservationState(model.State)
	if err != nil {
		return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	reservation, err := quota.NewReservation(reservationID, subscriberID, state, model.CreatedAt.Unix())
	if err != nil {
		return quota.Reservation{}, wrapStoreError(errorSubjectRes, errorCodeInvalid, err)
	}
	return reservation, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
