package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract used by Service. All mutating calls made
// inside WithTx must observe row-level locks taken by GetSubscriberForUpdate
// and GetReservationForUpdate for the duration of the transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetSubscriberForUpdate(ctx context.Context, subscriberID SubscriberID) (SubscriberQuota, error)
	UpdateSubscriberQuota(ctx context.Context, subscriberID SubscriberID, quotaConsumed int, cycleStartUnixUTC int64, cycleEndUnixUTC int64) error
	InsertReservation(ctx context.Context, reservation Reservation) error
	GetReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error)
	UpdateReservationState(ctx context.Context, reservationID ReservationID, from ReservationState, to ReservationState) error
	ListStaleHeld(ctx context.Context, olderThanUnixUTC int64, limit int) ([]ReservationID, error)
}

// Service enforces the quota reservation lifecycle over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve claims one unit of the subscriber's quota for the current cycle.
// The subscriber row is locked for the duration of the transaction, so
// concurrent reserves for the same subscriber serialize instead of both
// reading a stale consumed count. A rolled-over cycle is reset before the
// allowance check. Returns ErrQuotaExceeded when no unit is available.
func (service *Service) Reserve(ctx context.Context, subscriberID SubscriberID) (Reservation, error) {
	var reservation Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		row, err := transactionStore.GetSubscriberForUpdate(ctx, subscriberID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		cycleStart, cycleEnd, rolled := rollCycleForward(row.CycleStartUnixUTC(), row.CycleEndUnixUTC(), nowUnixUTC)
		consumed := row.QuotaConsumed()
		if rolled {
			consumed = 0
		}
		if consumed >= row.QuotaTotal() {
			return ErrQuotaExceeded
		}
		if err := transactionStore.UpdateSubscriberQuota(ctx, subscriberID, consumed+1, cycleStart, cycleEnd); err != nil {
			return err
		}
		reservationID, err := NewReservationID(uuid.NewString())
		if err != nil {
			return err
		}
		reservation, err = NewReservation(reservationID, subscriberID, ReservationHeld, nowUnixUTC)
		if err != nil {
			return err
		}
		return transactionStore.InsertReservation(ctx, reservation)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		SubscriberID:  subscriberID,
		ReservationID: reservation.ReservationID(),
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Commit finalizes a held reservation. Quota stays consumed; committing an
// already committed reservation is a no-op.
func (service *Service) Commit(ctx context.Context, reservationID ReservationID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.State() {
		case ReservationCommitted:
			return nil
		case ReservationReleased:
			return ErrReservationReleased
		}
		return transactionStore.UpdateReservationState(ctx, reservationID, ReservationHeld, ReservationCommitted)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

// Release cancels a held reservation and returns its unit to the subscriber.
// Releasing an already released reservation is a no-op; a committed
// reservation cannot be released.
func (service *Service) Release(ctx context.Context, reservationID ReservationID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.State() {
		case ReservationReleased:
			return nil
		case ReservationCommitted:
			return ErrReservationCommitted
		}
		if err := transactionStore.UpdateReservationState(ctx, reservationID, ReservationHeld, ReservationReleased); err != nil {
			return err
		}
		row, err := transactionStore.GetSubscriberForUpdate(ctx, reservation.SubscriberID())
		if err != nil {
			return err
		}
		consumed := row.QuotaConsumed() - 1
		if consumed < 0 {
			consumed = 0
		}
		return transactionStore.UpdateSubscriberQuota(ctx, reservation.SubscriberID(), consumed, row.CycleStartUnixUTC(), row.CycleEndUnixUTC())
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		ReservationID: reservationID,
		Error:         operationError,
	})
	return operationError
}

// SweepStale releases held reservations older than the given age. It is the
// backstop for workers that crashed between reserve and commit/release.
// Returns the number of reservations released.
func (service *Service) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoffUnixUTC := service.nowFn() - int64(olderThan/time.Second)
	released := 0
	for {
		staleIDs, err := service.store.ListStaleHeld(ctx, cutoffUnixUTC, sweepBatchSize)
		if err != nil {
			service.logOperation(ctx, OperationLog{Operation: operationSweep, Error: err})
			return released, err
		}
		if len(staleIDs) == 0 {
			break
		}
		for _, reservationID := range staleIDs {
			if err := service.Release(ctx, reservationID); err != nil {
				// Raced with a worker that finished after the cutoff scan.
				continue
			}
			released++
		}
		if len(staleIDs) < sweepBatchSize {
			break
		}
	}
	service.logOperation(ctx, OperationLog{Operation: operationSweep, QuotaConsumed: released})
	return released, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// rollCycleForward advances cycle bounds by whole cycle lengths until now
// falls before the end bound. A subscriber idle for several cycles lands in
// the current one, not the next unexpired one after their last activity.
func rollCycleForward(cycleStartUnixUTC int64, cycleEndUnixUTC int64, nowUnixUTC int64) (int64, int64, bool) {
	if nowUnixUTC < cycleEndUnixUTC {
		return cycleStartUnixUTC, cycleEndUnixUTC, false
	}
	cycleLength := cycleEndUnixUTC - cycleStartUnixUTC
	elapsedCycles := (nowUnixUTC - cycleStartUnixUTC) / cycleLength
	cycleStartUnixUTC += elapsedCycles * cycleLength
	cycleEndUnixUTC += elapsedCycles * cycleLength
	return cycleStartUnixUTC, cycleEndUnixUTC, true
}
