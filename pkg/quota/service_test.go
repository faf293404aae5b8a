package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveConsumesOneUnitAndHoldsReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-1", 10, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	subscriberID := mustSubscriberID(test, "sub-1")

	reservation, err := service.Reserve(context.Background(), subscriberID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if reservation.State() != ReservationHeld {
		test.Fatalf("expected held reservation, got %s", reservation.State())
	}
	if reservation.SubscriberID() != subscriberID {
		test.Fatalf("unexpected subscriber: %s", reservation.SubscriberID())
	}
	if got := store.consumed("sub-1"); got != 1 {
		test.Fatalf("expected consumed 1, got %d", got)
	}
}

func TestReserveExhaustedQuotaFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-full", 2, 2, 0, 1000)
	service := mustNewService(test, store, 100)

	_, err := service.Reserve(context.Background(), mustSubscriberID(test, "sub-full"))
	if !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if got := store.consumed("sub-full"); got != 2 {
		test.Fatalf("expected consumed unchanged at 2, got %d", got)
	}
}

func TestReserveResetsRolledOverCycle(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-rolled", 5, 5, 0, 100)
	service := mustNewService(test, store, 250)

	if _, err := service.Reserve(context.Background(), mustSubscriberID(test, "sub-rolled")); err != nil {
		test.Fatalf("reserve after rollover: %v", err)
	}
	row := store.row("sub-rolled")
	if row.consumed != 1 {
		test.Fatalf("expected consumed reset to 1, got %d", row.consumed)
	}
	if row.cycleStart != 200 || row.cycleEnd != 300 {
		test.Fatalf("expected cycle [200,300), got [%d,%d)", row.cycleStart, row.cycleEnd)
	}
}

func TestCommitIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-2", 3, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	reservation := mustReserve(test, service, "sub-2")

	if err := service.Commit(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("commit: %v", err)
	}
	if err := service.Commit(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("second commit should be a no-op: %v", err)
	}
	if got := store.consumed("sub-2"); got != 1 {
		test.Fatalf("commit must not change consumed, got %d", got)
	}
}

func TestCommitAfterReleaseFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-3", 3, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	reservation := mustReserve(test, service, "sub-3")

	if err := service.Release(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("release: %v", err)
	}
	err := service.Commit(context.Background(), reservation.ReservationID())
	if !errors.Is(err, ErrReservationReleased) {
		test.Fatalf("expected ErrReservationReleased, got %v", err)
	}
}

func TestReleaseDecrementsExactlyOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-4", 3, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	reservation := mustReserve(test, service, "sub-4")

	if err := service.Release(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("release: %v", err)
	}
	if err := service.Release(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("second release should be a no-op: %v", err)
	}
	if got := store.consumed("sub-4"); got != 0 {
		test.Fatalf("expected consumed back to 0 after single decrement, got %d", got)
	}
}

func TestReleaseCommittedReservationFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-5", 3, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	reservation := mustReserve(test, service, "sub-5")

	if err := service.Commit(context.Background(), reservation.ReservationID()); err != nil {
		test.Fatalf("commit: %v", err)
	}
	err := service.Release(context.Background(), reservation.ReservationID())
	if !errors.Is(err, ErrReservationCommitted) {
		test.Fatalf("expected ErrReservationCommitted, got %v", err)
	}
	if got := store.consumed("sub-5"); got != 1 {
		test.Fatalf("committed unit must stay consumed, got %d", got)
	}
}

func TestReleaseUnknownReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store, 100)

	err := service.Release(context.Background(), mustReservationIDValue(test, "missing"))
	if !errors.Is(err, ErrUnknownReservation) {
		test.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestConcurrentReserveGrantsExactlyRemainingUnits(test *testing.T) {
	test.Parallel()
	const attempts = 20
	const remaining = 3
	store := newStubStore()
	store.addSubscriber("sub-race", remaining, 0, 0, 1000)
	service := mustNewService(test, store, 100)
	subscriberID := mustSubscriberID(test, "sub-race")

	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Reserve(context.Background(), subscriberID)
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	granted, exceeded := 0, 0
	for err := range results {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, ErrQuotaExceeded):
			exceeded++
		default:
			test.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if granted != remaining || exceeded != attempts-remaining {
		test.Fatalf("expected %d grants and %d rejections, got %d/%d", remaining, attempts-remaining, granted, exceeded)
	}
	if got := store.consumed("sub-race"); got != remaining {
		test.Fatalf("expected consumed %d, got %d", remaining, got)
	}
}

func TestQuotaConservationUnderConcurrentLifecycle(test *testing.T) {
	test.Parallel()
	const workers = 8
	const iterations = 25
	const total = 5
	store := newStubStore()
	store.addSubscriber("sub-mixed", total, 0, 0, 1_000_000)
	service := mustNewService(test, store, 100)
	subscriberID := mustSubscriberID(test, "sub-mixed")

	var waitGroup sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			for iteration := 0; iteration < iterations; iteration++ {
				reservation, err := service.Reserve(context.Background(), subscriberID)
				if err != nil {
					continue
				}
				// Alternate outcomes so holds keep churning.
				if (worker+iteration)%2 == 0 {
					_ = service.Release(context.Background(), reservation.ReservationID())
				} else {
					_ = service.Commit(context.Background(), reservation.ReservationID())
					_ = service.Release(context.Background(), reservation.ReservationID())
				}
			}
		}(worker)
	}
	waitGroup.Wait()

	consumed := store.consumed("sub-mixed")
	if consumed < 0 || consumed > total {
		test.Fatalf("consumed %d escaped [0,%d]", consumed, total)
	}
	committed := store.countByState(ReservationCommitted)
	if consumed != committed {
		test.Fatalf("consumed %d should equal committed reservations %d", consumed, committed)
	}
}

func TestSweepStaleReleasesOldHeldReservations(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-sweep", 10, 0, 0, 100_000)
	clock := int64(1000)
	service, err := NewService(store, func() int64 { return clock })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	subscriberID := mustSubscriberID(test, "sub-sweep")

	stale := mustReserve(test, service, "sub-sweep")
	committed := mustReserve(test, service, "sub-sweep")
	if err := service.Commit(context.Background(), committed.ReservationID()); err != nil {
		test.Fatalf("commit: %v", err)
	}
	clock = 1200
	fresh, err := service.Reserve(context.Background(), subscriberID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	released, err := service.SweepStale(context.Background(), 2*time.Minute)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		test.Fatalf("expected 1 released, got %d", released)
	}
	if got := store.state(stale.ReservationID()); got != ReservationReleased {
		test.Fatalf("stale reservation should be released, got %s", got)
	}
	if got := store.state(fresh.ReservationID()); got != ReservationHeld {
		test.Fatalf("fresh reservation should stay held, got %s", got)
	}
	if got := store.consumed("sub-sweep"); got != 2 {
		test.Fatalf("expected consumed 2 after sweep, got %d", got)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
	if _, err := NewService(newStubStore(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected invalid service config error, got %v", err)
	}
}

func TestServiceLogsReserveOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	store.addSubscriber("sub-log", 1, 0, 0, 1000)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 100 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	subscriberID := mustSubscriberID(test, "sub-log")

	if _, err := service.Reserve(context.Background(), subscriberID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationReserve || entry.SubscriberID != subscriberID || entry.Status != operationStatusOK {
		test.Fatalf("unexpected log entry: %+v", entry)
	}

	if _, err := service.Reserve(context.Background(), subscriberID); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(logger.entries) != 2 || logger.entries[1].Status != operationStatusError {
		test.Fatalf("expected error log entry, got %+v", logger.entries)
	}
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

type subscriberRow struct {
	total      int
	consumed   int
	cycleStart int64
	cycleEnd   int64
}

type stubData struct {
	subscribers  map[string]*subscriberRow
	reservations map[string]Reservation
}

// stubStore serializes WithTx with a mutex, modeling the subscriber row lock
// the relational store takes.
type stubStore struct {
	mu   sync.Mutex
	data *stubData
}

func newStubStore() *stubStore {
	return &stubStore{data: &stubData{
		subscribers:  make(map[string]*subscriberRow),
		reservations: make(map[string]Reservation),
	}}
}

func (store *stubStore) addSubscriber(subscriberID string, total int, consumed int, cycleStart int64, cycleEnd int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.data.subscribers[subscriberID] = &subscriberRow{total: total, consumed: consumed, cycleStart: cycleStart, cycleEnd: cycleEnd}
}

func (store *stubStore) consumed(subscriberID string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.data.subscribers[subscriberID].consumed
}

func (store *stubStore) row(subscriberID string) subscriberRow {
	store.mu.Lock()
	defer store.mu.Unlock()
	return *store.data.subscribers[subscriberID]
}

func (store *stubStore) state(reservationID ReservationID) ReservationState {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.data.reservations[reservationID.String()].State()
}

func (store *stubStore) countByState(state ReservationState) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, reservation := range store.data.reservations {
		if reservation.State() == state {
			count++
		}
	}
	return count
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &stubTx{data: store.data})
}

func (store *stubStore) GetSubscriberForUpdate(ctx context.Context, subscriberID SubscriberID) (SubscriberQuota, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).GetSubscriberForUpdate(ctx, subscriberID)
}

func (store *stubStore) UpdateSubscriberQuota(ctx context.Context, subscriberID SubscriberID, quotaConsumed int, cycleStartUnixUTC int64, cycleEndUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).UpdateSubscriberQuota(ctx, subscriberID, quotaConsumed, cycleStartUnixUTC, cycleEndUnixUTC)
}

func (store *stubStore) InsertReservation(ctx context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).InsertReservation(ctx, reservation)
}

func (store *stubStore) GetReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).GetReservationForUpdate(ctx, reservationID)
}

func (store *stubStore) UpdateReservationState(ctx context.Context, reservationID ReservationID, from ReservationState, to ReservationState) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).UpdateReservationState(ctx, reservationID, from, to)
}

func (store *stubStore) ListStaleHeld(ctx context.Context, olderThanUnixUTC int64, limit int) ([]ReservationID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTx{data: store.data}).ListStaleHeld(ctx, olderThanUnixUTC, limit)
}

// stubTx runs inside the WithTx lock and must not re-acquire it.
type stubTx struct {
	data *stubData
}

func (tx *stubTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTx) GetSubscriberForUpdate(ctx context.Context, subscriberID SubscriberID) (SubscriberQuota, error) {
	row, ok := tx.data.subscribers[subscriberID.String()]
	if !ok {
		return SubscriberQuota{}, ErrUnknownSubscriber
	}
	return NewSubscriberQuota(subscriberID, row.total, row.consumed, row.cycleStart, row.cycleEnd)
}

func (tx *stubTx) UpdateSubscriberQuota(ctx context.Context, subscriberID SubscriberID, quotaConsumed int, cycleStartUnixUTC int64, cycleEndUnixUTC int64) error {
	row, ok := tx.data.subscribers[subscriberID.String()]
	if !ok {
		return ErrUnknownSubscriber
	}
	row.consumed = quotaConsumed
	row.cycleStart = cycleStartUnixUTC
	row.cycleEnd = cycleEndUnixUTC
	return nil
}

func (tx *stubTx) InsertReservation(ctx context.Context, reservation Reservation) error {
	if _, exists := tx.data.reservations[reservation.ReservationID().String()]; exists {
		return ErrReservationExists
	}
	tx.data.reservations[reservation.ReservationID().String()] = reservation
	return nil
}

func (tx *stubTx) GetReservationForUpdate(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, ok := tx.data.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (tx *stubTx) UpdateReservationState(ctx context.Context, reservationID ReservationID, from ReservationState, to ReservationState) error {
	reservation, ok := tx.data.reservations[reservationID.String()]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.State() != from {
		return ErrInvalidReservationState
	}
	updated, err := NewReservation(reservation.ReservationID(), reservation.SubscriberID(), to, reservation.CreatedUnixUTC())
	if err != nil {
		return err
	}
	tx.data.reservations[reservationID.String()] = updated
	return nil
}

func (tx *stubTx) ListStaleHeld(ctx context.Context, olderThanUnixUTC int64, limit int) ([]ReservationID, error) {
	var stale []ReservationID
	for _, reservation := range tx.data.reservations {
		if reservation.State() == ReservationHeld && reservation.CreatedUnixUTC() < olderThanUnixUTC {
			stale = append(stale, reservation.ReservationID())
			if len(stale) == limit {
				break
			}
		}
	}
	return stale, nil
}

func mustNewService(test *testing.T, store Store, nowUnixUTC int64) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return nowUnixUTC })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustSubscriberID(test *testing.T, raw string) SubscriberID {
	test.Helper()
	value, err := NewSubscriberID(raw)
	if err != nil {
		test.Fatalf("subscriber id: %v", err)
	}
	return value
}

func mustReservationIDValue(test *testing.T, raw string) ReservationID {
	test.Helper()
	value, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return value
}

func mustReserve(test *testing.T, service *Service, subscriberID string) Reservation {
	test.Helper()
	reservation, err := service.Reserve(context.Background(), mustSubscriberID(test, subscriberID))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return reservation
}
