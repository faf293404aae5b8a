package quota

import (
	"fmt"
	"strings"
)

// SubscriberID identifies the owner of a quota row.
type SubscriberID struct {
	value string
}

// ReservationID identifies a single quota reservation.
type ReservationID struct {
	value string
}

// ReservationState defines the reservation lifecycle.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// NewSubscriberID validates and normalizes a subscriber id.
func NewSubscriberID(raw string) (SubscriberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SubscriberID{}, fmt.Errorf("%w: empty value", ErrInvalidSubscriberID)
	}
	return SubscriberID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SubscriberID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// ParseReservationState validates a stored state value.
func ParseReservationState(raw string) (ReservationState, error) {
	switch ReservationState(raw) {
	case ReservationHeld, ReservationCommitted, ReservationReleased:
		return ReservationState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationState, raw)
}

// String returns the state value.
func (state ReservationState) String() string {
	return string(state)
}

// Reservation is a short-lived claim on one unit of quota.
type Reservation struct {
	reservationID  ReservationID
	subscriberID   SubscriberID
	state          ReservationState
	createdUnixUTC int64
}

// NewReservation assembles a validated reservation record.
func NewReservation(reservationID ReservationID, subscriberID SubscriberID, state ReservationState, createdUnixUTC int64) (Reservation, error) {
	if reservationID.value == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if subscriberID.value == "" {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidSubscriberID)
	}
	if _, err := ParseReservationState(state.String()); err != nil {
		return Reservation{}, err
	}
	return Reservation{
		reservationID:  reservationID,
		subscriberID:   subscriberID,
		state:          state,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// ReservationID returns the reservation identifier.
func (reservation Reservation) ReservationID() ReservationID {
	return reservation.reservationID
}

// SubscriberID returns the owning subscriber.
func (reservation Reservation) SubscriberID() SubscriberID {
	return reservation.subscriberID
}

// State returns the lifecycle state.
func (reservation Reservation) State() ReservationState {
	return reservation.state
}

// CreatedUnixUTC returns the creation timestamp.
func (reservation Reservation) CreatedUnixUTC() int64 {
	return reservation.createdUnixUTC
}

// SubscriberQuota is the quota row for one subscriber within a billing cycle.
type SubscriberQuota struct {
	subscriberID      SubscriberID
	quotaTotal        int
	quotaConsumed     int
	cycleStartUnixUTC int64
	cycleEndUnixUTC   int64
}

// NewSubscriberQuota validates a quota row loaded from storage.
func NewSubscriberQuota(subscriberID SubscriberID, quotaTotal int, quotaConsumed int, cycleStartUnixUTC int64, cycleEndUnixUTC int64) (SubscriberQuota, error) {
	if subscriberID.value == "" {
		return SubscriberQuota{}, fmt.Errorf("%w: empty value", ErrInvalidSubscriberID)
	}
	if quotaTotal < 0 {
		return SubscriberQuota{}, fmt.Errorf("%w: negative total", ErrInvalidQuota)
	}
	if quotaConsumed < 0 || quotaConsumed > quotaTotal {
		return SubscriberQuota{}, fmt.Errorf("%w: consumed %d outside [0,%d]", ErrInvalidQuota, quotaConsumed, quotaTotal)
	}
	if cycleEndUnixUTC <= cycleStartUnixUTC {
		return SubscriberQuota{}, fmt.Errorf("%w: end %d not after start %d", ErrInvalidCycle, cycleEndUnixUTC, cycleStartUnixUTC)
	}
	return SubscriberQuota{
		subscriberID:      subscriberID,
		quotaTotal:        quotaTotal,
		quotaConsumed:     quotaConsumed,
		cycleStartUnixUTC: cycleStartUnixUTC,
		cycleEndUnixUTC:   cycleEndUnixUTC,
	}, nil
}

// SubscriberID returns the row owner.
func (row SubscriberQuota) SubscriberID() SubscriberID {
	return row.subscriberID
}

// QuotaTotal returns the allowance for the cycle.
func (row SubscriberQuota) QuotaTotal() int {
	return row.quotaTotal
}

// QuotaConsumed returns the units consumed in the cycle.
func (row SubscriberQuota) QuotaConsumed() int {
	return row.quotaConsumed
}

// CycleStartUnixUTC returns the cycle lower bound.
func (row SubscriberQuota) CycleStartUnixUTC() int64 {
	return row.cycleStartUnixUTC
}

// CycleEndUnixUTC returns the cycle upper bound.
func (row SubscriberQuota) CycleEndUnixUTC() int64 {
	return row.cycleEndUnixUTC
}
