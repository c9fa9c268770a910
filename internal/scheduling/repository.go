package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows appointment listings. Nil fields are ignored.
type ListFilter struct {
	DoctorID *uuid.UUID
	Status   *AppointmentStatus
	Day      *time.Time
	Limit    int
	Offset   int
}

// Repository contains all storage interactions needed by the service.
//
// CreateScheduled and CompleteNext are the two operations that must be
// atomic with respect to concurrent writers; implementations run them as a
// single unit of work that locks the doctor before any appointment rows.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	// CreateScheduled allocates the next queue number for the appointment's
	// (doctor, scheduled day) partition and inserts the row, all inside one
	// unit of work holding the doctor lock. The max runs over every row of
	// the day including cancelled ones, so numbers are never reissued.
	CreateScheduled(ctx context.Context, a *Appointment) (*Appointment, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// UpdateAppointmentSchedule rewrites scheduled time/day, amount and
	// notes. It must never touch queue_number or status.
	UpdateAppointmentSchedule(ctx context.Context, a *Appointment) (*Appointment, error)

	// UpdateAppointmentStatus performs a compare-and-set transition and
	// optionally rewrites notes in the same statement. A miss (row not in
	// the `from` state) returns ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, notes *string) (*Appointment, error)

	// DeleteAppointment hard-deletes a row. Privileged operation outside
	// the lifecycle state machine; authorization is the caller's concern.
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// HasActiveAt reports an exact-instant clash among active appointments
	// for the doctor, excluding excludeID when editing.
	HasActiveAt(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) (bool, error)

	// HasActiveWithin reports any active appointment inside (at-window,
	// at+window) other than the exact instant and excludeID. Courtesy
	// check only, never a hard guarantee.
	HasActiveWithin(ctx context.Context, doctorID uuid.UUID, at time.Time, window time.Duration, excludeID *uuid.UUID) (bool, error)

	// ListPendingForDay returns pending visits for (doctor, day) ordered by
	// scheduled time then creation, with patient names for the internal
	// projection. Lock-free; staleness is acceptable for display.
	ListPendingForDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]PendingVisit, error)

	// ListDoctorsWithPendingOn returns doctors that have at least one
	// pending appointment on the given day, ordered by name.
	ListDoctorsWithPendingOn(ctx context.Context, day time.Time) ([]Doctor, error)

	// CompleteNext transitions the call-next target to completed inside one
	// unit of work: the preferred appointment if it is still pending and
	// scheduled on the given day, otherwise the earliest pending one.
	// Returns ErrQueueEmpty when nothing is pending.
	CompleteNext(ctx context.Context, doctorID uuid.UUID, day time.Time, preferred *uuid.UUID) (*Appointment, error)

	CreateBookingRequest(ctx context.Context, br *BookingRequest) (*BookingRequest, error)
	GetBookingRequestByID(ctx context.Context, id uuid.UUID) (*BookingRequest, error)
	ListBookingRequests(ctx context.Context, status *RequestStatus, limit, offset int) ([]BookingRequest, error)

	// UpdateBookingRequestStatus is the compare-and-set analogue for
	// booking requests; a miss returns ErrRequestNotFound.
	UpdateBookingRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*BookingRequest, error)
}
