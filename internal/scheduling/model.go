package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Active reports whether the appointment counts against uniqueness
// constraints. Cancelled rows free their time slot for rebooking; their
// queue number stays burned.
func (s AppointmentStatus) Active() bool {
	return s != StatusCancelled
}

// Terminal reports whether no further lifecycle transition is allowed.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestConfirmed RequestStatus = "confirmed"
	RequestRejected  RequestStatus = "rejected"
)

// Doctor and Patient are owned by external collaborators; this core reads
// them for validation and display and never mutates them.
type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
}

type Patient struct {
	ID          uuid.UUID
	Name        string
	Contact     *string
	DateOfBirth *time.Time
	CreatedAt   time.Time
}

// Appointment is a pure scheduling record, no clinical data.
//
// ScheduledDay is the local calendar day derived from ScheduledAt and is the
// queue partition key. QueueNumber is assigned once at creation and never
// recalculated, even if the appointment is later moved to another day:
// tickets already printed must keep their number.
type Appointment struct {
	ID           uuid.UUID
	DoctorID     uuid.UUID
	PatientID    uuid.UUID
	ScheduledAt  *time.Time
	ScheduledDay *time.Time
	QueueNumber  *int
	Amount       int64 // whole IQD, informational
	Notes        string
	Status       AppointmentStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BookingRequest captures demand from the public intake before a human
// decides to create a real Appointment. It holds no queue number and locks
// nothing; two people may request the same slot and the first approval wins.
type BookingRequest struct {
	ID          uuid.UUID
	FullName    string
	ContactInfo string
	DateOfBirth *time.Time
	DoctorID    uuid.UUID
	PatientID   *uuid.UUID // set when the requester is a known patient
	RequestedAt time.Time
	SubmittedAt time.Time
	Status      RequestStatus
}

// PendingVisit is an appointment joined with the patient display name, as
// needed by the internal queue projection.
type PendingVisit struct {
	Appointment
	PatientName string
}

// SnapshotView selects between the internal (PHI included) and public
// (PHI-free) queue projections.
type SnapshotView string

const (
	ViewInternal SnapshotView = "internal"
	ViewPublic   SnapshotView = "public"
)

type QueueEntry struct {
	AppointmentID uuid.UUID `json:"id"`
	Ticket        string    `json:"number"`
	PatientName   string    `json:"patient_name,omitempty"`
	Time          string    `json:"time"`
}

type QueueSnapshot struct {
	DoctorID   uuid.UUID    `json:"doctor_id"`
	DoctorName string       `json:"doctor_name"`
	Day        string       `json:"day"`
	Status     string       `json:"status"` // "available" or "on_break"
	Current    *QueueEntry  `json:"current"`
	Waiting    []QueueEntry `json:"waiting"`
}

// TicketLabel renders the printed ticket form of a queue number, e.g. P-007.
func TicketLabel(queueNumber *int) string {
	if queueNumber == nil {
		return "-"
	}
	return fmt.Sprintf("P-%03d", *queueNumber)
}
