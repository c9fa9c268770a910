package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinichub/scheduling/internal/clock"
	redisclient "github.com/clinichub/scheduling/internal/redis"
)

// Service is the use-case layer orchestrating validation, queue allocation
// and lifecycle transitions. Entities stay plain records; all side effects
// live here.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	clk    *clock.Clock
	emit   Emitter
	log    zerolog.Logger
}

func NewService(repo Repository, locker redisclient.Locker, clk *clock.Clock, emit Emitter, log zerolog.Logger) *Service {
	if emit == nil {
		emit = NopEmitter{}
	}
	return &Service{
		repo:   repo,
		locker: locker,
		clk:    clk,
		emit:   emit,
		log:    log,
	}
}

type BookParams struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	ScheduledAt time.Time
	Amount      int64
	Notes       string
}

// Book validates the slot, allocates a queue number race-safe and persists a
// PENDING appointment. The distributed doctor lock is taken for the
// allocation; failure to acquire it surfaces ErrBusy and the core never
// retries on its own.
func (s *Service) Book(ctx context.Context, p BookParams) (*Appointment, error) {
	at := s.clk.ToLocalAware(p.ScheduledAt)
	if err := s.clk.ValidateNotPast(at); err != nil {
		return nil, err
	}
	if p.Amount < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}

	if _, err := s.repo.GetPatientByID(ctx, p.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	// Cheap pre-check outside the lock. The in-transaction re-check and the
	// partial unique index remain the real guarantee.
	clash, err := s.repo.HasActiveAt(ctx, p.DoctorID, at, nil)
	if err != nil {
		return nil, fmt.Errorf("check active clash: %w", err)
	}
	if clash {
		return nil, ErrSlotTaken
	}

	day := s.clk.DayOf(at)
	appt := &Appointment{
		ID:           uuid.New(),
		DoctorID:     p.DoctorID,
		PatientID:    p.PatientID,
		ScheduledAt:  &at,
		ScheduledDay: &day,
		Amount:       p.Amount,
		Notes:        p.Notes,
		Status:       StatusPending,
	}

	var created *Appointment
	err = s.locker.WithDoctorLock(ctx, p.DoctorID, func(lockCtx context.Context) error {
		var err error
		created, err = s.repo.CreateScheduled(lockCtx, appt)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBusy
		}
		return nil, err
	}

	s.emit.Emit(ctx, Event{
		Kind:      EventAppointmentCreated,
		SubjectID: created.ID,
		Payload: map[string]any{
			"doctor_id":    created.DoctorID.String(),
			"patient_id":   created.PatientID.String(),
			"scheduled_at": created.ScheduledAt,
			"queue_number": created.QueueNumber,
		},
	})

	return created, nil
}

// HasNearbyActive reports an active appointment within the courtesy gap
// window around the instant, excluding the appointment itself. Advisory
// only: the hard uniqueness guarantee is exact-instant equality.
func (s *Service) HasNearbyActive(ctx context.Context, doctorID uuid.UUID, at time.Time, window time.Duration, excludeID *uuid.UUID) (bool, error) {
	return s.repo.HasActiveWithin(ctx, doctorID, s.clk.ToLocalAware(at), window, excludeID)
}

type EditParams struct {
	ScheduledAt *time.Time
	Amount      *int64
	Notes       *string
}

// Edit rewrites schedule, amount or notes. The queue number assigned at
// creation is retained even when the edit moves the appointment to another
// day; renumbering would invalidate tickets already handed out.
func (s *Service) Edit(ctx context.Context, id uuid.UUID, p EditParams) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if p.ScheduledAt != nil {
		at := s.clk.ToLocalAware(*p.ScheduledAt)
		if appt.Status.Active() {
			if err := s.clk.ValidateNotPast(at); err != nil {
				return nil, err
			}
			clash, err := s.repo.HasActiveAt(ctx, appt.DoctorID, at, &appt.ID)
			if err != nil {
				return nil, fmt.Errorf("check active clash: %w", err)
			}
			if clash {
				return nil, ErrSlotTaken
			}
		}
		day := s.clk.DayOf(at)
		appt.ScheduledAt = &at
		appt.ScheduledDay = &day
	}
	if p.Amount != nil {
		if *p.Amount < 0 {
			return nil, fmt.Errorf("amount must not be negative")
		}
		appt.Amount = *p.Amount
	}
	if p.Notes != nil {
		appt.Notes = *p.Notes
	}

	return s.repo.UpdateAppointmentSchedule(ctx, appt)
}

// Cancel soft-cancels a PENDING appointment, freeing its time slot for new
// bookings while keeping the row, and its queue number, for history. The
// reason, when given, is appended to the notes as an audit line.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	var notes *string
	if reason != "" {
		stamped := fmt.Sprintf("[cancelled %s] %s", s.clk.Now().Format("2006-01-02 15:04"), reason)
		combined := appt.Notes
		if combined != "" {
			combined += "\n"
		}
		combined += stamped
		notes = &combined
	}

	cancelled, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusPending, StatusCancelled, notes)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost a race with another transition.
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	s.emit.Emit(ctx, Event{
		Kind:      EventAppointmentCancelled,
		SubjectID: cancelled.ID,
		Payload:   map[string]any{"reason": reason},
	})

	return cancelled, nil
}

// Complete moves a PENDING appointment to COMPLETED. Normally driven through
// CallNext; exposed for the internal complete operation.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	completed, err := s.repo.UpdateAppointmentStatus(ctx, id, StatusPending, StatusCompleted, nil)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}

	s.emit.Emit(ctx, Event{Kind: EventAppointmentCompleted, SubjectID: completed.ID})

	return completed, nil
}

// Confirm is an administrative re-affirmation. It refuses cancelled
// appointments and is otherwise a status no-op.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.Status == StatusCancelled {
		return nil, ErrCannotConfirmCancelled
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]Appointment, error) {
	return s.repo.ListAppointments(ctx, f)
}

// Delete hard-deletes an appointment. Irreversible and outside the
// lifecycle state machine; gating it behind an admin role is the caller's
// concern.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.DeleteAppointment(ctx, id)
}

// QueueSnapshot builds the ordered waiting list for (doctor, day), split
// into the head ("current") and tail ("waiting"). The public view omits
// patient identity. Reads are lock-free; slightly stale data is fine for a
// display board.
func (s *Service) QueueSnapshot(ctx context.Context, doctorID uuid.UUID, day time.Time, view SnapshotView) (*QueueSnapshot, error) {
	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return s.snapshotFor(ctx, doctor, day, view)
}

// AllQueues snapshots every doctor with pending work on the day, for the
// waiting-room display board.
func (s *Service) AllQueues(ctx context.Context, day time.Time, view SnapshotView) ([]QueueSnapshot, error) {
	doctors, err := s.repo.ListDoctorsWithPendingOn(ctx, day)
	if err != nil {
		return nil, err
	}

	snaps := make([]QueueSnapshot, 0, len(doctors))
	for i := range doctors {
		snap, err := s.snapshotFor(ctx, &doctors[i], day, view)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

func (s *Service) snapshotFor(ctx context.Context, doctor *Doctor, day time.Time, view SnapshotView) (*QueueSnapshot, error) {
	visits, err := s.repo.ListPendingForDay(ctx, doctor.ID, day)
	if err != nil {
		return nil, fmt.Errorf("list pending for day: %w", err)
	}

	snap := &QueueSnapshot{
		DoctorID:   doctor.ID,
		DoctorName: doctor.Name,
		Day:        clock.FormatDay(day),
		Status:     "on_break",
		Waiting:    []QueueEntry{},
	}
	if len(visits) == 0 {
		return snap, nil
	}

	snap.Status = "available"
	head := s.entryFor(visits[0], view)
	snap.Current = &head
	for _, v := range visits[1:] {
		snap.Waiting = append(snap.Waiting, s.entryFor(v, view))
	}
	return snap, nil
}

func (s *Service) entryFor(v PendingVisit, view SnapshotView) QueueEntry {
	e := QueueEntry{
		AppointmentID: v.ID,
		Ticket:        TicketLabel(v.QueueNumber),
	}
	if v.ScheduledAt != nil {
		e.Time = s.clk.ToLocalAware(*v.ScheduledAt).Format("15:04")
	}
	if view == ViewInternal {
		e.PatientName = v.PatientName
	}
	return e
}

// CallNext completes the next patient in the doctor's queue for today:
// either the explicitly requested appointment, when it is still pending and
// scheduled today, or the earliest pending one. ErrQueueEmpty is the normal
// "nothing to do" outcome, not a failure.
func (s *Service) CallNext(ctx context.Context, doctorID uuid.UUID, preferred *uuid.UUID) (*Appointment, error) {
	today := s.clk.Today()

	var completed *Appointment
	err := s.locker.WithDoctorLock(ctx, doctorID, func(lockCtx context.Context) error {
		var err error
		completed, err = s.repo.CompleteNext(lockCtx, doctorID, today, preferred)
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrBusy
		}
		return nil, err
	}

	s.emit.Emit(ctx, Event{
		Kind:      EventAppointmentCompleted,
		SubjectID: completed.ID,
		Payload: map[string]any{
			"doctor_id":    completed.DoctorID.String(),
			"queue_number": completed.QueueNumber,
		},
	})

	s.log.Info().
		Str("doctor_id", doctorID.String()).
		Str("appointment_id", completed.ID.String()).
		Msg("called next patient")

	return completed, nil
}
