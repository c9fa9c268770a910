package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres error code for constraint races that slip
// past the application-level checks. The partial unique indexes are the real
// guarantee; the in-lock checks are an optimization.
const uniqueViolation = "23505"

// pgDB is the subset of pgxpool.Pool the repository needs. Kept as an
// interface so tests can substitute a pgxmock pool.
type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	db pgDB
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func newPgRepositoryWithDB(db pgDB) *PgRepository {
	return &PgRepository{db: db}
}

// Helpers

const appointmentColumns = `id, doctor_id, patient_id, scheduled_at, scheduled_day, queue_number, amount, notes, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a     Appointment
		notes *string
	)

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledAt,
		&a.ScheduledDay,
		&a.QueueNumber,
		&a.Amount,
		&notes,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if notes != nil {
		a.Notes = *notes
	}
	return &a, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(&d.ID, &d.Name, &d.Specialty, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanBookingRequest(row pgx.Row) (*BookingRequest, error) {
	var br BookingRequest

	err := row.Scan(
		&br.ID,
		&br.FullName,
		&br.ContactInfo,
		&br.DateOfBirth,
		&br.DoctorID,
		&br.PatientID,
		&br.RequestedAt,
		&br.SubmittedAt,
		&br.Status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &br, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Reference data

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, created_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient

	row := r.db.QueryRow(ctx, `
		SELECT id, name, contact, date_of_birth, created_at
		FROM patients
		WHERE id = $1
	`, id)
	err := row.Scan(&p.ID, &p.Name, &p.Contact, &p.DateOfBirth, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Queue allocation

// CreateScheduled assigns the next queue number for (doctor, scheduled day)
// and inserts the appointment, all in one transaction:
//
//  1. lock the doctor row (serializes allocation per doctor across all days)
//  2. re-check the exact-instant clash under the lock
//  3. lock and scan the day's queue numbers, assign max+1
//  4. insert while still holding the locks
//
// Queue numbers of cancelled rows stay burned: numbers are never reused or
// compacted within a day.
func (r *PgRepository) CreateScheduled(ctx context.Context, a *Appointment) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin allocation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doctorID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM doctors WHERE id = $1 FOR UPDATE
	`, a.DoctorID).Scan(&doctorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("lock doctor row: %w", err)
	}

	var clash bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND scheduled_at = $2 AND status <> 'cancelled'
		)
	`, a.DoctorID, a.ScheduledAt).Scan(&clash)
	if err != nil {
		return nil, fmt.Errorf("check active clash: %w", err)
	}
	if clash {
		return nil, ErrSlotTaken
	}

	rows, err := tx.Query(ctx, `
		SELECT queue_number FROM appointments
		WHERE doctor_id = $1 AND scheduled_day = $2 AND queue_number IS NOT NULL
		FOR UPDATE
	`, a.DoctorID, a.ScheduledDay)
	if err != nil {
		return nil, fmt.Errorf("scan queue numbers: %w", err)
	}

	next := 1
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		if n >= next {
			next = n + 1
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	a.QueueNumber = &next

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, scheduled_at, scheduled_day, queue_number, amount, notes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', now(), now())
		RETURNING `+appointmentColumns+`
	`, a.ID, a.DoctorID, a.PatientID, a.ScheduledAt, a.ScheduledDay, a.QueueNumber, a.Amount, a.Notes)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("commit allocation tx: %w", err)
	}

	return created, nil
}

// Appointment reads and writes

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE 1=1`
	args := []any{}

	if f.DoctorID != nil {
		args = append(args, *f.DoctorID)
		query += fmt.Sprintf(" AND doctor_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Day != nil {
		args = append(args, *f.Day)
		query += fmt.Sprintf(" AND scheduled_day = $%d", len(args))
	}

	query += " ORDER BY scheduled_at DESC NULLS LAST, created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpdateAppointmentSchedule(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_at = $2,
		    scheduled_day = $3,
		    amount = $4,
		    notes = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, a.ID, a.ScheduledAt, a.ScheduledDay, a.Amount, a.Notes)

	updated, err := scanAppointment(row)
	if err != nil && isUniqueViolation(err) {
		return nil, ErrSlotTaken
	}
	return updated, err
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, notes *string) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    notes = COALESCE($4, notes),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from, notes)

	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Clash checks

func (r *PgRepository) HasActiveAt(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) (bool, error) {
	var clash bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND scheduled_at = $2 AND status <> 'cancelled'
			  AND ($3::uuid IS NULL OR id <> $3)
		)
	`, doctorID, at, excludeID).Scan(&clash)
	return clash, err
}

func (r *PgRepository) HasActiveWithin(ctx context.Context, doctorID uuid.UUID, at time.Time, window time.Duration, excludeID *uuid.UUID) (bool, error) {
	var near bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND scheduled_at > $2 AND scheduled_at < $3
			  AND scheduled_at <> $4
			  AND status <> 'cancelled'
			  AND ($5::uuid IS NULL OR id <> $5)
		)
	`, doctorID, at.Add(-window), at.Add(window), at, excludeID).Scan(&near)
	return near, err
}

// Queue reads

func (r *PgRepository) ListPendingForDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]PendingVisit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.doctor_id, a.patient_id, a.scheduled_at, a.scheduled_day,
		       a.queue_number, a.amount, a.notes, a.status, a.created_at, a.updated_at,
		       p.name
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		WHERE a.doctor_id = $1 AND a.scheduled_day = $2 AND a.status = 'pending'
		ORDER BY a.scheduled_at, a.created_at
	`, doctorID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PendingVisit
	for rows.Next() {
		var (
			v     PendingVisit
			notes *string
		)
		err := rows.Scan(
			&v.ID, &v.DoctorID, &v.PatientID, &v.ScheduledAt, &v.ScheduledDay,
			&v.QueueNumber, &v.Amount, &notes, &v.Status, &v.CreatedAt, &v.UpdatedAt,
			&v.PatientName,
		)
		if err != nil {
			return nil, err
		}
		if notes != nil {
			v.Notes = *notes
		}
		result = append(result, v)
	}

	return result, rows.Err()
}

func (r *PgRepository) ListDoctorsWithPendingOn(ctx context.Context, day time.Time) ([]Doctor, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT d.id, d.name, d.specialty, d.created_at
		FROM doctors d
		JOIN appointments a ON a.doctor_id = d.id
		WHERE a.scheduled_day = $1 AND a.status = 'pending'
		ORDER BY d.name
	`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	return result, rows.Err()
}

// CompleteNext advances the doctor's queue for the day inside one
// transaction. The doctor row is locked first, matching the allocator's lock
// order so the two operations cannot deadlock.
func (r *PgRepository) CompleteNext(ctx context.Context, doctorID uuid.UUID, day time.Time, preferred *uuid.UUID) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin call-next tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lockedID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM doctors WHERE id = $1 FOR UPDATE
	`, doctorID).Scan(&lockedID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("lock doctor row: %w", err)
	}

	var target *Appointment

	// An explicitly requested appointment is honored only while it is still
	// pending and scheduled on the requested day; otherwise fall back to
	// the head of the queue.
	if preferred != nil {
		row := tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1 AND doctor_id = $2 AND status = 'pending' AND scheduled_day = $3
			FOR UPDATE
		`, *preferred, doctorID, day)
		a, err := scanAppointment(row)
		if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("load preferred appointment: %w", err)
		}
		target = a
	}

	if target == nil {
		row := tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE doctor_id = $1 AND scheduled_day = $2 AND status = 'pending'
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE
		`, doctorID, day)
		a, err := scanAppointment(row)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return nil, ErrQueueEmpty
			}
			return nil, fmt.Errorf("load next pending: %w", err)
		}
		target = a
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+appointmentColumns+`
	`, target.ID)
	completed, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit call-next tx: %w", err)
	}

	return completed, nil
}

// Booking requests

const bookingRequestColumns = `id, full_name, contact_info, date_of_birth, doctor_id, patient_id, requested_at, submitted_at, status`

func (r *PgRepository) CreateBookingRequest(ctx context.Context, br *BookingRequest) (*BookingRequest, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO booking_requests (id, full_name, contact_info, date_of_birth, doctor_id, patient_id, requested_at, submitted_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), 'pending')
		RETURNING `+bookingRequestColumns+`
	`, br.ID, br.FullName, br.ContactInfo, br.DateOfBirth, br.DoctorID, br.PatientID, br.RequestedAt)

	return scanBookingRequest(row)
}

func (r *PgRepository) GetBookingRequestByID(ctx context.Context, id uuid.UUID) (*BookingRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+bookingRequestColumns+`
		FROM booking_requests
		WHERE id = $1
	`, id)
	return scanBookingRequest(row)
}

func (r *PgRepository) ListBookingRequests(ctx context.Context, status *RequestStatus, limit, offset int) ([]BookingRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+bookingRequestColumns+`
		FROM booking_requests
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3
	`, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []BookingRequest
	for rows.Next() {
		br, err := scanBookingRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *br)
	}

	return result, rows.Err()
}

func (r *PgRepository) UpdateBookingRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*BookingRequest, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE booking_requests
		SET status = $2
		WHERE id = $1 AND status = $3
		RETURNING `+bookingRequestColumns+`
	`, id, to, from)

	return scanBookingRequest(row)
}
