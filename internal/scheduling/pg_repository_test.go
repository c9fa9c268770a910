package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appointmentCols = []string{
	"id", "doctor_id", "patient_id", "scheduled_at", "scheduled_day",
	"queue_number", "amount", "notes", "status", "created_at", "updated_at",
}

func appointmentRow(a *Appointment) *pgxmock.Rows {
	return pgxmock.NewRows(appointmentCols).AddRow(
		a.ID, a.DoctorID, a.PatientID, a.ScheduledAt, a.ScheduledDay,
		a.QueueNumber, a.Amount, &a.Notes, a.Status, a.CreatedAt, a.UpdatedAt,
	)
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, newPgRepositoryWithDB(mock)
}

func sampleAppointment() *Appointment {
	at := time.Date(2027, 6, 1, 10, 0, 0, 0, time.UTC)
	day := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	n := 3
	return &Appointment{
		ID:           uuid.New(),
		DoctorID:     uuid.New(),
		PatientID:    uuid.New(),
		ScheduledAt:  &at,
		ScheduledDay: &day,
		QueueNumber:  &n,
		Status:       StatusPending,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

func TestPgGetAppointmentByID(t *testing.T) {
	mock, repo := newMockRepo(t)
	want := sampleAppointment()

	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(want.ID).
		WillReturnRows(appointmentRow(want))

	got, err := repo.GetAppointmentByID(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, 3, *got.QueueNumber)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgGetAppointmentByIDNotFound(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(appointmentCols))

	_, err := repo.GetAppointmentByID(context.Background(), id)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgCreateScheduledAllocatesNextNumber(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment()
	a.QueueNumber = nil

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM doctors").
		WithArgs(a.DoctorID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a.DoctorID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(a.DoctorID, a.ScheduledAt).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT queue_number FROM appointments").
		WithArgs(a.DoctorID, a.ScheduledDay).
		WillReturnRows(pgxmock.NewRows([]string{"queue_number"}).AddRow(1).AddRow(2))

	created := *a
	n := 3
	created.QueueNumber = &n
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(a.ID, a.DoctorID, a.PatientID, a.ScheduledAt, a.ScheduledDay, &n, a.Amount, a.Notes).
		WillReturnRows(appointmentRow(&created))
	mock.ExpectCommit()

	got, err := repo.CreateScheduled(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 3, *got.QueueNumber)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgCreateScheduledDoctorMissing(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM doctors").
		WithArgs(a.DoctorID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := repo.CreateScheduled(context.Background(), a)
	assert.ErrorIs(t, err, ErrDoctorNotFound)
}

func TestPgCreateScheduledClashInsideLock(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM doctors").
		WithArgs(a.DoctorID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a.DoctorID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(a.DoctorID, a.ScheduledAt).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.CreateScheduled(context.Background(), a)
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestPgCreateScheduledUniqueViolationBecomesSlotTaken(t *testing.T) {
	mock, repo := newMockRepo(t)
	a := sampleAppointment()
	a.QueueNumber = nil

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM doctors").
		WithArgs(a.DoctorID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a.DoctorID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(a.DoctorID, a.ScheduledAt).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT queue_number FROM appointments").
		WithArgs(a.DoctorID, a.ScheduledDay).
		WillReturnRows(pgxmock.NewRows([]string{"queue_number"}))

	// Another process slipped a row past the checks; the partial unique
	// index fires on insert.
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(a.ID, a.DoctorID, a.PatientID, a.ScheduledAt, a.ScheduledDay, pgxmock.AnyArg(), a.Amount, a.Notes).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_doctor_time_active"})
	mock.ExpectRollback()

	_, err := repo.CreateScheduled(context.Background(), a)
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestPgUpdateAppointmentStatusCASMiss(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE appointments").
		WithArgs(id, StatusCancelled, StatusPending, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(appointmentCols))

	_, err := repo.UpdateAppointmentStatus(context.Background(), id, StatusPending, StatusCancelled, nil)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestPgDeleteAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM appointments").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, repo.DeleteAppointment(context.Background(), id))

	mock.ExpectExec("DELETE FROM appointments").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, repo.DeleteAppointment(context.Background(), id), ErrAppointmentNotFound)
}

func TestPgCompleteNextEmptyQueue(t *testing.T) {
	mock, repo := newMockRepo(t)
	doctorID := uuid.New()
	day := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM doctors").
		WithArgs(doctorID).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(doctorID))
	mock.ExpectQuery("SELECT (.+) FROM appointments").
		WithArgs(doctorID, day).
		WillReturnRows(pgxmock.NewRows(appointmentCols))
	mock.ExpectRollback()

	_, err := repo.CompleteNext(context.Background(), doctorID, day, nil)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPgEmitterSwallowsFailures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	emitter := newPgEmitterWithDB(mock, zerolog.Nop())

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(EventAppointmentCreated, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	// Must not panic or propagate: event delivery is best-effort.
	emitter.Emit(context.Background(), Event{
		Kind:      EventAppointmentCreated,
		SubjectID: uuid.New(),
		Payload:   map[string]any{"queue_number": 1},
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgEmitterInsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	emitter := newPgEmitterWithDB(mock, zerolog.Nop())
	subject := uuid.New()

	mock.ExpectExec("INSERT INTO event_logs").
		WithArgs(EventBookingCreated, subject, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	emitter.Emit(context.Background(), Event{Kind: EventBookingCreated, SubjectID: subject})

	require.NoError(t, mock.ExpectationsWereMet())
}
