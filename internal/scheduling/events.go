package scheduling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Domain event kinds consumed by the external notification collaborator.
const (
	EventBookingCreated       = "booking_created"
	EventAppointmentCreated   = "appointment_created"
	EventAppointmentCompleted = "appointment_completed"
	EventAppointmentCancelled = "appointment_cancelled"
)

type Event struct {
	Kind       string
	SubjectID  uuid.UUID
	OccurredAt time.Time
	Payload    map[string]any
}

// Emitter delivers domain events at-most-once, best-effort. Implementations
// must never block the calling operation or surface delivery failures; this
// is the only component allowed to fail silently.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgEmitter appends events to the event_logs table for the notification
// collaborator to poll. Insert failures are logged and swallowed.
type PgEmitter struct {
	db  execer
	log zerolog.Logger
}

func NewPgEmitter(pool *pgxpool.Pool, log zerolog.Logger) *PgEmitter {
	return &PgEmitter{db: pool, log: log}
}

func newPgEmitterWithDB(db execer, log zerolog.Logger) *PgEmitter {
	return &PgEmitter{db: db, log: log}
}

func (e *PgEmitter) Emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		e.log.Warn().Err(err).Str("kind", ev.Kind).Msg("marshal event payload")
		data = nil
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err = e.db.Exec(ctx, `
		INSERT INTO event_logs (kind, subject_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Kind, ev.SubjectID, data, occurred)
	if err != nil {
		e.log.Warn().Err(err).
			Str("kind", ev.Kind).
			Str("subject_id", ev.SubjectID.String()).
			Msg("insert event log")
	}
}

// NopEmitter drops every event. Useful for tooling that has no notification
// consumer attached.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}
