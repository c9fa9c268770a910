package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinichub/scheduling/internal/clock"
	"github.com/clinichub/scheduling/internal/scheduling"
)

type testLocker struct {
	mu sync.Mutex
}

func (l *testLocker) WithDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

type testEnv struct {
	router  http.Handler
	clk     *clock.Clock
	now     time.Time
	doctor  scheduling.Doctor
	patient scheduling.Patient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	loc, err := time.LoadLocation("Asia/Baghdad")
	require.NoError(t, err)

	now := time.Date(2027, 6, 1, 9, 0, 0, 0, loc)
	clk := clock.New(loc, time.Minute)
	clk.NowFunc = func() time.Time { return now }

	repo := scheduling.NewMemoryRepository()
	doctor := scheduling.Doctor{ID: uuid.New(), Name: "Dr. Rasha Karim"}
	patient := scheduling.Patient{ID: uuid.New(), Name: "Omar Salim"}
	repo.AddDoctor(doctor)
	repo.AddPatient(patient)

	svc := scheduling.NewService(repo, &testLocker{}, clk, nil, zerolog.Nop())

	router := NewRouter(RouterConfig{
		Service: svc,
		Clock:   clk,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})

	return &testEnv{router: router, clk: clk, now: now, doctor: doctor, patient: patient}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, rec).Error
}

func (e *testEnv) createAppointment(t *testing.T, at time.Time) AppointmentResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   e.patient.ID.String(),
		ScheduledAt: at.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AppointmentResponse](t, rec)
}

func TestCreateAppointment(t *testing.T) {
	e := newTestEnv(t)

	resp := e.createAppointment(t, e.now.Add(time.Hour))

	assert.Equal(t, "pending", resp.Status)
	require.NotNil(t, resp.QueueNumber)
	assert.Equal(t, 1, *resp.QueueNumber)
	assert.Equal(t, "P-001", resp.Ticket)
	assert.Equal(t, "2027-06-01", resp.ScheduledDay)
	assert.Empty(t, resp.Warning)
}

func TestCreateAppointmentConflicts(t *testing.T) {
	e := newTestEnv(t)
	slot := e.now.Add(time.Hour)
	e.createAppointment(t, slot)

	rec := e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   e.patient.ID.String(),
		ScheduledAt: slot.Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_taken", errorCode(t, rec))
}

func TestCreateAppointmentGapWarning(t *testing.T) {
	e := newTestEnv(t)
	slot := e.now.Add(time.Hour)
	e.createAppointment(t, slot)

	rec := e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   e.patient.ID.String(),
		ScheduledAt: slot.Add(30 * time.Second).Format(time.RFC3339),
	})
	// A near-miss is allowed but flagged.
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[AppointmentResponse](t, rec)
	assert.NotEmpty(t, resp.Warning)
}

func TestCreateAppointmentValidation(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    "not-a-uuid",
		PatientID:   e.patient.ID.String(),
		ScheduledAt: e.now.Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_doctor_id", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   e.patient.ID.String(),
		ScheduledAt: e.now.Add(-time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "past_time", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   e.patient.ID.String(),
		ScheduledAt: "soon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_timestamp", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/appointments", CreateAppointmentRequest{
		DoctorID:    e.doctor.ID.String(),
		PatientID:   uuid.New().String(),
		ScheduledAt: e.now.Add(time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "patient_not_found", errorCode(t, rec))
}

func TestGetAppointment(t *testing.T) {
	e := newTestEnv(t)
	created := e.createAppointment(t, e.now.Add(time.Hour))

	rec := e.do(t, http.MethodGet, "/api/v1/appointments/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[AppointmentResponse](t, rec).ID)

	rec = e.do(t, http.MethodGet, "/api/v1/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "appointment_not_found", errorCode(t, rec))
}

func TestEditAppointment(t *testing.T) {
	e := newTestEnv(t)
	created := e.createAppointment(t, e.now.Add(time.Hour))

	notes := "bring previous scans"
	rec := e.do(t, http.MethodPatch, "/api/v1/appointments/"+created.ID.String(), EditAppointmentRequest{Notes: &notes})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AppointmentResponse](t, rec)
	assert.Equal(t, notes, resp.Notes)
	assert.Equal(t, created.QueueNumber, resp.QueueNumber)
}

func TestCancelAndConfirm(t *testing.T) {
	e := newTestEnv(t)
	created := e.createAppointment(t, e.now.Add(time.Hour))
	base := "/api/v1/appointments/" + created.ID.String()

	rec := e.do(t, http.MethodPost, base+"/cancel", CancelAppointmentRequest{Reason: "no show"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "cancelled", resp.Status)
	assert.Contains(t, resp.Notes, "no show")

	rec = e.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, base+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "cannot_confirm_cancelled", errorCode(t, rec))
}

func TestDeleteAppointment(t *testing.T) {
	e := newTestEnv(t)
	created := e.createAppointment(t, e.now.Add(time.Hour))

	rec := e.do(t, http.MethodDelete, "/api/v1/appointments/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/v1/appointments/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAppointments(t *testing.T) {
	e := newTestEnv(t)
	e.createAppointment(t, e.now.Add(time.Hour))
	e.createAppointment(t, e.now.Add(2*time.Hour))

	rec := e.do(t, http.MethodGet, "/api/v1/appointments/?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 2)

	rec = e.do(t, http.MethodGet, "/api/v1/appointments/?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/appointments/?doctor_id="+uuid.NewString(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]AppointmentResponse](t, rec))
}

func TestQueueSnapshotEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.createAppointment(t, e.now.Add(time.Hour))
	e.createAppointment(t, e.now.Add(2*time.Hour))
	base := fmt.Sprintf("/api/v1/doctors/%s/queue/", e.doctor.ID)

	rec := e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[scheduling.QueueSnapshot](t, rec)
	assert.Equal(t, "available", snap.Status)
	require.NotNil(t, snap.Current)
	assert.Equal(t, "P-001", snap.Current.Ticket)
	assert.Empty(t, snap.Current.PatientName, "default view is the public one")
	assert.Len(t, snap.Waiting, 1)

	rec = e.do(t, http.MethodGet, base+"?view=internal", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[scheduling.QueueSnapshot](t, rec)
	assert.Equal(t, e.patient.Name, snap.Current.PatientName)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/doctors/%s/queue/", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallNextEndpoint(t *testing.T) {
	e := newTestEnv(t)
	first := e.createAppointment(t, e.now.Add(time.Hour))
	path := fmt.Sprintf("/api/v1/doctors/%s/queue/call-next", e.doctor.ID)

	rec := e.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[AppointmentResponse](t, rec)
	assert.Equal(t, first.ID, resp.ID)
	assert.Equal(t, "completed", resp.Status)

	rec = e.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "queue_empty", errorCode(t, rec))
}

func TestCallNextExplicitPick(t *testing.T) {
	e := newTestEnv(t)
	e.createAppointment(t, e.now.Add(time.Hour))
	second := e.createAppointment(t, e.now.Add(2*time.Hour))
	path := fmt.Sprintf("/api/v1/doctors/%s/queue/call-next", e.doctor.ID)

	rec := e.do(t, http.MethodPost, path, CallNextRequest{AppointmentID: second.ID.String()})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, second.ID, decode[AppointmentResponse](t, rec).ID)
}

func TestBookingRequestFlow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/booking-requests", SubmitBookingRequest{
		FullName:    "Layla Hadi",
		ContactInfo: "+964 770 000 0000",
		DoctorID:    e.doctor.ID.String(),
		RequestedAt: e.now.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	br := decode[BookingRequestResponse](t, rec)
	assert.Equal(t, "pending", br.Status)

	// No patient on the request and none supplied.
	rec = e.do(t, http.MethodPost, "/api/v1/booking-requests/"+br.ID.String()+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "patient_not_resolved", errorCode(t, rec))

	rec = e.do(t, http.MethodPost, "/api/v1/booking-requests/"+br.ID.String()+"/approve",
		ApproveBookingRequest{PatientID: e.patient.ID.String()})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, e.patient.ID, appt.PatientID)
	assert.Equal(t, "P-001", appt.Ticket)

	rec = e.do(t, http.MethodGet, "/api/v1/booking-requests/?status=confirmed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]BookingRequestResponse](t, rec), 1)
}

func TestRejectBookingRequest(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/booking-requests", SubmitBookingRequest{
		FullName:    "Layla Hadi",
		ContactInfo: "0770",
		DoctorID:    e.doctor.ID.String(),
		RequestedAt: e.now.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	br := decode[BookingRequestResponse](t, rec)

	rec = e.do(t, http.MethodPost, "/api/v1/booking-requests/"+br.ID.String()+"/reject", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decode[BookingRequestResponse](t, rec).Status)

	rec = e.do(t, http.MethodPost, "/api/v1/booking-requests/"+br.ID.String()+"/reject", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
