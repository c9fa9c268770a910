package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinichub/scheduling/internal/clock"
	"github.com/clinichub/scheduling/internal/observability/metrics"
	"github.com/clinichub/scheduling/internal/scheduling"
)

// gapWindow is the courtesy spacing hint around a booked instant. Crossing
// it only annotates the response with a warning; the hard invariant is
// exact-instant uniqueness.
const gapWindow = time.Minute

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Busy is kept
// distinct from slot_taken so callers know which conflicts are retryable.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrPastTime):
		writeError(w, http.StatusBadRequest, "past_time", err.Error())
	case errors.Is(err, clock.ErrInvalidTimestamp):
		writeError(w, http.StatusBadRequest, "invalid_timestamp", err.Error())
	case errors.Is(err, scheduling.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, scheduling.ErrBusy):
		writeError(w, http.StatusConflict, "busy", "doctor queue is busy, please retry shortly")
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, scheduling.ErrCannotConfirmCancelled):
		writeError(w, http.StatusConflict, "cannot_confirm_cancelled", err.Error())
	case errors.Is(err, scheduling.ErrPatientNotResolved):
		writeError(w, http.StatusConflict, "patient_not_resolved", err.Error())
	case errors.Is(err, scheduling.ErrQueueEmpty):
		writeError(w, http.StatusNotFound, "queue_empty", "no pending appointments for today")
	case errors.Is(err, scheduling.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func createAppointmentHandler(svc *scheduling.Service, clk *clock.Clock, m *metrics.SchedulingMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		at, err := clk.ParseTimestamp(req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "scheduled_at must be RFC3339 or local YYYY-MM-DDTHH:MM")
			return
		}

		appt, err := svc.Book(r.Context(), scheduling.BookParams{
			DoctorID:    doctorID,
			PatientID:   patientID,
			ScheduledAt: at,
			Amount:      req.Amount,
			Notes:       req.Notes,
		})
		if err != nil {
			m.ObserveBooking(outcomeOf(err))
			writeDomainError(w, err)
			return
		}
		m.ObserveBooking("success")

		resp := toAppointmentResponse(appt)
		if appt.ScheduledAt != nil {
			near, err := svc.HasNearbyActive(r.Context(), appt.DoctorID, *appt.ScheduledAt, gapWindow, &appt.ID)
			if err == nil && near {
				resp.Warning = "another active appointment is within one minute of this slot"
			}
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *scheduling.Service, clk *clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var f scheduling.ListFilter

		if v := r.URL.Query().Get("doctor_id"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
				return
			}
			f.DoctorID = &id
		}
		if v := r.URL.Query().Get("status"); v != "" {
			st := scheduling.AppointmentStatus(v)
			switch st {
			case scheduling.StatusPending, scheduling.StatusCompleted, scheduling.StatusCancelled:
				f.Status = &st
			default:
				writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, completed or cancelled")
				return
			}
		}
		if v := r.URL.Query().Get("day"); v != "" {
			day, err := clk.ParseDay(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD")
				return
			}
			f.Day = &day
		}
		f.Limit = intQuery(r, "limit", 20)
		f.Offset = intQuery(r, "offset", 0)

		appts, err := svc.List(r.Context(), f)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func editAppointmentHandler(svc *scheduling.Service, clk *clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req EditAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var params scheduling.EditParams
		if req.ScheduledAt != nil {
			at, err := clk.ParseTimestamp(*req.ScheduledAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_timestamp", "scheduled_at must be RFC3339 or local YYYY-MM-DDTHH:MM")
				return
			}
			params.ScheduledAt = &at
		}
		params.Amount = req.Amount
		params.Notes = req.Notes

		appt, err := svc.Edit(r.Context(), id, params)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req CancelAppointmentRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		appt, err := svc.Cancel(r.Context(), id, req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Complete(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Confirm(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queueSnapshotHandler(svc *scheduling.Service, clk *clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		day := clk.Today()
		if v := r.URL.Query().Get("day"); v != "" {
			parsed, err := clk.ParseDay(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_day", "day must be YYYY-MM-DD")
				return
			}
			day = parsed
		}

		// Identity is included only when the internal view is requested;
		// access control for that view lives outside this core.
		view := scheduling.ViewPublic
		if r.URL.Query().Get("view") == string(scheduling.ViewInternal) {
			view = scheduling.ViewInternal
		}

		snap, err := svc.QueueSnapshot(r.Context(), doctorID, day, view)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func allQueuesHandler(svc *scheduling.Service, clk *clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps, err := svc.AllQueues(r.Context(), clk.Today(), scheduling.ViewPublic)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": snaps})
	}
}

func callNextHandler(svc *scheduling.Service, m *metrics.SchedulingMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		var req CallNextRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		var preferred *uuid.UUID
		if req.AppointmentID != "" {
			id, err := uuid.Parse(req.AppointmentID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
				return
			}
			preferred = &id
		}

		appt, err := svc.CallNext(r.Context(), doctorID, preferred)
		if err != nil {
			m.ObserveCallNext(outcomeOf(err))
			writeDomainError(w, err)
			return
		}
		m.ObserveCallNext("success")
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func submitBookingRequestHandler(svc *scheduling.Service, clk *clock.Clock, m *metrics.SchedulingMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		at, err := clk.ParseTimestamp(req.RequestedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_timestamp", "requested_at must be RFC3339 or local YYYY-MM-DDTHH:MM")
			return
		}

		params := scheduling.SubmitRequestParams{
			FullName:    req.FullName,
			ContactInfo: req.ContactInfo,
			DoctorID:    doctorID,
			RequestedAt: at,
		}
		if req.DateOfBirth != "" {
			dob, err := clk.ParseDay(req.DateOfBirth)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date_of_birth", "date_of_birth must be YYYY-MM-DD")
				return
			}
			params.DateOfBirth = &dob
		}
		if req.PatientID != "" {
			pid, err := uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			params.PatientID = &pid
		}

		br, err := svc.SubmitBookingRequest(r.Context(), params)
		if err != nil {
			m.ObserveIntake(outcomeOf(err))
			writeDomainError(w, err)
			return
		}
		m.ObserveIntake("success")
		writeJSON(w, http.StatusCreated, toBookingRequestResponse(br))
	}
}

func approveBookingRequestHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request_id", "id must be a valid UUID")
			return
		}

		var req ApproveBookingRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
		}

		var patientID *uuid.UUID
		if req.PatientID != "" {
			pid, err := uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			patientID = &pid
		}

		appt, err := svc.ApproveBookingRequest(r.Context(), id, patientID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func rejectBookingRequestHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUIDParam(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request_id", "id must be a valid UUID")
			return
		}

		br, err := svc.RejectBookingRequest(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingRequestResponse(br))
	}
}

func listBookingRequestsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status *scheduling.RequestStatus
		if v := r.URL.Query().Get("status"); v != "" {
			st := scheduling.RequestStatus(v)
			switch st {
			case scheduling.RequestPending, scheduling.RequestConfirmed, scheduling.RequestRejected:
				status = &st
			default:
				writeError(w, http.StatusBadRequest, "invalid_status", "status must be pending, confirmed or rejected")
				return
			}
		}

		requests, err := svc.ListBookingRequests(r.Context(), status, intQuery(r, "limit", 20), intQuery(r, "offset", 0))
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]BookingRequestResponse, 0, len(requests))
		for i := range requests {
			resp = append(resp, toBookingRequestResponse(&requests[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, scheduling.ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, scheduling.ErrBusy):
		return "busy"
	case errors.Is(err, scheduling.ErrPastTime):
		return "past_time"
	case errors.Is(err, scheduling.ErrQueueEmpty):
		return "queue_empty"
	default:
		return "error"
	}
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
