package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinichub/scheduling/internal/scheduling"
)

type CreateAppointmentRequest struct {
	DoctorID    string `json:"doctor_id"`
	PatientID   string `json:"patient_id"`
	ScheduledAt string `json:"scheduled_at"`
	Amount      int64  `json:"amount,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type EditAppointmentRequest struct {
	ScheduledAt *string `json:"scheduled_at,omitempty"`
	Amount      *int64  `json:"amount,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CallNextRequest struct {
	AppointmentID string `json:"appointment_id,omitempty"`
}

type SubmitBookingRequest struct {
	FullName    string `json:"full_name"`
	ContactInfo string `json:"contact_info"`
	DoctorID    string `json:"doctor_id"`
	RequestedAt string `json:"requested_at"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
}

type ApproveBookingRequest struct {
	PatientID string `json:"patient_id,omitempty"`
}

type AppointmentResponse struct {
	ID           uuid.UUID  `json:"id"`
	DoctorID     uuid.UUID  `json:"doctor_id"`
	PatientID    uuid.UUID  `json:"patient_id"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	ScheduledDay string     `json:"scheduled_day,omitempty"`
	QueueNumber  *int       `json:"queue_number,omitempty"`
	Ticket       string     `json:"ticket,omitempty"`
	Amount       int64      `json:"amount"`
	Notes        string     `json:"notes,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	Warning      string     `json:"warning,omitempty"`
}

type BookingRequestResponse struct {
	ID          uuid.UUID  `json:"id"`
	FullName    string     `json:"full_name"`
	ContactInfo string     `json:"contact_info"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	DoctorID    uuid.UUID  `json:"doctor_id"`
	PatientID   *uuid.UUID `json:"patient_id,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	SubmittedAt time.Time  `json:"submitted_at"`
	Status      string     `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:          a.ID,
		DoctorID:    a.DoctorID,
		PatientID:   a.PatientID,
		ScheduledAt: a.ScheduledAt,
		QueueNumber: a.QueueNumber,
		Amount:      a.Amount,
		Notes:       a.Notes,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
	}
	if a.ScheduledDay != nil {
		resp.ScheduledDay = a.ScheduledDay.Format("2006-01-02")
	}
	if a.QueueNumber != nil {
		resp.Ticket = scheduling.TicketLabel(a.QueueNumber)
	}
	return resp
}

func toBookingRequestResponse(br *scheduling.BookingRequest) BookingRequestResponse {
	return BookingRequestResponse{
		ID:          br.ID,
		FullName:    br.FullName,
		ContactInfo: br.ContactInfo,
		DateOfBirth: br.DateOfBirth,
		DoctorID:    br.DoctorID,
		PatientID:   br.PatientID,
		RequestedAt: br.RequestedAt,
		SubmittedAt: br.SubmittedAt,
		Status:      string(br.Status),
	}
}
