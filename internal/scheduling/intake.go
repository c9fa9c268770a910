package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SubmitRequestParams struct {
	FullName    string
	ContactInfo string
	DoctorID    uuid.UUID
	RequestedAt time.Time
	DateOfBirth *time.Time
	PatientID   *uuid.UUID // present when the requester is a known patient
}

// SubmitBookingRequest records public demand for a slot. It allocates no
// queue number and locks nothing: two people may request the same instant
// and the first approval wins. Only active appointments are checked for a
// clash, not other requests.
func (s *Service) SubmitBookingRequest(ctx context.Context, p SubmitRequestParams) (*BookingRequest, error) {
	fullName := strings.TrimSpace(p.FullName)
	contact := strings.TrimSpace(p.ContactInfo)
	if fullName == "" || contact == "" {
		return nil, fmt.Errorf("full name and contact info are required")
	}

	at := s.clk.ToLocalAware(p.RequestedAt)
	if err := s.clk.ValidateNotPast(at); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDoctorByID(ctx, p.DoctorID); err != nil {
		return nil, err
	}

	clash, err := s.repo.HasActiveAt(ctx, p.DoctorID, at, nil)
	if err != nil {
		return nil, fmt.Errorf("check active clash: %w", err)
	}
	if clash {
		return nil, ErrSlotTaken
	}

	br := &BookingRequest{
		ID:          uuid.New(),
		FullName:    fullName,
		ContactInfo: contact,
		DateOfBirth: p.DateOfBirth,
		DoctorID:    p.DoctorID,
		PatientID:   p.PatientID,
		RequestedAt: at,
		Status:      RequestPending,
	}

	created, err := s.repo.CreateBookingRequest(ctx, br)
	if err != nil {
		return nil, fmt.Errorf("create booking request: %w", err)
	}

	s.emit.Emit(ctx, Event{
		Kind:      EventBookingCreated,
		SubjectID: created.ID,
		Payload: map[string]any{
			"full_name":    created.FullName,
			"doctor_id":    created.DoctorID.String(),
			"requested_at": created.RequestedAt,
		},
	})

	return created, nil
}

// ApproveBookingRequest promotes a pending request into a real appointment,
// re-running the full validator and allocator. Patient resolution is an
// external concern: the operator either linked a patient on the request or
// supplies one here. When the slot was taken since submission the approval
// fails with ErrSlotTaken and the request stays PENDING for manual
// resolution; no auto-retry, no silent reassignment.
func (s *Service) ApproveBookingRequest(ctx context.Context, id uuid.UUID, patientID *uuid.UUID) (*Appointment, error) {
	br, err := s.repo.GetBookingRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if br.Status != RequestPending {
		return nil, ErrInvalidTransition
	}

	resolved := patientID
	if resolved == nil {
		resolved = br.PatientID
	}
	if resolved == nil {
		return nil, ErrPatientNotResolved
	}

	appt, err := s.Book(ctx, BookParams{
		DoctorID:    br.DoctorID,
		PatientID:   *resolved,
		ScheduledAt: br.RequestedAt,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.UpdateBookingRequestStatus(ctx, id, RequestPending, RequestConfirmed); err != nil {
		// The appointment exists either way; a raced double-approve only
		// loses the status flip, which the operator can see and fix.
		if !errors.Is(err, ErrRequestNotFound) {
			s.log.Warn().Err(err).Str("request_id", id.String()).Msg("confirm booking request")
		}
	}

	return appt, nil
}

// RejectBookingRequest is terminal; no appointment is created.
func (s *Service) RejectBookingRequest(ctx context.Context, id uuid.UUID) (*BookingRequest, error) {
	br, err := s.repo.GetBookingRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if br.Status != RequestPending {
		return nil, ErrInvalidTransition
	}

	rejected, err := s.repo.UpdateBookingRequestStatus(ctx, id, RequestPending, RequestRejected)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	return rejected, nil
}

func (s *Service) GetBookingRequest(ctx context.Context, id uuid.UUID) (*BookingRequest, error) {
	return s.repo.GetBookingRequestByID(ctx, id)
}

func (s *Service) ListBookingRequests(ctx context.Context, status *RequestStatus, limit, offset int) ([]BookingRequest, error) {
	return s.repo.ListBookingRequests(ctx, status, limit, offset)
}
