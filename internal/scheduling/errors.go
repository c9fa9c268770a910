package scheduling

import (
	"errors"

	"github.com/clinichub/scheduling/internal/clock"
)

// ErrPastTime aliases the clock sentinel so callers can match either package.
var ErrPastTime = clock.ErrPastTime

var (
	ErrSlotTaken              = errors.New("time slot already booked for this doctor")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrCannotConfirmCancelled = errors.New("cannot confirm a cancelled appointment")
	ErrQueueEmpty             = errors.New("no pending appointments in queue")
	ErrBusy                   = errors.New("doctor queue is busy, retry shortly")
	ErrPatientNotResolved     = errors.New("booking request has no resolved patient")

	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrRequestNotFound     = errors.New("booking request not found")
)
