package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded in-memory Repository with the same
// semantics as the Postgres one, including active-only uniqueness and
// allocator atomicity (a single mutex serializes every unit of work).
// It backs service and handler tests and local development without a
// database.
type MemoryRepository struct {
	mu           sync.RWMutex
	doctors      map[uuid.UUID]Doctor
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	requests     map[uuid.UUID]BookingRequest
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:      make(map[uuid.UUID]Doctor),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
		requests:     make(map[uuid.UUID]BookingRequest),
	}
}

func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	r.doctors[d.ID] = d
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	r.patients[p.ID] = p
}

func (r *MemoryRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (r *MemoryRepository) activeAtLocked(doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) bool {
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || !a.Status.Active() || a.ScheduledAt == nil {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.ScheduledAt.Equal(at) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CreateScheduled(ctx context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doctors[a.DoctorID]; !ok {
		return nil, ErrDoctorNotFound
	}
	if a.ScheduledAt != nil && r.activeAtLocked(a.DoctorID, *a.ScheduledAt, nil) {
		return nil, ErrSlotTaken
	}

	// Cancelled rows keep their numbers burned: the max runs over every row
	// of the day, so a number is never handed out twice.
	next := 1
	for _, existing := range r.appointments {
		if existing.DoctorID != a.DoctorID || existing.QueueNumber == nil {
			continue
		}
		if !sameDay(existing.ScheduledDay, a.ScheduledDay) {
			continue
		}
		if *existing.QueueNumber >= next {
			next = *existing.QueueNumber + 1
		}
	}

	stored := *a
	n := next
	stored.QueueNumber = &n
	stored.Status = StatusPending
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.appointments[stored.ID] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Appointment
	for _, a := range r.appointments {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Day != nil && !sameDay(a.ScheduledDay, f.Day) {
			continue
		}
		result = append(result, a)
	}

	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].ScheduledAt, result[j].ScheduledAt
		switch {
		case ti == nil && tj == nil:
			return result[i].CreatedAt.After(result[j].CreatedAt)
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) UpdateAppointmentSchedule(ctx context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.ScheduledAt != nil && stored.Status.Active() && r.activeAtLocked(stored.DoctorID, *a.ScheduledAt, &stored.ID) {
		return nil, ErrSlotTaken
	}

	stored.ScheduledAt = a.ScheduledAt
	stored.ScheduledDay = a.ScheduledDay
	stored.Amount = a.Amount
	stored.Notes = a.Notes
	stored.UpdatedAt = time.Now()
	r.appointments[stored.ID] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, notes *string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[id]
	if !ok || stored.Status != from {
		return nil, ErrAppointmentNotFound
	}

	stored.Status = to
	if notes != nil {
		stored.Notes = *notes
	}
	stored.UpdatedAt = time.Now()
	r.appointments[id] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appointments, id)
	return nil
}

func (r *MemoryRepository) HasActiveAt(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeAtLocked(doctorID, at, excludeID), nil
}

func (r *MemoryRepository) HasActiveWithin(ctx context.Context, doctorID uuid.UUID, at time.Time, window time.Duration, excludeID *uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.appointments {
		if a.DoctorID != doctorID || !a.Status.Active() || a.ScheduledAt == nil {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.ScheduledAt.Equal(at) {
			continue
		}
		if a.ScheduledAt.After(at.Add(-window)) && a.ScheduledAt.Before(at.Add(window)) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) pendingForDayLocked(doctorID uuid.UUID, day time.Time) []Appointment {
	var pending []Appointment
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || a.Status != StatusPending {
			continue
		}
		if !sameDay(a.ScheduledDay, &day) {
			continue
		}
		pending = append(pending, a)
	}
	sort.Slice(pending, func(i, j int) bool {
		ti, tj := pending[i].ScheduledAt, pending[j].ScheduledAt
		if ti != nil && tj != nil && !ti.Equal(*tj) {
			return ti.Before(*tj)
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

func (r *MemoryRepository) ListPendingForDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]PendingVisit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var visits []PendingVisit
	for _, a := range r.pendingForDayLocked(doctorID, day) {
		v := PendingVisit{Appointment: a}
		if p, ok := r.patients[a.PatientID]; ok {
			v.PatientName = p.Name
		}
		visits = append(visits, v)
	}
	return visits, nil
}

func (r *MemoryRepository) ListDoctorsWithPendingOn(ctx context.Context, day time.Time) ([]Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var result []Doctor
	for _, a := range r.appointments {
		if a.Status != StatusPending || seen[a.DoctorID] || !sameDay(a.ScheduledDay, &day) {
			continue
		}
		if d, ok := r.doctors[a.DoctorID]; ok {
			seen[a.DoctorID] = true
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r *MemoryRepository) CompleteNext(ctx context.Context, doctorID uuid.UUID, day time.Time, preferred *uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.doctors[doctorID]; !ok {
		return nil, ErrDoctorNotFound
	}

	var target *Appointment
	if preferred != nil {
		if a, ok := r.appointments[*preferred]; ok &&
			a.DoctorID == doctorID && a.Status == StatusPending && sameDay(a.ScheduledDay, &day) {
			target = &a
		}
	}
	if target == nil {
		pending := r.pendingForDayLocked(doctorID, day)
		if len(pending) == 0 {
			return nil, ErrQueueEmpty
		}
		target = &pending[0]
	}

	stored := r.appointments[target.ID]
	stored.Status = StatusCompleted
	stored.UpdatedAt = time.Now()
	r.appointments[stored.ID] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) CreateBookingRequest(ctx context.Context, br *BookingRequest) (*BookingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *br
	stored.Status = RequestPending
	stored.SubmittedAt = time.Now()
	r.requests[stored.ID] = stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetBookingRequestByID(ctx context.Context, id uuid.UUID) (*BookingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	br, ok := r.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return &br, nil
}

func (r *MemoryRepository) ListBookingRequests(ctx context.Context, status *RequestStatus, limit, offset int) ([]BookingRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []BookingRequest
	for _, br := range r.requests {
		if status != nil && br.Status != *status {
			continue
		}
		result = append(result, br)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})

	if limit <= 0 {
		limit = 20
	}
	if offset > len(result) {
		offset = len(result)
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) UpdateBookingRequestStatus(ctx context.Context, id uuid.UUID, from, to RequestStatus) (*BookingRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.requests[id]
	if !ok || stored.Status != from {
		return nil, ErrRequestNotFound
	}

	stored.Status = to
	r.requests[id] = stored

	out := stored
	return &out, nil
}
