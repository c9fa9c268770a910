// Command simulate hammers the booking and call-next endpoints with
// concurrent workers, then checks the database for duplicate active queue
// numbers. It exists to demonstrate the allocation invariant under load, not
// to benchmark the stack.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinichub/scheduling/internal/config"
	"github.com/clinichub/scheduling/internal/db"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	Doctors     int
	PostgresDSN string
}

type DataPool struct {
	Doctors  []uuid.UUID
	Patients []uuid.UUID
}

type Counters struct {
	Bookings  int64
	SlotTaken int64
	Busy      int64
	CallNext  int64
	Empty     int64
	Errors    int64
}

type Simulator struct {
	config   SimConfig
	pool     *DataPool
	client   *http.Client
	counters Counters
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		Doctors:     getInt("SIM_DOCTORS", 3),
		PostgresDSN: baseCfg.PostgresDSN,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	// Few doctors, many workers: maximum contention on the per doctor
	// queue-number allocation.
	log.Printf("loaded: %d doctors, %d patients, duration=%s workers=%d",
		len(dataPool.Doctors), len(dataPool.Patients), cfg.Duration, cfg.Workers)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	sim.Run()
	sim.PrintReport()

	if err := verifyNoDuplicateQueueNumbers(context.Background(), pgPool); err != nil {
		log.Fatalf("INVARIANT VIOLATED: %v", err)
	}
	log.Println("invariant holds: no duplicate active queue numbers")
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM doctors LIMIT $1`, cfg.Doctors)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Doctors = append(dp.Doctors, id)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM patients LIMIT 500`)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Patients = append(dp.Patients, id)
	}

	if len(dp.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
	}
	if len(dp.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if rng.Float64() < 0.8 {
				s.doBooking(ctx, rng)
			} else {
				s.doCallNext(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	// Slots land in a tight window a few hours out so workers routinely
	// collide on the same instant.
	at := time.Now().Add(2 * time.Hour).Truncate(time.Minute).
		Add(time.Duration(rng.Intn(120)) * time.Minute)

	reqBody := map[string]any{
		"doctor_id":    doctorID.String(),
		"patient_id":   patientID.String(),
		"scheduled_at": at.Format(time.RFC3339),
	}
	body, _ := json.Marshal(reqBody)

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+"/api/v1/appointments", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		atomic.AddInt64(&s.counters.Errors, 1)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		atomic.AddInt64(&s.counters.Bookings, 1)
	case http.StatusConflict:
		atomic.AddInt64(&s.counters.SlotTaken, 1)
	default:
		atomic.AddInt64(&s.counters.Errors, 1)
	}
}

func (s *Simulator) doCallNext(ctx context.Context, rng *rand.Rand) {
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	url := fmt.Sprintf("%s/api/v1/doctors/%s/queue/call-next", s.config.APIBaseURL, doctorID.String())
	req, _ := http.NewRequestWithContext(ctx, "POST", url, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		atomic.AddInt64(&s.counters.Errors, 1)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		atomic.AddInt64(&s.counters.CallNext, 1)
	case http.StatusNotFound:
		atomic.AddInt64(&s.counters.Empty, 1)
	case http.StatusConflict:
		atomic.AddInt64(&s.counters.Busy, 1)
	default:
		atomic.AddInt64(&s.counters.Errors, 1)
	}
}

func verifyNoDuplicateQueueNumbers(ctx context.Context, pool *pgxpool.Pool) error {
	var dupes int
	err := pool.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT doctor_id, scheduled_day, queue_number
			FROM appointments
			WHERE status <> 'cancelled' AND queue_number IS NOT NULL
			GROUP BY doctor_id, scheduled_day, queue_number
			HAVING count(*) > 1
		) d
	`).Scan(&dupes)
	if err != nil {
		return fmt.Errorf("check duplicates: %w", err)
	}
	if dupes > 0 {
		return fmt.Errorf("%d (doctor, day, queue_number) groups with duplicate active rows", dupes)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("SIMULATION REPORT")
	fmt.Printf("  bookings created:  %d\n", atomic.LoadInt64(&s.counters.Bookings))
	fmt.Printf("  slot conflicts:    %d\n", atomic.LoadInt64(&s.counters.SlotTaken))
	fmt.Printf("  busy retries:      %d\n", atomic.LoadInt64(&s.counters.Busy))
	fmt.Printf("  patients called:   %d\n", atomic.LoadInt64(&s.counters.CallNext))
	fmt.Printf("  empty queues:      %d\n", atomic.LoadInt64(&s.counters.Empty))
	fmt.Printf("  errors:            %d\n", atomic.LoadInt64(&s.counters.Errors))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
