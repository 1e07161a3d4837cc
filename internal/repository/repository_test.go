package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"campwise/booking/internal/db"
	"campwise/booking/internal/model"
)

func TestDecrementSeatStopsAtZero(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	ctx := context.Background()
	store := NewStore(pool)

	class := model.Class{
		ID:              uuid.NewString(),
		Name:            "Orienteering",
		InstructorEmail: "instructor@example.local",
		Price:           15,
		AvailableSeats:  1,
		Status:          model.ClassStatusPending,
	}
	if err := store.CreateClass(ctx, class); err != nil {
		t.Fatalf("create class: %v", err)
	}

	took, err := store.DecrementSeat(ctx, class.ID)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !took {
		t.Fatalf("expected first decrement to take a seat")
	}

	took, err = store.DecrementSeat(ctx, class.ID)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if took {
		t.Fatalf("expected sold-out class to refuse the decrement")
	}

	got, err := store.GetClass(ctx, class.ID)
	if err != nil {
		t.Fatalf("get class: %v", err)
	}
	if got.AvailableSeats != 0 {
		t.Fatalf("expected 0 seats, got %d", got.AvailableSeats)
	}
	if got.TotalEnrolled != 1 {
		t.Fatalf("expected 1 enrollment, got %d", got.TotalEnrolled)
	}

	// Unknown classes are a no-op too.
	took, err = store.DecrementSeat(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if took {
		t.Fatalf("expected unknown class to refuse the decrement")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	ctx := context.Background()
	store := NewStore(pool)

	class := model.Class{
		ID:              uuid.NewString(),
		Name:            "Sailing",
		InstructorEmail: "instructor@example.local",
		Price:           50,
		AvailableSeats:  3,
		Status:          model.ClassStatusApproved,
	}
	if err := store.CreateClass(ctx, class); err != nil {
		t.Fatalf("create class: %v", err)
	}

	sentinel := context.Canceled
	err := store.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.DecrementSeat(ctx, class.ID); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	got, err := store.GetClass(ctx, class.ID)
	if err != nil {
		t.Fatalf("get class: %v", err)
	}
	if got.AvailableSeats != 3 {
		t.Fatalf("expected rollback to restore seats, got %d", got.AvailableSeats)
	}
}

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("BOOKING_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("BOOKING_TEST_DB or DATABASE_URL not set")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.NewPool(ctx, url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate error: %v", err)
	}
	return pool
}
