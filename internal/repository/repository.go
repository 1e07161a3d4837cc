package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"campwise/booking/internal/model"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db   DBTX
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn against a store bound to a single transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(&Store{db: tx, pool: s.pool}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Users

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, email, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, user.ID, user.Email, user.Name, user.Role, time.Now().UTC())
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	var user model.User
	row := s.db.QueryRow(ctx, `
		SELECT id, email, name, role, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email)
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, email, name, role, created_at, updated_at
		FROM users
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var user model.User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserRole(ctx context.Context, userID, role string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET role = $1, updated_at = $2
		WHERE id = $3
	`, role, time.Now().UTC(), userID)
	return tag.RowsAffected(), err
}

// Classes

func (s *Store) CreateClass(ctx context.Context, class model.Class) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO classes (id, name, image_url, instructor_name, instructor_email, price, available_seats, status, feedback, total_enrolled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, 0, $9, $9)
	`, class.ID, class.Name, class.ImageURL, class.InstructorName, class.InstructorEmail, class.Price, class.AvailableSeats, class.Status, time.Now().UTC())
	return err
}

const classColumns = `id, name, image_url, instructor_name, instructor_email, price, available_seats, status, feedback, total_enrolled, created_at, updated_at`

func scanClass(row pgx.Row) (model.Class, error) {
	var class model.Class
	err := row.Scan(
		&class.ID,
		&class.Name,
		&class.ImageURL,
		&class.InstructorName,
		&class.InstructorEmail,
		&class.Price,
		&class.AvailableSeats,
		&class.Status,
		&class.Feedback,
		&class.TotalEnrolled,
		&class.CreatedAt,
		&class.UpdatedAt,
	)
	return class, err
}

func (s *Store) GetClass(ctx context.Context, classID string) (model.Class, error) {
	row := s.db.QueryRow(ctx, `SELECT `+classColumns+` FROM classes WHERE id = $1`, classID)
	return scanClass(row)
}

func (s *Store) listClasses(ctx context.Context, query string, args ...any) ([]model.Class, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	classes := []model.Class{}
	for rows.Next() {
		class, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		classes = append(classes, class)
	}
	return classes, rows.Err()
}

func (s *Store) ListApprovedClasses(ctx context.Context) ([]model.Class, error) {
	return s.listClasses(ctx, `
		SELECT `+classColumns+` FROM classes
		WHERE status = 'approved'
		ORDER BY created_at DESC
	`)
}

func (s *Store) ListAllClasses(ctx context.Context) ([]model.Class, error) {
	return s.listClasses(ctx, `SELECT `+classColumns+` FROM classes ORDER BY created_at DESC`)
}

func (s *Store) ListClassesByInstructor(ctx context.Context, email string) ([]model.Class, error) {
	return s.listClasses(ctx, `
		SELECT `+classColumns+` FROM classes
		WHERE instructor_email = $1
		ORDER BY created_at DESC
	`, email)
}

func (s *Store) ListPopularClasses(ctx context.Context, limit int32) ([]model.Class, error) {
	return s.listClasses(ctx, `
		SELECT `+classColumns+` FROM classes
		WHERE status = 'approved'
		ORDER BY total_enrolled DESC, created_at DESC
		LIMIT $1
	`, limit)
}

// ApproveClass transitions pending -> approved. Feedback is left as is.
func (s *Store) ApproveClass(ctx context.Context, classID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE classes
		SET status = 'approved', updated_at = $1
		WHERE id = $2 AND status = 'pending'
	`, time.Now().UTC(), classID)
	return tag.RowsAffected(), err
}

// DenyClass transitions pending -> denied and records the feedback.
func (s *Store) DenyClass(ctx context.Context, classID, feedback string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE classes
		SET status = 'denied', feedback = $1, updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`, feedback, time.Now().UTC(), classID)
	return tag.RowsAffected(), err
}

// SetClassFeedback replaces the feedback text regardless of status.
func (s *Store) SetClassFeedback(ctx context.Context, classID, feedback string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE classes
		SET feedback = $1, updated_at = $2
		WHERE id = $3
	`, feedback, time.Now().UTC(), classID)
	return tag.RowsAffected(), err
}

func (s *Store) ListClassesWithFeedback(ctx context.Context, email string) ([]model.Class, error) {
	return s.listClasses(ctx, `
		SELECT `+classColumns+` FROM classes
		WHERE instructor_email = $1 AND feedback IS NOT NULL
		ORDER BY updated_at DESC
	`, email)
}

// DecrementSeat takes one seat from the class if any remain. Returns
// false when the class is unknown or sold out; never drives the seat
// count below zero.
func (s *Store) DecrementSeat(ctx context.Context, classID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE classes
		SET available_seats = available_seats - 1, total_enrolled = total_enrolled + 1, updated_at = $1
		WHERE id = $2 AND available_seats > 0
	`, time.Now().UTC(), classID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Cart

func (s *Store) AddCartItem(ctx context.Context, item model.CartItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cart_items (id, owner_email, class_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.OwnerEmail, item.ClassID, time.Now().UTC())
	return err
}

func (s *Store) GetCartItem(ctx context.Context, itemID string) (model.CartItem, error) {
	var item model.CartItem
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_email, class_id, created_at
		FROM cart_items
		WHERE id = $1
	`, itemID)
	err := row.Scan(&item.ID, &item.OwnerEmail, &item.ClassID, &item.CreatedAt)
	return item, err
}

func (s *Store) ListCartByOwner(ctx context.Context, email string) ([]model.CartEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ci.id, ci.owner_email, ci.class_id, ci.created_at,
		       c.name, c.image_url, c.instructor_name, c.price, c.available_seats
		FROM cart_items ci
		JOIN classes c ON c.id = ci.class_id
		WHERE ci.owner_email = $1
		ORDER BY ci.created_at DESC
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.CartEntry{}
	for rows.Next() {
		var entry model.CartEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.OwnerEmail,
			&entry.ClassID,
			&entry.CreatedAt,
			&entry.ClassName,
			&entry.ClassImageURL,
			&entry.InstructorName,
			&entry.Price,
			&entry.AvailableSeats,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) DeleteCartItem(ctx context.Context, itemID, ownerEmail string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM cart_items
		WHERE id = $1 AND owner_email = $2
	`, itemID, ownerEmail)
	return tag.RowsAffected(), err
}

func (s *Store) DeleteCartItems(ctx context.Context, itemIDs []string, ownerEmail string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM cart_items
		WHERE id = ANY($1) AND owner_email = $2
	`, itemIDs, ownerEmail)
	return tag.RowsAffected(), err
}

func (s *Store) DeleteCartItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM cart_items WHERE created_at < $1`, cutoff)
	return tag.RowsAffected(), err
}

// Payments

func (s *Store) CreatePayment(ctx context.Context, payment model.Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, owner_email, price, intent_id, cart_item_ids, class_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, payment.ID, payment.OwnerEmail, payment.Price, payment.IntentID, payment.CartItemIDs, payment.ClassIDs, time.Now().UTC())
	return err
}

func (s *Store) SetPaymentClassIDs(ctx context.Context, paymentID string, classIDs []string) error {
	_, err := s.db.Exec(ctx, `UPDATE payments SET class_ids = $1 WHERE id = $2`, classIDs, paymentID)
	return err
}

func (s *Store) ListPaymentsByOwner(ctx context.Context, email string) ([]model.Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_email, price, intent_id, cart_item_ids, class_ids, created_at
		FROM payments
		WHERE owner_email = $1
		ORDER BY created_at DESC
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []model.Payment{}
	for rows.Next() {
		var payment model.Payment
		if err := rows.Scan(
			&payment.ID,
			&payment.OwnerEmail,
			&payment.Price,
			&payment.IntentID,
			&payment.CartItemIDs,
			&payment.ClassIDs,
			&payment.CreatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}

// Stats

func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats
	row := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM classes),
			(SELECT COUNT(*) FROM payments),
			(SELECT COALESCE(SUM(price), 0) FROM payments)
	`)
	err := row.Scan(&stats.Users, &stats.Classes, &stats.Orders, &stats.Revenue)
	return stats, err
}
