package model

import "time"

const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

const (
	ClassStatusPending  = "pending"
	ClassStatusApproved = "approved"
	ClassStatusDenied   = "denied"
)

type User struct {
	ID        string
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Class struct {
	ID              string
	Name            string
	ImageURL        *string
	InstructorName  string
	InstructorEmail string
	Price           float64
	AvailableSeats  int32
	Status          string
	Feedback        *string
	TotalEnrolled   int32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CartItem struct {
	ID         string
	OwnerEmail string
	ClassID    string
	CreatedAt  time.Time
}

// CartEntry is a cart item joined with a snapshot of the class it
// references, as returned to the cart owner.
type CartEntry struct {
	CartItem
	ClassName      string
	ClassImageURL  *string
	InstructorName string
	Price          float64
	AvailableSeats int32
}

type Payment struct {
	ID          string
	OwnerEmail  string
	Price       float64
	IntentID    string
	CartItemIDs []string
	ClassIDs    []string
	CreatedAt   time.Time
}

type Stats struct {
	Users   int64
	Classes int64
	Orders  int64
	Revenue float64
}
