package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"campwise/booking/internal/auth"
	"campwise/booking/internal/config"
	"campwise/booking/internal/model"
	"campwise/booking/internal/payments"
	"campwise/booking/internal/repository"
)

type Server struct {
	cfg       config.Config
	store     *repository.Store
	payments  *payments.Client
	redis     *redis.Client
	intentTTL time.Duration
}

func NewServer(cfg config.Config, store *repository.Store, paymentsClient *payments.Client, redisClient *redis.Client) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		payments:  paymentsClient,
		redis:     redisClient,
		intentTTL: cfg.PaymentIntentTTL,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/jwt", s.handleIssueToken)
	r.Post("/users", s.handleCreateUser)
	r.Get("/classes", s.handleListApprovedClasses)
	r.Get("/classes/popular", s.handleListPopularClasses)

	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Get("/users", s.handleListUsers)
	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Patch("/users/admin/{userId}", s.handlePromoteAdmin)
	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Patch("/users/instructor/{userId}", s.handlePromoteInstructor)
	r.With(s.authMiddleware).Get("/users/admin/{email}", s.handleCheckAdmin)
	r.With(s.authMiddleware).Get("/users/instructor/{email}", s.handleCheckInstructor)

	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Get("/all-classes", s.handleListAllClasses)
	r.With(s.authMiddleware, s.requireRole(model.RoleInstructor)).Post("/classes", s.handleCreateClass)
	r.With(s.authMiddleware, s.requireRole(model.RoleInstructor)).Get("/classes/mine", s.handleListOwnClasses)
	r.With(s.authMiddleware, s.requireRole(model.RoleInstructor)).Get("/classes/feedback/{email}", s.handleListFeedback)
	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Patch("/classes/approve/{classId}", s.handleApproveClass)
	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Patch("/classes/deny/{classId}", s.handleDenyClass)
	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Post("/classes/feedback/{classId}", s.handleSetFeedback)

	r.With(s.authMiddleware).Get("/carts", s.handleGetCart)
	r.With(s.authMiddleware).Post("/carts", s.handleAddToCart)
	r.With(s.authMiddleware).Delete("/carts/{itemId}", s.handleRemoveFromCart)

	r.With(s.authMiddleware).Post("/create-payment-intent", s.handleCreatePaymentIntent)
	r.With(s.authMiddleware).Post("/payments", s.handleCheckout)
	r.With(s.authMiddleware).Get("/payments", s.handleListPayments)

	r.With(s.authMiddleware, s.requireRole(model.RoleAdmin)).Get("/admin-stats", s.handleAdminStats)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// requireRole loads the caller's user record and compares its role.
// The token only asserts identity; roles live in the store so a
// promotion or demotion takes effect without reissuing tokens.
func (s *Server) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "missing_token")
				return
			}
			user, err := s.store.GetUserByEmail(r.Context(), claims.Email)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					writeError(w, http.StatusForbidden, "forbidden")
					return
				}
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			if user.Role != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Models

type issueTokenRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type createUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type createClassRequest struct {
	Name           string  `json:"name"`
	Image          *string `json:"image"`
	Price          float64 `json:"price"`
	AvailableSeats int32   `json:"availableSeats"`
}

type classResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Image           string  `json:"image,omitempty"`
	InstructorName  string  `json:"instructorName"`
	InstructorEmail string  `json:"instructorEmail"`
	Price           float64 `json:"price"`
	AvailableSeats  int32   `json:"availableSeats"`
	Status          string  `json:"status"`
	Feedback        string  `json:"feedback,omitempty"`
	TotalEnrolled   int32   `json:"totalEnrolled"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
}

type addToCartRequest struct {
	ClassID string `json:"classId"`
}

type cartEntryResponse struct {
	ID             string  `json:"id"`
	ClassID        string  `json:"classId"`
	ClassName      string  `json:"className"`
	Image          string  `json:"image,omitempty"`
	InstructorName string  `json:"instructorName"`
	Price          float64 `json:"price"`
	AvailableSeats int32   `json:"availableSeats"`
}

type createIntentRequest struct {
	Price float64 `json:"price"`
}

type checkoutRequest struct {
	Price       float64  `json:"price"`
	IntentID    string   `json:"intentId"`
	CartItemIDs []string `json:"cartItemIds"`
}

type checkoutResponse struct {
	PaymentID string `json:"paymentId"`
	Deleted   int64  `json:"deletedCount"`
	Enrolled  int64  `json:"enrolledCount"`
}

type paymentResponse struct {
	ID          string   `json:"id"`
	Price       float64  `json:"price"`
	IntentID    string   `json:"intentId,omitempty"`
	CartItemIDs []string `json:"cartItemIds"`
	ClassIDs    []string `json:"classIds"`
	Date        int64    `json:"date"`
}

type statsResponse struct {
	Users   int64   `json:"users"`
	Classes int64   `json:"classes"`
	Orders  int64   `json:"orders"`
	Revenue float64 `json:"revenue"`
}

// Token and user handlers

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.Claims{
		Email: email,
		Name:  strings.TrimSpace(req.Name),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := normalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}

	if _, err := s.store.GetUserByEmail(r.Context(), email); err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": "already exists"})
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	user := model.User{
		ID:    uuid.NewString(),
		Email: email,
		Name:  strings.TrimSpace(req.Name),
		Role:  model.RoleStudent,
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if isUniqueViolation(err) {
			writeJSON(w, http.StatusOK, map[string]string{"message": "already exists"})
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:    user.ID,
		Email: user.Email,
		Name:  user.Name,
		Role:  user.Role,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]userResponse, 0, len(users))
	for _, user := range users {
		resp = append(resp, mapUser(user))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePromoteAdmin(w http.ResponseWriter, r *http.Request) {
	s.promoteUser(w, r, model.RoleAdmin)
}

func (s *Server) handlePromoteInstructor(w http.ResponseWriter, r *http.Request) {
	s.promoteUser(w, r, model.RoleInstructor)
}

func (s *Server) promoteUser(w http.ResponseWriter, r *http.Request, role string) {
	userID := chi.URLParam(r, "userId")
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user_id")
		return
	}
	rows, err := s.store.UpdateUserRole(r.Context(), userID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if rows == 0 {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckAdmin(w http.ResponseWriter, r *http.Request) {
	s.checkRole(w, r, model.RoleAdmin, "admin")
}

func (s *Server) handleCheckInstructor(w http.ResponseWriter, r *http.Request) {
	s.checkRole(w, r, model.RoleInstructor, "instructor")
}

// checkRole answers "does this email hold that role". Callers may only
// probe their own email.
func (s *Server) checkRole(w http.ResponseWriter, r *http.Request, role, field string) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	email := normalizeEmail(chi.URLParam(r, "email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	if email != claims.Email {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeJSON(w, http.StatusOK, map[string]bool{field: false})
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{field: user.Role == role})
}

// Class handlers

func (s *Server) handleListApprovedClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.store.ListApprovedClasses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapClasses(classes))
}

func (s *Server) handleListPopularClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.store.ListPopularClasses(r.Context(), parseLimit(r, 6))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapClasses(classes))
}

func (s *Server) handleListAllClasses(w http.ResponseWriter, r *http.Request) {
	classes, err := s.store.ListAllClasses(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapClasses(classes))
}

func (s *Server) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req createClassRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing_name")
		return
	}
	if req.AvailableSeats < 0 || req.Price < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	// Listings always enter the catalog pending, attributed to the
	// caller. The request cannot claim another instructor or skip the
	// approval queue.
	class := model.Class{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(req.Name),
		ImageURL:        req.Image,
		InstructorName:  claims.Name,
		InstructorEmail: claims.Email,
		Price:           req.Price,
		AvailableSeats:  req.AvailableSeats,
		Status:          model.ClassStatusPending,
	}
	if err := s.store.CreateClass(r.Context(), class); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, mapClass(class))
}

func (s *Server) handleListOwnClasses(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	classes, err := s.store.ListClassesByInstructor(r.Context(), claims.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapClasses(classes))
}

func (s *Server) handleListFeedback(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	email := normalizeEmail(chi.URLParam(r, "email"))
	if email != claims.Email {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	classes, err := s.store.ListClassesWithFeedback(r.Context(), email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	type feedbackEntry struct {
		ClassID  string `json:"classId"`
		Name     string `json:"name"`
		Status   string `json:"status"`
		Feedback string `json:"feedback"`
	}
	resp := make([]feedbackEntry, 0, len(classes))
	for _, class := range classes {
		entry := feedbackEntry{ClassID: class.ID, Name: class.Name, Status: class.Status}
		if class.Feedback != nil {
			entry.Feedback = *class.Feedback
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApproveClass(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classId")
	if _, err := uuid.Parse(classID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}
	class, err := s.store.GetClass(r.Context(), classID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "class_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if class.Status != model.ClassStatusPending {
		writeError(w, http.StatusConflict, "not_pending")
		return
	}
	rows, err := s.store.ApproveClass(r.Context(), classID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if rows == 0 {
		writeError(w, http.StatusConflict, "not_pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDenyClass(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classId")
	if _, err := uuid.Parse(classID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	feedback := strings.TrimSpace(req.Feedback)
	if feedback == "" {
		writeError(w, http.StatusBadRequest, "missing_feedback")
		return
	}
	class, err := s.store.GetClass(r.Context(), classID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "class_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if class.Status != model.ClassStatusPending {
		writeError(w, http.StatusConflict, "not_pending")
		return
	}
	rows, err := s.store.DenyClass(r.Context(), classID, feedback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if rows == 0 {
		writeError(w, http.StatusConflict, "not_pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetFeedback(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classId")
	if _, err := uuid.Parse(classID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	feedback := strings.TrimSpace(req.Feedback)
	if feedback == "" {
		writeError(w, http.StatusBadRequest, "missing_feedback")
		return
	}
	rows, err := s.store.SetClassFeedback(r.Context(), classID, feedback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if rows == 0 {
		writeError(w, http.StatusNotFound, "class_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cart handlers

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	entries, err := s.store.ListCartByOwner(r.Context(), claims.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]cartEntryResponse, 0, len(entries))
	for _, entry := range entries {
		item := cartEntryResponse{
			ID:             entry.ID,
			ClassID:        entry.ClassID,
			ClassName:      entry.ClassName,
			InstructorName: entry.InstructorName,
			Price:          entry.Price,
			AvailableSeats: entry.AvailableSeats,
		}
		if entry.ClassImageURL != nil {
			item.Image = *entry.ClassImageURL
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req addToCartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if _, err := uuid.Parse(req.ClassID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_class_id")
		return
	}
	if _, err := s.store.GetClass(r.Context(), req.ClassID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "class_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	item := model.CartItem{
		ID:         uuid.NewString(),
		OwnerEmail: claims.Email,
		ClassID:    req.ClassID,
	}
	if err := s.store.AddCartItem(r.Context(), item); err != nil {
		if isUniqueViolation(err) {
			writeError(w, http.StatusConflict, "already_in_cart")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      item.ID,
		"classId": item.ClassID,
	})
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	itemID := chi.URLParam(r, "itemId")
	if _, err := uuid.Parse(itemID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_item_id")
		return
	}
	rows, err := s.store.DeleteCartItem(r.Context(), itemID, claims.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if rows == 0 {
		writeError(w, http.StatusNotFound, "item_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Payment handlers

func (s *Server) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req createIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	amountCents := centsFromPrice(req.Price)
	if amountCents <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_price")
		return
	}
	if s.payments == nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	intent, err := s.payments.CreateIntent(r.Context(), amountCents, "usd")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "payment_provider_error")
		return
	}
	if err := s.storePaymentIntent(r.Context(), intent.ID, paymentIntentRecord{
		OwnerEmail:  claims.Email,
		AmountCents: amountCents,
		CreatedAt:   time.Now().UTC().Unix(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"intentId":     intent.ID,
		"clientSecret": intent.ClientSecret,
	})
}

// handleCheckout converts cart items into a ledger entry plus seat
// decrements. The payment row is inserted before any seat or cart
// mutation and is never rolled back: by the time this endpoint runs
// the provider has already captured the money. Seat decrements and the
// cart clear are best effort per item; sold-out or vanished classes
// are skipped without surfacing an error.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.CartItemIDs) == 0 {
		writeError(w, http.StatusBadRequest, "missing_cart_items")
		return
	}
	for _, itemID := range req.CartItemIDs {
		if _, err := uuid.Parse(itemID); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_cart_item_id")
			return
		}
	}
	if req.Price <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_price")
		return
	}

	if req.IntentID != "" {
		record, ok, err := s.consumePaymentIntent(r.Context(), req.IntentID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		// A missing record is tolerated: the cache may have expired or
		// redis may be down, and the charge has already happened. A
		// record bound to someone else is not.
		if ok && record.OwnerEmail != claims.Email {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	// The ledger entry is written before anything else can fail: the
	// money is already captured, so this row must exist even when the
	// seat and cart work below goes wrong. class_ids starts empty and
	// is filled in once the items have been resolved.
	payment := model.Payment{
		ID:          uuid.NewString(),
		OwnerEmail:  claims.Email,
		Price:       req.Price,
		IntentID:    req.IntentID,
		CartItemIDs: req.CartItemIDs,
		ClassIDs:    []string{},
	}
	if err := s.store.CreatePayment(r.Context(), payment); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	var enrolled, deleted int64
	err := s.store.WithTx(r.Context(), func(tx *repository.Store) error {
		enrolled, deleted = 0, 0
		// Unknown ids and foreign items count as nothing to enroll,
		// not as failures.
		classIDs := make([]string, 0, len(req.CartItemIDs))
		for _, itemID := range req.CartItemIDs {
			item, err := tx.GetCartItem(r.Context(), itemID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return err
			}
			if item.OwnerEmail != claims.Email {
				continue
			}
			classIDs = append(classIDs, item.ClassID)
			took, err := tx.DecrementSeat(r.Context(), item.ClassID)
			if err != nil {
				return err
			}
			if took {
				enrolled++
			}
		}
		var err error
		deleted, err = tx.DeleteCartItems(r.Context(), req.CartItemIDs, claims.Email)
		if err != nil {
			return err
		}
		return tx.SetPaymentClassIDs(r.Context(), payment.ID, classIDs)
	})
	if err != nil {
		// The ledger entry above survives; only the seat and cart
		// effects were rolled back.
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, checkoutResponse{
		PaymentID: payment.ID,
		Deleted:   deleted,
		Enrolled:  enrolled,
	})
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	paymentsList, err := s.store.ListPaymentsByOwner(r.Context(), claims.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]paymentResponse, 0, len(paymentsList))
	for _, payment := range paymentsList {
		resp = append(resp, paymentResponse{
			ID:          payment.ID,
			Price:       payment.Price,
			IntentID:    payment.IntentID,
			CartItemIDs: payment.CartItemIDs,
			ClassIDs:    payment.ClassIDs,
			Date:        payment.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Users:   stats.Users,
		Classes: stats.Classes,
		Orders:  stats.Orders,
		Revenue: stats.Revenue,
	})
}

// Payment intent cache

type paymentIntentRecord struct {
	OwnerEmail  string `json:"owner_email"`
	AmountCents int64  `json:"amount_cents"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *Server) storePaymentIntent(ctx context.Context, intentID string, record paymentIntentRecord) error {
	if s.redis == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, paymentIntentKey(intentID), data, s.intentTTL).Err()
}

func (s *Server) consumePaymentIntent(ctx context.Context, intentID string) (paymentIntentRecord, bool, error) {
	if s.redis == nil {
		return paymentIntentRecord{}, false, nil
	}
	value, err := s.redis.GetDel(ctx, paymentIntentKey(intentID)).Result()
	if err == redis.Nil {
		return paymentIntentRecord{}, false, nil
	}
	if err != nil {
		return paymentIntentRecord{}, false, err
	}
	var record paymentIntentRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return paymentIntentRecord{}, false, err
	}
	return record, true, nil
}

func paymentIntentKey(intentID string) string {
	return fmt.Sprintf("payment_intent:%s", intentID)
}

// Mapping helpers

func mapUser(user model.User) userResponse {
	return userResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Unix(),
	}
}

func mapClass(class model.Class) classResponse {
	resp := classResponse{
		ID:              class.ID,
		Name:            class.Name,
		InstructorName:  class.InstructorName,
		InstructorEmail: class.InstructorEmail,
		Price:           class.Price,
		AvailableSeats:  class.AvailableSeats,
		Status:          class.Status,
		TotalEnrolled:   class.TotalEnrolled,
	}
	if class.ImageURL != nil {
		resp.Image = *class.ImageURL
	}
	if class.Feedback != nil {
		resp.Feedback = *class.Feedback
	}
	return resp
}

func mapClasses(classes []model.Class) []classResponse {
	resp := make([]classResponse, 0, len(classes))
	for _, class := range classes {
		resp = append(resp, mapClass(class))
	}
	return resp
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func centsFromPrice(price float64) int64 {
	return int64(math.Round(price * 100))
}

func parseLimit(r *http.Request, fallback int32) int32 {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 32); err == nil && parsed > 0 {
			return int32(parsed)
		}
	}
	return fallback
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
