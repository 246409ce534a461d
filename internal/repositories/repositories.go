package repositories

import (
	"context"
	"errors"
	"time"

	"lawlibrary/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a unique constraint,
	// including the partial indexes on active checkouts and reservations.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflictingState is returned when a guarded update matched no row
	// because the row no longer satisfies the guard.
	ErrConflictingState = errors.New("row state changed concurrently")
)

// Store groups the repositories and opens units of work. Repositories obtained
// from the Store passed to fn share fn's transaction.
type Store interface {
	Users() UserRepository
	Books() BookRepository
	Checkouts() CheckoutRepository
	Reservations() ReservationRepository
	Ledger() LedgerRepository

	Transaction(ctx context.Context, fn func(tx Store) error) error
}

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uint) (*models.User, error)
}

type BookRepository interface {
	Create(ctx context.Context, book *models.Book) error
	List(ctx context.Context, availableOnly bool) ([]models.Book, error)
	GetByID(ctx context.Context, id uint) (*models.Book, error)
	// GetByIDForUpdate locks the book row until the surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id uint) (*models.Book, error)
	// AdjustAvailableCopies adds delta to available_copies only if the result
	// stays within [0, total_copies]; otherwise it returns ErrConflictingState.
	AdjustAvailableCopies(ctx context.Context, id uint, delta int) error
	// Update writes the descriptive fields and both copy counters of a book.
	Update(ctx context.Context, book *models.Book) error
	// ListAwaitingNotification returns books with free copies and at least one
	// active, not yet notified reservation.
	ListAwaitingNotification(ctx context.Context) ([]models.Book, error)
}

type CheckoutRepository interface {
	Create(ctx context.Context, checkout *models.BookCheckout) error
	GetByID(ctx context.Context, id uint) (*models.BookCheckout, error)
	GetByIDForUpdate(ctx context.Context, id uint) (*models.BookCheckout, error)
	HasActive(ctx context.Context, userID, bookID uint) (bool, error)
	// MarkReturned only touches rows that are not yet returned.
	MarkReturned(ctx context.Context, id uint, returnedAt time.Time, fine models.Money) error
	// UpdateFine only touches rows that are not yet returned.
	UpdateFine(ctx context.Context, id uint, fine models.Money) error
	ListByUser(ctx context.Context, userID uint) ([]models.BookCheckout, error)
	ListOverdue(ctx context.Context, now time.Time) ([]models.BookCheckout, error)
	ListOverdueByUser(ctx context.Context, userID uint, now time.Time) ([]models.BookCheckout, error)
}

type ReservationRepository interface {
	Create(ctx context.Context, reservation *models.Reservation) error
	GetByIDForUpdate(ctx context.Context, id uint) (*models.Reservation, error)
	HasActive(ctx context.Context, userID, bookID uint) (bool, error)
	DeactivateActive(ctx context.Context, userID, bookID uint) (int64, error)
	Deactivate(ctx context.Context, id uint) error
	ListActiveByUser(ctx context.Context, userID uint) ([]models.Reservation, error)
	// NextPending returns the oldest active, un-notified reservation for the
	// book, skipping rows locked by other transactions.
	NextPending(ctx context.Context, bookID uint) (*models.Reservation, error)
	MarkNotified(ctx context.Context, id uint) error
	// CountNotified counts active reservations of the book whose holder has
	// been notified but has not checked the book out yet.
	CountNotified(ctx context.Context, bookID uint) (int64, error)
	// HasNotified reports whether the user holds an active, notified
	// reservation for the book.
	HasNotified(ctx context.Context, userID, bookID uint) (bool, error)
}

// LedgerRepository is append-only: rows are never updated or deleted.
type LedgerRepository interface {
	Append(ctx context.Context, entry *models.Transaction) error
	ListByUser(ctx context.Context, userID uint) ([]models.Transaction, error)
}
