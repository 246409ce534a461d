package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lawlibrary/internal/logger"
	"lawlibrary/internal/models"
	"lawlibrary/internal/repositories"
)

// AvailabilityHook is told about a returned book once the return has
// committed. Implementations must not block.
type AvailabilityHook interface {
	BookReturned(bookID uint)
}

// ─── Service Interface ────────────────────────────────────────────────────────

// LendingService enforces the checkout, return and reservation transitions. It
// moves Book.available_copies on every loan and return; CatalogService only
// rescales it when total_copies is edited.
type LendingService interface {
	Checkout(ctx context.Context, userID, bookID uint) (*models.BookCheckout, error)
	Return(ctx context.Context, userID, checkoutID uint) (*models.BookCheckout, error)
	Reserve(ctx context.Context, userID, bookID uint) (*models.Reservation, error)
	CancelReservation(ctx context.Context, userID, reservationID uint) (*models.Reservation, error)

	ListCheckouts(ctx context.Context, userID uint) ([]models.BookCheckout, error)
	ListOverdue(ctx context.Context, userID uint) ([]models.BookCheckout, error)
	ListReservations(ctx context.Context, userID uint) ([]models.Reservation, error)
	ListTransactions(ctx context.Context, userID uint) ([]models.Transaction, error)
}

type LendingConfig struct {
	LoanPeriodDays int
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// ─── Implementation ───────────────────────────────────────────────────────────

type lendingService struct {
	store          repositories.Store
	fines          FineCalculator
	hook           AvailabilityHook
	log            *logger.Logger
	loanPeriodDays int
	now            func() time.Time
}

// NewLendingService wires up all dependencies and returns a LendingService.
// hook may be nil.
func NewLendingService(
	store repositories.Store,
	fines FineCalculator,
	hook AvailabilityHook,
	log *logger.Logger,
	cfg LendingConfig,
) LendingService {
	if cfg.LoanPeriodDays <= 0 {
		cfg.LoanPeriodDays = DefaultLoanPeriodDays
	}
	if cfg.Now == nil {
		cfg.Now = utcNow
	}
	return &lendingService{
		store:          store,
		fines:          fines,
		hook:           hook,
		log:            log.With("component", "lending"),
		loanPeriodDays: cfg.LoanPeriodDays,
		now:            cfg.Now,
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// ─── Checkout ─────────────────────────────────────────────────────────────────

// Checkout lends one copy of the book to the user.
//
// Within one transaction: the book row is locked (SELECT … FOR UPDATE), its
// counter and the user's active checkouts are checked, copies held for other
// notified reservers are excluded, the checkout row is
// inserted, the counter is decremented, a ledger entry is appended and any
// active reservation the user held for the book is closed.
func (s *lendingService) Checkout(ctx context.Context, userID, bookID uint) (*models.BookCheckout, error) {
	if bookID == 0 {
		return nil, ErrInvalidID
	}

	var result *models.BookCheckout
	err := s.store.Transaction(ctx, func(tx repositories.Store) error {
		book, err := tx.Books().GetByIDForUpdate(ctx, bookID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrBookNotFound
			}
			return fmt.Errorf("lock book %d: %w", bookID, err)
		}

		if book.AvailableCopies <= 0 {
			return ErrNoCopiesAvailable
		}

		active, err := tx.Checkouts().HasActive(ctx, userID, bookID)
		if err != nil {
			return fmt.Errorf("check active checkout: %w", err)
		}
		if active {
			return ErrAlreadyCheckedOut
		}

		// Copies promised to notified reservers are off limits to everyone else.
		held, err := tx.Reservations().CountNotified(ctx, bookID)
		if err != nil {
			return fmt.Errorf("count held copies: %w", err)
		}
		if held > 0 {
			own, err := tx.Reservations().HasNotified(ctx, userID, bookID)
			if err != nil {
				return fmt.Errorf("check held copy: %w", err)
			}
			if own {
				held--
			}
		}
		if int64(book.AvailableCopies) <= held {
			return ErrCopiesOnHold
		}

		now := s.now()
		checkout := &models.BookCheckout{
			UserID:       userID,
			BookID:       bookID,
			CheckoutDate: now,
			DueDate:      now.AddDate(0, 0, s.loanPeriodDays),
			FineAmount:   models.NewMoney(decimal.Zero),
		}
		if err := tx.Checkouts().Create(ctx, checkout); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrAlreadyCheckedOut
			}
			return fmt.Errorf("create checkout: %w", err)
		}

		if err := tx.Books().AdjustAvailableCopies(ctx, bookID, -1); err != nil {
			if errors.Is(err, repositories.ErrConflictingState) {
				return ErrNoCopiesAvailable
			}
			return fmt.Errorf("decrement available copies: %w", err)
		}

		if err := s.appendLedger(ctx, tx, userID, book, models.TransactionTypeCheckout, "Book checked out: "); err != nil {
			return err
		}

		closed, err := tx.Reservations().DeactivateActive(ctx, userID, bookID)
		if err != nil {
			return fmt.Errorf("close reservation: %w", err)
		}
		if closed > 0 {
			s.log.Info("reservation fulfilled by checkout", "user_id", userID, "book_id", bookID)
		}

		result = checkout
		return nil
	})
	if err != nil {
		s.logFailure("checkout failed", err, "user_id", userID, "book_id", bookID)
		return nil, err
	}

	s.fines.Annotate(result, s.now())
	s.log.Info("checkout created",
		"checkout_id", result.ID,
		"user_id", userID,
		"book_id", bookID,
		"due_date", result.DueDate.Format(time.RFC3339),
	)
	return result, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// Return closes a checkout.
//
// Steps (all in one transaction):
//  1. Lock the checkout row, then the book row.
//  2. Reject foreign or already returned checkouts.
//  3. Compute the final fine at now.
//  4. Mark the checkout returned and increment the book's counter.
//  5. Append a ledger entry.
//
// The availability hook runs after commit; its outcome never affects the result.
func (s *lendingService) Return(ctx context.Context, userID, checkoutID uint) (*models.BookCheckout, error) {
	if checkoutID == 0 {
		return nil, ErrInvalidID
	}

	var result *models.BookCheckout
	err := s.store.Transaction(ctx, func(tx repositories.Store) error {
		checkout, err := tx.Checkouts().GetByIDForUpdate(ctx, checkoutID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrCheckoutNotFound
			}
			return fmt.Errorf("lock checkout %d: %w", checkoutID, err)
		}

		if checkout.UserID != userID {
			return ErrNotCheckoutOwner
		}
		if checkout.IsReturned {
			return ErrAlreadyReturned
		}

		book, err := tx.Books().GetByIDForUpdate(ctx, checkout.BookID)
		if err != nil {
			return fmt.Errorf("lock book %d: %w", checkout.BookID, err)
		}

		now := s.now()
		assessment := s.fines.Assess(checkout.DueDate, false, now)

		if err := tx.Checkouts().MarkReturned(ctx, checkout.ID, now, assessment.Fine); err != nil {
			if errors.Is(err, repositories.ErrConflictingState) {
				return ErrAlreadyReturned
			}
			return fmt.Errorf("mark checkout returned: %w", err)
		}

		if err := tx.Books().AdjustAvailableCopies(ctx, book.ID, 1); err != nil {
			return fmt.Errorf("increment available copies for book %d: %w", book.ID, err)
		}

		if err := s.appendLedger(ctx, tx, userID, book, models.TransactionTypeReturn, "Book returned: "); err != nil {
			return err
		}

		checkout.IsReturned = true
		checkout.ReturnDate = &now
		checkout.FineAmount = assessment.Fine
		result = checkout
		return nil
	})
	if err != nil {
		s.logFailure("return failed", err, "user_id", userID, "checkout_id", checkoutID)
		return nil, err
	}

	s.fines.Annotate(result, s.now())
	s.log.Info("checkout returned",
		"checkout_id", result.ID,
		"user_id", userID,
		"book_id", result.BookID,
		"fine_amount", result.FineAmount.String(),
	)

	if s.hook != nil {
		s.hook.BookReturned(result.BookID)
	}
	return result, nil
}

// ─── Reservations ─────────────────────────────────────────────────────────────

// Reserve queues the user for a book with no free copies.
func (s *lendingService) Reserve(ctx context.Context, userID, bookID uint) (*models.Reservation, error) {
	if bookID == 0 {
		return nil, ErrInvalidID
	}

	var result *models.Reservation
	err := s.store.Transaction(ctx, func(tx repositories.Store) error {
		book, err := tx.Books().GetByIDForUpdate(ctx, bookID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrBookNotFound
			}
			return fmt.Errorf("lock book %d: %w", bookID, err)
		}

		if book.AvailableCopies > 0 {
			return ErrBookAvailable
		}

		active, err := tx.Reservations().HasActive(ctx, userID, bookID)
		if err != nil {
			return fmt.Errorf("check active reservation: %w", err)
		}
		if active {
			return ErrDuplicateReservation
		}

		reservation := &models.Reservation{
			UserID:          userID,
			BookID:          bookID,
			ReservationDate: s.now(),
			IsActive:        true,
		}
		if err := tx.Reservations().Create(ctx, reservation); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrDuplicateReservation
			}
			return fmt.Errorf("create reservation: %w", err)
		}

		if err := s.appendLedger(ctx, tx, userID, book, models.TransactionTypeReservation, "Book reserved: "); err != nil {
			return err
		}

		result = reservation
		return nil
	})
	if err != nil {
		s.logFailure("reservation failed", err, "user_id", userID, "book_id", bookID)
		return nil, err
	}

	s.log.Info("reservation created", "reservation_id", result.ID, "user_id", userID, "book_id", bookID)
	return result, nil
}

// CancelReservation deactivates one of the user's active reservations.
func (s *lendingService) CancelReservation(ctx context.Context, userID, reservationID uint) (*models.Reservation, error) {
	if reservationID == 0 {
		return nil, ErrInvalidID
	}

	var result *models.Reservation
	err := s.store.Transaction(ctx, func(tx repositories.Store) error {
		res, err := tx.Reservations().GetByIDForUpdate(ctx, reservationID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrReservationNotFound
			}
			return fmt.Errorf("lock reservation %d: %w", reservationID, err)
		}
		if res.UserID != userID {
			return ErrNotReservationOwner
		}
		if !res.IsActive {
			return ErrReservationInactive
		}
		if err := tx.Reservations().Deactivate(ctx, res.ID); err != nil {
			if errors.Is(err, repositories.ErrConflictingState) {
				return ErrReservationInactive
			}
			return fmt.Errorf("deactivate reservation: %w", err)
		}
		res.IsActive = false
		result = res
		return nil
	})
	if err != nil {
		s.logFailure("reservation cancel failed", err, "user_id", userID, "reservation_id", reservationID)
		return nil, err
	}

	s.log.Info("reservation cancelled", "reservation_id", reservationID, "user_id", userID)
	return result, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// ListCheckouts returns all checkouts (active and past) of a user.
func (s *lendingService) ListCheckouts(ctx context.Context, userID uint) ([]models.BookCheckout, error) {
	checkouts, err := s.store.Checkouts().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range checkouts {
		s.fines.Annotate(&checkouts[i], now)
	}
	return checkouts, nil
}

// ListOverdue returns the user's overdue checkouts with fines recomputed and
// persisted at the current time.
func (s *lendingService) ListOverdue(ctx context.Context, userID uint) ([]models.BookCheckout, error) {
	now := s.now()
	overdue, err := s.store.Checkouts().ListOverdueByUser(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	return refreshFines(ctx, s.store.Checkouts(), s.fines, s.log, overdue, now)
}

// ListReservations returns the user's active reservations, oldest first.
func (s *lendingService) ListReservations(ctx context.Context, userID uint) ([]models.Reservation, error) {
	return s.store.Reservations().ListActiveByUser(ctx, userID)
}

// ListTransactions returns the user's ledger entries, newest first.
func (s *lendingService) ListTransactions(ctx context.Context, userID uint) ([]models.Transaction, error) {
	return s.store.Ledger().ListByUser(ctx, userID)
}

// ─── Internal Helpers ─────────────────────────────────────────────────────────

func (s *lendingService) appendLedger(
	ctx context.Context,
	tx repositories.Store,
	userID uint,
	book *models.Book,
	kind models.TransactionType,
	notePrefix string,
) error {
	entry := &models.Transaction{
		UserID:          userID,
		BookID:          book.ID,
		TransactionType: kind,
		TransactionDate: s.now(),
		Notes:           notePrefix + book.Title,
	}
	if err := tx.Ledger().Append(ctx, entry); err != nil {
		return fmt.Errorf("append %s ledger entry: %w", kind, err)
	}
	return nil
}

// logFailure logs domain rejections at info and everything else at error.
func (s *lendingService) logFailure(msg string, err error, args ...any) {
	args = append(args, "error", err)
	if KindOf(err) == KindInternal {
		s.log.Error(msg, args...)
		return
	}
	s.log.Info(msg, args...)
}
