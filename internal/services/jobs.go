package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lawlibrary/internal/logger"
	"lawlibrary/internal/models"
	"lawlibrary/internal/notifier"
	"lawlibrary/internal/repositories"
)

// JobService holds the batch operations: overdue fine accrual and
// reservation availability notices. Both are safe to re-run.
type JobService interface {
	CheckOverdueBooks(ctx context.Context) (int, error)
	RefreshOverdueFines(ctx context.Context) ([]models.BookCheckout, error)
	NotifyBookAvailability(ctx context.Context) (int, error)
	NotifyBookAvailabilityFor(ctx context.Context, bookID uint) (int, error)
}

// errNoFreeCopy ends a notification run once every free copy is held.
var errNoFreeCopy = errors.New("no unheld copy")

type jobService struct {
	store    repositories.Store
	fines    FineCalculator
	notifier notifier.Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewJobService returns a JobService. now may be nil.
func NewJobService(
	store repositories.Store,
	fines FineCalculator,
	n notifier.Notifier,
	log *logger.Logger,
	now func() time.Time,
) JobService {
	if now == nil {
		now = utcNow
	}
	return &jobService{
		store:    store,
		fines:    fines,
		notifier: n,
		log:      log.With("component", "jobs"),
		now:      now,
	}
}

// CheckOverdueBooks recomputes and stores the fine of every overdue checkout
// and sends an overdue notice for each. It returns the number processed.
func (j *jobService) CheckOverdueBooks(ctx context.Context) (int, error) {
	overdue, err := j.RefreshOverdueFines(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range overdue {
		j.publish(ctx, notifier.Event{
			Type:       notifier.EventCheckoutOverdue,
			UserID:     c.UserID,
			BookID:     c.BookID,
			CheckoutID: c.ID,
			FineAmount: c.FineAmount.String(),
		})
	}
	j.log.Info("overdue scan finished", "processed", len(overdue))
	return len(overdue), nil
}

// RefreshOverdueFines returns all overdue checkouts with fines updated to now.
func (j *jobService) RefreshOverdueFines(ctx context.Context) ([]models.BookCheckout, error) {
	now := j.now()
	overdue, err := j.store.Checkouts().ListOverdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list overdue checkouts: %w", err)
	}
	return refreshFines(ctx, j.store.Checkouts(), j.fines, j.log, overdue, now)
}

// NotifyBookAvailability notifies waiting reservers of every book that has a
// free copy. Reservers are served oldest reservation first, at most one per
// free copy.
func (j *jobService) NotifyBookAvailability(ctx context.Context) (int, error) {
	books, err := j.store.Books().ListAwaitingNotification(ctx)
	if err != nil {
		return 0, fmt.Errorf("list books awaiting notification: %w", err)
	}
	total := 0
	for _, b := range books {
		n, err := j.NotifyBookAvailabilityFor(ctx, b.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	j.log.Info("availability scan finished", "books", len(books), "notified", total)
	return total, nil
}

// NotifyBookAvailabilityFor notifies pending reservers of one book, oldest
// first. A notified reserver holds one free copy until they check it out or
// cancel, so at most available_copies minus outstanding notices are sent.
// Each claim locks the book row and recounts the outstanding notices, which
// serialises overlapping runs for the same book. Copy counts and checkouts are
// never modified.
func (j *jobService) NotifyBookAvailabilityFor(ctx context.Context, bookID uint) (int, error) {
	notified := 0
	for {
		var picked *models.Reservation
		err := j.store.Transaction(ctx, func(tx repositories.Store) error {
			book, err := tx.Books().GetByIDForUpdate(ctx, bookID)
			if err != nil {
				if errors.Is(err, repositories.ErrNotFound) {
					return ErrBookNotFound
				}
				return fmt.Errorf("lock book %d: %w", bookID, err)
			}
			outstanding, err := tx.Reservations().CountNotified(ctx, bookID)
			if err != nil {
				return fmt.Errorf("count notified reservations: %w", err)
			}
			if book.AvailableCopies-int(outstanding) <= 0 {
				return errNoFreeCopy
			}

			res, err := tx.Reservations().NextPending(ctx, bookID)
			if err != nil {
				return err
			}
			if err := tx.Reservations().MarkNotified(ctx, res.ID); err != nil {
				return err
			}
			res.Notified = true
			picked = res
			return nil
		})
		if errors.Is(err, errNoFreeCopy) || errors.Is(err, repositories.ErrNotFound) {
			break
		}
		if errors.Is(err, ErrBookNotFound) {
			return notified, err
		}
		if err != nil {
			return notified, fmt.Errorf("claim reservation for book %d: %w", bookID, err)
		}

		j.publish(ctx, notifier.Event{
			Type:          notifier.EventReservationAvailable,
			UserID:        picked.UserID,
			BookID:        bookID,
			ReservationID: picked.ID,
		})
		notified++
	}

	if notified > 0 {
		j.log.Info("reservers notified", "book_id", bookID, "count", notified)
	}
	return notified, nil
}

// publish is best-effort: failures are logged and dropped.
func (j *jobService) publish(ctx context.Context, ev notifier.Event) {
	if j.notifier == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = j.now()
	}
	if err := j.notifier.Notify(ctx, ev); err != nil {
		j.log.Warn("notification failed", "type", ev.Type, "book_id", ev.BookID, "user_id", ev.UserID, "error", err)
	}
}

// refreshFines recomputes and stores fines for the given unreturned checkouts.
// Rows returned concurrently are dropped from the result.
func refreshFines(
	ctx context.Context,
	repo repositories.CheckoutRepository,
	fines FineCalculator,
	log *logger.Logger,
	checkouts []models.BookCheckout,
	now time.Time,
) ([]models.BookCheckout, error) {
	out := make([]models.BookCheckout, 0, len(checkouts))
	for _, c := range checkouts {
		a := fines.Assess(c.DueDate, c.IsReturned, now)
		if !a.Fine.Equal(c.FineAmount.Decimal) {
			if err := repo.UpdateFine(ctx, c.ID, a.Fine); err != nil {
				if errors.Is(err, repositories.ErrConflictingState) {
					log.Debug("checkout returned during fine refresh", "checkout_id", c.ID)
					continue
				}
				return nil, fmt.Errorf("update fine for checkout %d: %w", c.ID, err)
			}
		}
		c.FineAmount = a.Fine
		c.IsOverdue = a.IsOverdue
		c.DaysOverdue = a.DaysOverdue
		out = append(out, c)
	}
	return out, nil
}
