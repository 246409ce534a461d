package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawlibrary/internal/logger"
	"lawlibrary/internal/models"
	"lawlibrary/internal/repositories"
	"lawlibrary/internal/testutil"
)

var testStart = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingHook struct {
	mu    sync.Mutex
	books []uint
}

func (h *recordingHook) BookReturned(bookID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.books = append(h.books, bookID)
}

func (h *recordingHook) returned() []uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint(nil), h.books...)
}

type lendingFixture struct {
	store *testutil.MemoryStore
	clock *testutil.Clock
	hook  *recordingHook
	svc   LendingService
	alice *models.User
	bob   *models.User
}

func newLendingFixture(t *testing.T) *lendingFixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	clock := testutil.NewClock(testStart)
	hook := &recordingHook{}
	svc := NewLendingService(store, NewFineCalculator(DefaultFinePerDay), hook, logger.Discard(), LendingConfig{
		LoanPeriodDays: 14,
		Now:            clock.Now,
	})
	return &lendingFixture{
		store: store,
		clock: clock,
		hook:  hook,
		svc:   svc,
		alice: testutil.CreateUser(t, store, "alice", models.UserRoleMember),
		bob:   testutil.CreateUser(t, store, "bob", models.UserRoleMember),
	}
}

func assertCopyInvariant(t *testing.T, store *testutil.MemoryStore, bookID uint) {
	t.Helper()
	b := store.Book(bookID)
	assert.GreaterOrEqual(t, b.AvailableCopies, 0)
	assert.LessOrEqual(t, b.AvailableCopies, b.TotalCopies)
	assert.Equal(t, b.TotalCopies-store.ActiveCheckouts(bookID), b.AvailableCopies)
}

func TestCheckout(t *testing.T) {
	ctx := context.Background()

	t.Run("lends a copy", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Contracts", 2)

		checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		assert.NotZero(t, checkout.ID)
		assert.Equal(t, f.alice.ID, checkout.UserID)
		assert.Equal(t, book.ID, checkout.BookID)
		assert.Equal(t, testStart, checkout.CheckoutDate)
		assert.Equal(t, testStart.AddDate(0, 0, 14), checkout.DueDate)
		assert.False(t, checkout.IsReturned)
		assert.Nil(t, checkout.ReturnDate)
		assert.Equal(t, "0.00", checkout.FineAmount.String())
		assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)
		assertCopyInvariant(t, f.store, book.ID)
	})

	t.Run("unknown book", func(t *testing.T) {
		f := newLendingFixture(t)
		_, err := f.svc.Checkout(ctx, f.alice.ID, 999)
		assert.ErrorIs(t, err, ErrBookNotFound)
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("zero id", func(t *testing.T) {
		f := newLendingFixture(t)
		_, err := f.svc.Checkout(ctx, f.alice.ID, 0)
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("no copies left", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Torts", 1)
		_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Checkout(ctx, f.bob.ID, book.ID)
		assert.ErrorIs(t, err, ErrNoCopiesAvailable)
		assert.Equal(t, KindConflict, KindOf(err))
		assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
	})

	t.Run("same user twice", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Evidence", 3)
		_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Checkout(ctx, f.alice.ID, book.ID)
		assert.ErrorIs(t, err, ErrAlreadyCheckedOut)
		assert.Equal(t, 2, f.store.Book(book.ID).AvailableCopies)
		assertCopyInvariant(t, f.store, book.ID)
	})

	t.Run("again after returning", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Property", 1)
		first, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)
		_, err = f.svc.Return(ctx, f.alice.ID, first.ID)
		require.NoError(t, err)

		second, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assertCopyInvariant(t, f.store, book.ID)
	})

	t.Run("rolls back when the ledger write fails", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Equity", 1)
		f.store.Fail("ledger.append", errors.New("disk full"))

		_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.Error(t, err)
		assert.Equal(t, KindInternal, KindOf(err))

		assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)
		assert.Zero(t, f.store.ActiveCheckouts(book.ID))
		assert.Empty(t, f.store.LedgerEntries())
	})
}

func TestCheckout_ConcurrentLastCopy(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	book := testutil.CreateBook(t, f.store, "Civil Procedure", 1)

	users := []*models.User{f.alice, f.bob}
	errs := make([]error, len(users))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID uint) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Checkout(ctx, userID, book.ID)
		}(i, u.ID)
	}
	close(start)
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNoCopiesAvailable):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
	assertCopyInvariant(t, f.store, book.ID)
}

func TestCheckout_ConcurrentManyUsers(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	book := testutil.CreateBook(t, f.store, "Administrative Law", 3)

	const n = 12
	var users []*models.User
	for i := 0; i < n; i++ {
		users = append(users, testutil.CreateUser(t, f.store, fmt.Sprintf("reader-%d", i), models.UserRoleMember))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	start := make(chan struct{})
	for _, u := range users {
		wg.Add(1)
		go func(userID uint) {
			defer wg.Done()
			<-start
			if _, err := f.svc.Checkout(ctx, userID, book.ID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrNoCopiesAvailable)
			}
		}(u.ID)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
	assertCopyInvariant(t, f.store, book.ID)
}

func TestReturn(t *testing.T) {
	ctx := context.Background()

	t.Run("restores the copy", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Constitutional Law", 2)
		checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)
		require.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)

		f.clock.Advance(3 * 24 * time.Hour)
		returned, err := f.svc.Return(ctx, f.alice.ID, checkout.ID)
		require.NoError(t, err)

		assert.True(t, returned.IsReturned)
		require.NotNil(t, returned.ReturnDate)
		assert.Equal(t, f.clock.Now(), *returned.ReturnDate)
		assert.Equal(t, "0.00", returned.FineAmount.String())
		assert.Equal(t, 2, f.store.Book(book.ID).AvailableCopies)
		assert.True(t, f.store.Checkout(checkout.ID).IsReturned)
		assert.Equal(t, []uint{book.ID}, f.hook.returned())
		assertCopyInvariant(t, f.store, book.ID)
	})

	t.Run("charges the final fine", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Tax", 1)
		checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		f.clock.Advance((14+3)*24*time.Hour + 5*time.Hour)
		returned, err := f.svc.Return(ctx, f.alice.ID, checkout.ID)
		require.NoError(t, err)

		assert.Equal(t, "3.00", returned.FineAmount.String())
		assert.Equal(t, "3.00", f.store.Checkout(checkout.ID).FineAmount.String())
		assert.False(t, returned.IsOverdue)
	})

	t.Run("someone else's checkout", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Trusts", 1)
		checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, f.bob.ID, checkout.ID)
		assert.ErrorIs(t, err, ErrNotCheckoutOwner)
		assert.Equal(t, KindForbidden, KindOf(err))
		assert.False(t, f.store.Checkout(checkout.ID).IsReturned)
		assert.Empty(t, f.hook.returned())
	})

	t.Run("twice", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Family Law", 1)
		checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)
		_, err = f.svc.Return(ctx, f.alice.ID, checkout.ID)
		require.NoError(t, err)

		_, err = f.svc.Return(ctx, f.alice.ID, checkout.ID)
		assert.ErrorIs(t, err, ErrAlreadyReturned)
		assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)
		assertCopyInvariant(t, f.store, book.ID)
	})

	t.Run("unknown checkout", func(t *testing.T) {
		f := newLendingFixture(t)
		_, err := f.svc.Return(ctx, f.alice.ID, 12345)
		assert.ErrorIs(t, err, ErrCheckoutNotFound)
	})
}

func TestReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("book still available", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Criminal Law", 1)

		_, err := f.svc.Reserve(ctx, f.alice.ID, book.ID)
		assert.ErrorIs(t, err, ErrBookAvailable)
		assert.Equal(t, KindConflict, KindOf(err))
	})

	t.Run("queues, rejects a duplicate and closes on checkout", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Jurisprudence", 1)
		first, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)

		reservation, err := f.svc.Reserve(ctx, f.bob.ID, book.ID)
		require.NoError(t, err)
		assert.True(t, reservation.IsActive)
		assert.False(t, reservation.Notified)

		_, err = f.svc.Reserve(ctx, f.bob.ID, book.ID)
		assert.ErrorIs(t, err, ErrDuplicateReservation)

		_, err = f.svc.Return(ctx, f.alice.ID, first.ID)
		require.NoError(t, err)
		_, err = f.svc.Checkout(ctx, f.bob.ID, book.ID)
		require.NoError(t, err)

		assert.False(t, f.store.Reservation(reservation.ID).IsActive)
		active, err := f.svc.ListReservations(ctx, f.bob.ID)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("unknown book", func(t *testing.T) {
		f := newLendingFixture(t)
		_, err := f.svc.Reserve(ctx, f.alice.ID, 77)
		assert.ErrorIs(t, err, ErrBookNotFound)
	})
}

func TestCancelReservation(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	book := testutil.CreateBook(t, f.store, "Maritime Law", 1)
	_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
	require.NoError(t, err)
	reservation, err := f.svc.Reserve(ctx, f.bob.ID, book.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelReservation(ctx, f.alice.ID, reservation.ID)
	assert.ErrorIs(t, err, ErrNotReservationOwner)

	cancelled, err := f.svc.CancelReservation(ctx, f.bob.ID, reservation.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.IsActive)
	assert.False(t, f.store.Reservation(reservation.ID).IsActive)

	_, err = f.svc.CancelReservation(ctx, f.bob.ID, reservation.ID)
	assert.ErrorIs(t, err, ErrReservationInactive)

	_, err = f.svc.CancelReservation(ctx, f.bob.ID, 9999)
	assert.ErrorIs(t, err, ErrReservationNotFound)

	// A new reservation is allowed once the old one is inactive.
	_, err = f.svc.Reserve(ctx, f.bob.ID, book.ID)
	assert.NoError(t, err)
}

func TestLedger_OneEntryPerTransition(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	book := testutil.CreateBook(t, f.store, "Company Law", 1)

	checkout, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Reserve(ctx, f.bob.ID, book.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Return(ctx, f.alice.ID, checkout.ID)
	require.NoError(t, err)

	// Failed transitions leave no trace.
	_, _ = f.svc.Checkout(ctx, f.alice.ID, 4242)
	_, _ = f.svc.Reserve(ctx, f.bob.ID, book.ID)

	entries := f.store.LedgerEntries()
	require.Len(t, entries, 3)
	want := []struct {
		kind models.TransactionType
		user uint
		note string
	}{
		{models.TransactionTypeCheckout, f.alice.ID, "Book checked out: Company Law"},
		{models.TransactionTypeReservation, f.bob.ID, "Book reserved: Company Law"},
		{models.TransactionTypeReturn, f.alice.ID, "Book returned: Company Law"},
	}
	for i, w := range want {
		assert.Equal(t, w.kind, entries[i].TransactionType)
		assert.Equal(t, w.user, entries[i].UserID)
		assert.Equal(t, book.ID, entries[i].BookID)
		assert.Equal(t, w.note, entries[i].Notes)
	}

	history, err := f.svc.ListTransactions(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TransactionTypeReturn, history[0].TransactionType)
	assert.Equal(t, models.TransactionTypeCheckout, history[1].TransactionType)
}

func TestListOverdue_PersistsFines(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	late := testutil.CreateBook(t, f.store, "Banking Law", 1)
	onTime := testutil.CreateBook(t, f.store, "Insurance Law", 1)

	lateCheckout, err := f.svc.Checkout(ctx, f.alice.ID, late.ID)
	require.NoError(t, err)
	_, err = f.svc.Checkout(ctx, f.alice.ID, onTime.ID)
	require.NoError(t, err)
	f.store.SetDueDate(lateCheckout.ID, testStart.Add(-2*24*time.Hour))

	overdue, err := f.svc.ListOverdue(ctx, f.alice.ID)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, lateCheckout.ID, overdue[0].ID)
	assert.True(t, overdue[0].IsOverdue)
	assert.Equal(t, 2, overdue[0].DaysOverdue)
	assert.Equal(t, "2.00", overdue[0].FineAmount.String())
	assert.Equal(t, "2.00", f.store.Checkout(lateCheckout.ID).FineAmount.String())

	all, err := f.svc.ListCheckouts(ctx, f.alice.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := f.svc.ListOverdue(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCopyInvariant_MixedOperations(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	book := testutil.CreateBook(t, f.store, "Conflict of Laws", 2)
	carol := testutil.CreateUser(t, f.store, "carol", models.UserRoleMember)

	users := []uint{f.alice.ID, f.bob.ID, carol.ID}
	active := map[uint]uint{}
	for round := 0; round < 30; round++ {
		userID := users[round%len(users)]
		if id, ok := active[userID]; ok && round%2 == 0 {
			_, err := f.svc.Return(ctx, userID, id)
			require.NoError(t, err)
			delete(active, userID)
		} else if c, err := f.svc.Checkout(ctx, userID, book.ID); err == nil {
			active[userID] = c.ID
		} else {
			assert.Contains(t, []error{ErrNoCopiesAvailable, ErrAlreadyCheckedOut}, err)
		}
		assertCopyInvariant(t, f.store, book.ID)
	}
}

func TestStorageDuplicateMapsToConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("checkout", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Evidence", 2)
		f.store.Fail("checkouts.create", fmt.Errorf("%w: uniq_active_checkout", repositories.ErrDuplicate))

		_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		assert.ErrorIs(t, err, ErrAlreadyCheckedOut)
		assert.Equal(t, KindConflict, KindOf(err))

		assert.Equal(t, 2, f.store.Book(book.ID).AvailableCopies)
		assert.Zero(t, f.store.ActiveCheckouts(book.ID))
		assert.Empty(t, f.store.LedgerEntries())
	})

	t.Run("reserve", func(t *testing.T) {
		f := newLendingFixture(t)
		book := testutil.CreateBook(t, f.store, "Remedies", 1)
		_, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
		require.NoError(t, err)
		f.store.Fail("reservations.create", fmt.Errorf("%w: uniq_active_reservation", repositories.ErrDuplicate))

		_, err = f.svc.Reserve(ctx, f.bob.ID, book.ID)
		assert.ErrorIs(t, err, ErrDuplicateReservation)
		assert.Equal(t, KindConflict, KindOf(err))

		assert.Equal(t, 0, f.store.Book(book.ID).AvailableCopies)
		reservations, err := f.svc.ListReservations(ctx, f.bob.ID)
		require.NoError(t, err)
		assert.Empty(t, reservations)
		assert.Len(t, f.store.LedgerEntries(), 1, "only the checkout is recorded")
	})
}

func TestCheckout_RespectsNotifiedHolds(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	carol := testutil.CreateUser(t, f.store, "carol", models.UserRoleMember)
	book := testutil.CreateBook(t, f.store, "Family Law", 1)

	first, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
	require.NoError(t, err)
	res, err := f.svc.Reserve(ctx, f.bob.ID, book.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, f.alice.ID, first.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Reservations().MarkNotified(ctx, res.ID))

	// The free copy is held for Bob.
	_, err = f.svc.Checkout(ctx, carol.ID, book.ID)
	assert.ErrorIs(t, err, ErrCopiesOnHold)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, 1, f.store.Book(book.ID).AvailableCopies)

	_, err = f.svc.Checkout(ctx, f.bob.ID, book.ID)
	require.NoError(t, err)
	assert.False(t, f.store.Reservation(res.ID).IsActive)
	assertCopyInvariant(t, f.store, book.ID)
}

func TestCheckout_HoldReleasedOnCancel(t *testing.T) {
	ctx := context.Background()
	f := newLendingFixture(t)
	carol := testutil.CreateUser(t, f.store, "carol", models.UserRoleMember)
	book := testutil.CreateBook(t, f.store, "Banking Law", 1)

	first, err := f.svc.Checkout(ctx, f.alice.ID, book.ID)
	require.NoError(t, err)
	res, err := f.svc.Reserve(ctx, f.bob.ID, book.ID)
	require.NoError(t, err)
	_, err = f.svc.Return(ctx, f.alice.ID, first.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.Reservations().MarkNotified(ctx, res.ID))

	_, err = f.svc.CancelReservation(ctx, f.bob.ID, res.ID)
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, carol.ID, book.ID)
	assert.NoError(t, err)
}
