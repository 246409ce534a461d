package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lawlibrary/internal/models"
	"lawlibrary/internal/repositories"
)

type memState struct {
	users        map[uint]models.User
	books        map[uint]models.Book
	checkouts    map[uint]models.BookCheckout
	reservations map[uint]models.Reservation
	ledger       []models.Transaction
	lastID       uint
}

func newMemState() *memState {
	return &memState{
		users:        map[uint]models.User{},
		books:        map[uint]models.Book{},
		checkouts:    map[uint]models.BookCheckout{},
		reservations: map[uint]models.Reservation{},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		users:        make(map[uint]models.User, len(s.users)),
		books:        make(map[uint]models.Book, len(s.books)),
		checkouts:    make(map[uint]models.BookCheckout, len(s.checkouts)),
		reservations: make(map[uint]models.Reservation, len(s.reservations)),
		ledger:       append([]models.Transaction(nil), s.ledger...),
		lastID:       s.lastID,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.checkouts {
		c.checkouts[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

func (s *memState) nextID() uint {
	s.lastID++
	return s.lastID
}

type memRoot struct {
	mu    sync.Mutex
	state *memState

	faultsMu sync.Mutex
	faults   map[string]error
}

// MemoryStore is an in-memory repositories.Store. Transactions are serialised
// by one mutex and applied atomically: fn works on a copy that replaces the
// committed state only when fn returns nil. Unique and counter guards match
// the PostgreSQL schema.
type MemoryStore struct {
	root *memRoot
	tx   *memState
}

var _ repositories.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{root: &memRoot{state: newMemState(), faults: map[string]error{}}}
}

// Fail makes every later call of op return err until cleared with a nil err.
// Ops are named "<repo>.<method>", e.g. "ledger.append".
func (s *MemoryStore) Fail(op string, err error) {
	s.root.faultsMu.Lock()
	defer s.root.faultsMu.Unlock()
	if err == nil {
		delete(s.root.faults, op)
		return
	}
	s.root.faults[op] = err
}

func (s *MemoryStore) fault(op string) error {
	s.root.faultsMu.Lock()
	defer s.root.faultsMu.Unlock()
	return s.root.faults[op]
}

func (s *MemoryStore) with(fn func(st *memState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	return fn(s.root.state)
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx repositories.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.root.mu.Lock()
	defer s.root.mu.Unlock()

	work := s.root.state.clone()
	if err := fn(&MemoryStore{root: s.root, tx: work}); err != nil {
		return err
	}
	s.root.state = work
	return nil
}

func (s *MemoryStore) Users() repositories.UserRepository               { return memUsers{s} }
func (s *MemoryStore) Books() repositories.BookRepository               { return memBooks{s} }
func (s *MemoryStore) Checkouts() repositories.CheckoutRepository       { return memCheckouts{s} }
func (s *MemoryStore) Reservations() repositories.ReservationRepository { return memReservations{s} }
func (s *MemoryStore) Ledger() repositories.LedgerRepository            { return memLedger{s} }

// Snapshot helpers for assertions.

func (s *MemoryStore) Book(id uint) models.Book {
	var b models.Book
	_ = s.with(func(st *memState) error { b = st.books[id]; return nil })
	return b
}

func (s *MemoryStore) Checkout(id uint) models.BookCheckout {
	var c models.BookCheckout
	_ = s.with(func(st *memState) error { c = st.checkouts[id]; return nil })
	return c
}

func (s *MemoryStore) Reservation(id uint) models.Reservation {
	var r models.Reservation
	_ = s.with(func(st *memState) error { r = st.reservations[id]; return nil })
	return r
}

// ActiveCheckouts counts unreturned checkouts of a book.
func (s *MemoryStore) ActiveCheckouts(bookID uint) int {
	n := 0
	_ = s.with(func(st *memState) error {
		for _, c := range st.checkouts {
			if c.BookID == bookID && !c.IsReturned {
				n++
			}
		}
		return nil
	})
	return n
}

// LedgerEntries returns every ledger row in insertion order.
func (s *MemoryStore) LedgerEntries() []models.Transaction {
	var out []models.Transaction
	_ = s.with(func(st *memState) error {
		out = append(out, st.ledger...)
		return nil
	})
	return out
}

// SetDueDate rewrites a checkout's due date, for overdue scenarios.
func (s *MemoryStore) SetDueDate(id uint, due time.Time) {
	_ = s.with(func(st *memState) error {
		c := st.checkouts[id]
		c.DueDate = due
		st.checkouts[id] = c
		return nil
	})
}

// ─── Users ────────────────────────────────────────────────────────────────────

type memUsers struct{ s *MemoryStore }

func (r memUsers) Create(_ context.Context, user *models.User) error {
	if err := r.s.fault("users.create"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		for _, u := range st.users {
			if u.Username == user.Username {
				return fmt.Errorf("%w: username %q", repositories.ErrDuplicate, user.Username)
			}
		}
		if user.Role == "" {
			user.Role = models.UserRoleMember
		}
		user.ID = st.nextID()
		st.users[user.ID] = *user
		return nil
	})
}

func (r memUsers) GetByID(_ context.Context, id uint) (*models.User, error) {
	var out *models.User
	err := r.s.with(func(st *memState) error {
		u, ok := st.users[id]
		if !ok {
			return repositories.ErrNotFound
		}
		out = &u
		return nil
	})
	return out, err
}

// ─── Books ────────────────────────────────────────────────────────────────────

type memBooks struct{ s *MemoryStore }

func (r memBooks) Create(_ context.Context, book *models.Book) error {
	if err := r.s.fault("books.create"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		for _, b := range st.books {
			if b.ISBN == book.ISBN {
				return fmt.Errorf("%w: isbn %q", repositories.ErrDuplicate, book.ISBN)
			}
		}
		if book.TotalCopies < 1 || book.AvailableCopies < 0 || book.AvailableCopies > book.TotalCopies {
			return fmt.Errorf("check constraint violated for book %q", book.ISBN)
		}
		book.ID = st.nextID()
		st.books[book.ID] = *book
		return nil
	})
}

func (r memBooks) List(_ context.Context, availableOnly bool) ([]models.Book, error) {
	out := []models.Book{}
	err := r.s.with(func(st *memState) error {
		for _, b := range st.books {
			if availableOnly && b.AvailableCopies <= 0 {
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, err
}

func (r memBooks) GetByID(_ context.Context, id uint) (*models.Book, error) {
	var out *models.Book
	err := r.s.with(func(st *memState) error {
		b, ok := st.books[id]
		if !ok {
			return repositories.ErrNotFound
		}
		out = &b
		return nil
	})
	return out, err
}

func (r memBooks) GetByIDForUpdate(ctx context.Context, id uint) (*models.Book, error) {
	return r.GetByID(ctx, id)
}

func (r memBooks) AdjustAvailableCopies(_ context.Context, id uint, delta int) error {
	if err := r.s.fault("books.adjust"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		b, ok := st.books[id]
		if !ok {
			return repositories.ErrConflictingState
		}
		next := b.AvailableCopies + delta
		if next < 0 || next > b.TotalCopies {
			return repositories.ErrConflictingState
		}
		b.AvailableCopies = next
		st.books[id] = b
		return nil
	})
}

func (r memBooks) Update(_ context.Context, book *models.Book) error {
	if err := r.s.fault("books.update"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		if _, ok := st.books[book.ID]; !ok {
			return repositories.ErrNotFound
		}
		for _, b := range st.books {
			if b.ID != book.ID && b.ISBN == book.ISBN {
				return fmt.Errorf("%w: isbn %q", repositories.ErrDuplicate, book.ISBN)
			}
		}
		if book.TotalCopies < 1 || book.AvailableCopies < 0 || book.AvailableCopies > book.TotalCopies {
			return fmt.Errorf("check constraint violated for book %q", book.ISBN)
		}
		st.books[book.ID] = *book
		return nil
	})
}

func (r memBooks) ListAwaitingNotification(_ context.Context) ([]models.Book, error) {
	var out []models.Book
	err := r.s.with(func(st *memState) error {
		waiting := map[uint]bool{}
		for _, res := range st.reservations {
			if res.IsActive && !res.Notified {
				waiting[res.BookID] = true
			}
		}
		for id := range waiting {
			if b := st.books[id]; b.AvailableCopies > 0 {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ─── Checkouts ────────────────────────────────────────────────────────────────

type memCheckouts struct{ s *MemoryStore }

func (r memCheckouts) Create(_ context.Context, checkout *models.BookCheckout) error {
	if err := r.s.fault("checkouts.create"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		if !checkout.IsReturned {
			for _, c := range st.checkouts {
				if c.UserID == checkout.UserID && c.BookID == checkout.BookID && !c.IsReturned {
					return fmt.Errorf("%w: uniq_active_checkout", repositories.ErrDuplicate)
				}
			}
		}
		checkout.ID = st.nextID()
		st.checkouts[checkout.ID] = *checkout
		return nil
	})
}

func (r memCheckouts) GetByID(_ context.Context, id uint) (*models.BookCheckout, error) {
	var out *models.BookCheckout
	err := r.s.with(func(st *memState) error {
		c, ok := st.checkouts[id]
		if !ok {
			return repositories.ErrNotFound
		}
		out = &c
		return nil
	})
	return out, err
}

func (r memCheckouts) GetByIDForUpdate(ctx context.Context, id uint) (*models.BookCheckout, error) {
	return r.GetByID(ctx, id)
}

func (r memCheckouts) HasActive(_ context.Context, userID, bookID uint) (bool, error) {
	found := false
	err := r.s.with(func(st *memState) error {
		for _, c := range st.checkouts {
			if c.UserID == userID && c.BookID == bookID && !c.IsReturned {
				found = true
			}
		}
		return nil
	})
	return found, err
}

func (r memCheckouts) MarkReturned(_ context.Context, id uint, returnedAt time.Time, fine models.Money) error {
	return r.s.with(func(st *memState) error {
		c, ok := st.checkouts[id]
		if !ok || c.IsReturned {
			return repositories.ErrConflictingState
		}
		at := returnedAt
		c.IsReturned = true
		c.ReturnDate = &at
		c.FineAmount = fine
		st.checkouts[id] = c
		return nil
	})
}

func (r memCheckouts) UpdateFine(_ context.Context, id uint, fine models.Money) error {
	if err := r.s.fault("checkouts.update_fine"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		c, ok := st.checkouts[id]
		if !ok || c.IsReturned {
			return repositories.ErrConflictingState
		}
		c.FineAmount = fine
		st.checkouts[id] = c
		return nil
	})
}

func (r memCheckouts) ListByUser(_ context.Context, userID uint) ([]models.BookCheckout, error) {
	out := r.filter(func(c models.BookCheckout) bool { return c.UserID == userID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckoutDate.Equal(out[j].CheckoutDate) {
			return out[i].CheckoutDate.After(out[j].CheckoutDate)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r memCheckouts) ListOverdue(_ context.Context, now time.Time) ([]models.BookCheckout, error) {
	out := r.filter(func(c models.BookCheckout) bool { return !c.IsReturned && c.DueDate.Before(now) })
	sortByDue(out)
	return out, nil
}

func (r memCheckouts) ListOverdueByUser(_ context.Context, userID uint, now time.Time) ([]models.BookCheckout, error) {
	out := r.filter(func(c models.BookCheckout) bool {
		return c.UserID == userID && !c.IsReturned && c.DueDate.Before(now)
	})
	sortByDue(out)
	return out, nil
}

func (r memCheckouts) filter(keep func(models.BookCheckout) bool) []models.BookCheckout {
	out := []models.BookCheckout{}
	_ = r.s.with(func(st *memState) error {
		for _, c := range st.checkouts {
			if keep(c) {
				out = append(out, c)
			}
		}
		return nil
	})
	return out
}

func sortByDue(cs []models.BookCheckout) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].DueDate.Equal(cs[j].DueDate) {
			return cs[i].DueDate.Before(cs[j].DueDate)
		}
		return cs[i].ID < cs[j].ID
	})
}

// ─── Reservations ─────────────────────────────────────────────────────────────

type memReservations struct{ s *MemoryStore }

func (r memReservations) Create(_ context.Context, reservation *models.Reservation) error {
	if err := r.s.fault("reservations.create"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		if reservation.IsActive {
			for _, res := range st.reservations {
				if res.UserID == reservation.UserID && res.BookID == reservation.BookID && res.IsActive {
					return fmt.Errorf("%w: uniq_active_reservation", repositories.ErrDuplicate)
				}
			}
		}
		reservation.ID = st.nextID()
		st.reservations[reservation.ID] = *reservation
		return nil
	})
}

func (r memReservations) GetByIDForUpdate(_ context.Context, id uint) (*models.Reservation, error) {
	var out *models.Reservation
	err := r.s.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok {
			return repositories.ErrNotFound
		}
		out = &res
		return nil
	})
	return out, err
}

func (r memReservations) HasActive(_ context.Context, userID, bookID uint) (bool, error) {
	found := false
	err := r.s.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.UserID == userID && res.BookID == bookID && res.IsActive {
				found = true
			}
		}
		return nil
	})
	return found, err
}

func (r memReservations) DeactivateActive(_ context.Context, userID, bookID uint) (int64, error) {
	var n int64
	err := r.s.with(func(st *memState) error {
		for id, res := range st.reservations {
			if res.UserID == userID && res.BookID == bookID && res.IsActive {
				res.IsActive = false
				st.reservations[id] = res
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r memReservations) Deactivate(_ context.Context, id uint) error {
	return r.s.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok || !res.IsActive {
			return repositories.ErrConflictingState
		}
		res.IsActive = false
		st.reservations[id] = res
		return nil
	})
}

func (r memReservations) ListActiveByUser(_ context.Context, userID uint) ([]models.Reservation, error) {
	out := []models.Reservation{}
	_ = r.s.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.UserID == userID && res.IsActive {
				out = append(out, res)
			}
		}
		return nil
	})
	sortByReservationDate(out)
	return out, nil
}

func (r memReservations) NextPending(_ context.Context, bookID uint) (*models.Reservation, error) {
	var pending []models.Reservation
	_ = r.s.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.BookID == bookID && res.IsActive && !res.Notified {
				pending = append(pending, res)
			}
		}
		return nil
	})
	if len(pending) == 0 {
		return nil, repositories.ErrNotFound
	}
	sortByReservationDate(pending)
	return &pending[0], nil
}

func (r memReservations) MarkNotified(_ context.Context, id uint) error {
	return r.s.with(func(st *memState) error {
		res, ok := st.reservations[id]
		if !ok || res.Notified {
			return repositories.ErrConflictingState
		}
		res.Notified = true
		st.reservations[id] = res
		return nil
	})
}

func (r memReservations) CountNotified(_ context.Context, bookID uint) (int64, error) {
	var n int64
	err := r.s.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.BookID == bookID && res.IsActive && res.Notified {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r memReservations) HasNotified(_ context.Context, userID, bookID uint) (bool, error) {
	found := false
	err := r.s.with(func(st *memState) error {
		for _, res := range st.reservations {
			if res.UserID == userID && res.BookID == bookID && res.IsActive && res.Notified {
				found = true
			}
		}
		return nil
	})
	return found, err
}

func sortByReservationDate(rs []models.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservationDate.Equal(rs[j].ReservationDate) {
			return rs[i].ReservationDate.Before(rs[j].ReservationDate)
		}
		return rs[i].ID < rs[j].ID
	})
}

// ─── Ledger ───────────────────────────────────────────────────────────────────

type memLedger struct{ s *MemoryStore }

func (r memLedger) Append(_ context.Context, entry *models.Transaction) error {
	if err := r.s.fault("ledger.append"); err != nil {
		return err
	}
	return r.s.with(func(st *memState) error {
		entry.ID = st.nextID()
		st.ledger = append(st.ledger, *entry)
		return nil
	})
}

func (r memLedger) ListByUser(_ context.Context, userID uint) ([]models.Transaction, error) {
	out := []models.Transaction{}
	_ = r.s.with(func(st *memState) error {
		for _, e := range st.ledger {
			if e.UserID == userID {
				out = append(out, e)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.After(out[j].TransactionDate)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
