package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lawlibrary/internal/models"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Migrate creates or updates the lending tables, including the partial unique
// indexes on active checkouts and active reservations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Book{},
		&models.BookCheckout{},
		&models.Reservation{},
		&models.Transaction{},
	)
}

// concrete implementations

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by db. Open db with TranslateError enabled
// so duplicate keys surface as gorm.ErrDuplicatedKey.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Users() UserRepository               { return &userRepository{db: s.db} }
func (s *gormStore) Books() BookRepository               { return &bookRepository{db: s.db} }
func (s *gormStore) Checkouts() CheckoutRepository       { return &checkoutRepository{db: s.db} }
func (s *gormStore) Reservations() ReservationRepository { return &reservationRepository{db: s.db} }
func (s *gormStore) Ledger() LedgerRepository            { return &ledgerRepository{db: s.db} }

func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return strings.Contains(err.Error(), "SQLSTATE "+uniqueViolation)
}

func guardedResult(res *gorm.DB) error {
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflictingState
	}
	return nil
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return translateError(r.db.WithContext(ctx).Create(user).Error)
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

type bookRepository struct {
	db *gorm.DB
}

func (r *bookRepository) Create(ctx context.Context, book *models.Book) error {
	return translateError(r.db.WithContext(ctx).Create(book).Error)
}

func (r *bookRepository) List(ctx context.Context, availableOnly bool) ([]models.Book, error) {
	q := r.db.WithContext(ctx).Order("added_at DESC, id DESC")
	if availableOnly {
		q = q.Where("available_copies > 0")
	}
	var books []models.Book
	if err := q.Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

func (r *bookRepository) GetByID(ctx context.Context, id uint) (*models.Book, error) {
	var book models.Book
	if err := r.db.WithContext(ctx).First(&book, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &book, nil
}

func (r *bookRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.Book, error) {
	var book models.Book
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&book, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &book, nil
}

func (r *bookRepository) AdjustAvailableCopies(ctx context.Context, id uint, delta int) error {
	res := r.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ? AND available_copies + ? >= 0 AND available_copies + ? <= total_copies", id, delta, delta).
		UpdateColumn("available_copies", gorm.Expr("available_copies + ?", delta))
	return guardedResult(res)
}

func (r *bookRepository) Update(ctx context.Context, book *models.Book) error {
	res := r.db.WithContext(ctx).Model(&models.Book{}).
		Where("id = ?", book.ID).
		Updates(map[string]interface{}{
			"title":            book.Title,
			"author":           book.Author,
			"isbn":             book.ISBN,
			"publisher":        book.Publisher,
			"location":         book.Location,
			"total_copies":     book.TotalCopies,
			"available_copies": book.AvailableCopies,
		})
	if res.Error != nil {
		return translateError(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *bookRepository) ListAwaitingNotification(ctx context.Context) ([]models.Book, error) {
	var books []models.Book
	err := r.db.WithContext(ctx).
		Where("available_copies > 0").
		Where("EXISTS (SELECT 1 FROM reservations r WHERE r.book_id = books.id AND r.is_active AND NOT r.notified)").
		Order("id").
		Find(&books).Error
	if err != nil {
		return nil, err
	}
	return books, nil
}

type checkoutRepository struct {
	db *gorm.DB
}

func (r *checkoutRepository) Create(ctx context.Context, checkout *models.BookCheckout) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(checkout).Error)
}

func (r *checkoutRepository) GetByID(ctx context.Context, id uint) (*models.BookCheckout, error) {
	var checkout models.BookCheckout
	if err := r.db.WithContext(ctx).First(&checkout, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &checkout, nil
}

func (r *checkoutRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.BookCheckout, error) {
	var checkout models.BookCheckout
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&checkout, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &checkout, nil
}

func (r *checkoutRepository) HasActive(ctx context.Context, userID, bookID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BookCheckout{}).
		Where("user_id = ? AND book_id = ? AND is_returned = ?", userID, bookID, false).
		Count(&n).Error
	return n > 0, err
}

func (r *checkoutRepository) MarkReturned(ctx context.Context, id uint, returnedAt time.Time, fine models.Money) error {
	res := r.db.WithContext(ctx).Model(&models.BookCheckout{}).
		Where("id = ? AND is_returned = ?", id, false).
		Updates(map[string]interface{}{
			"is_returned": true,
			"return_date": returnedAt,
			"fine_amount": fine,
		})
	return guardedResult(res)
}

func (r *checkoutRepository) UpdateFine(ctx context.Context, id uint, fine models.Money) error {
	res := r.db.WithContext(ctx).Model(&models.BookCheckout{}).
		Where("id = ? AND is_returned = ?", id, false).
		UpdateColumn("fine_amount", fine)
	return guardedResult(res)
}

func (r *checkoutRepository) ListByUser(ctx context.Context, userID uint) ([]models.BookCheckout, error) {
	var checkouts []models.BookCheckout
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("checkout_date DESC, id DESC").
		Find(&checkouts).Error
	if err != nil {
		return nil, err
	}
	return checkouts, nil
}

func (r *checkoutRepository) ListOverdue(ctx context.Context, now time.Time) ([]models.BookCheckout, error) {
	var checkouts []models.BookCheckout
	err := r.db.WithContext(ctx).
		Where("is_returned = ? AND due_date < ?", false, now).
		Order("due_date ASC, id ASC").
		Find(&checkouts).Error
	if err != nil {
		return nil, err
	}
	return checkouts, nil
}

func (r *checkoutRepository) ListOverdueByUser(ctx context.Context, userID uint, now time.Time) ([]models.BookCheckout, error) {
	var checkouts []models.BookCheckout
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_returned = ? AND due_date < ?", userID, false, now).
		Order("due_date ASC, id ASC").
		Find(&checkouts).Error
	if err != nil {
		return nil, err
	}
	return checkouts, nil
}

type reservationRepository struct {
	db *gorm.DB
}

func (r *reservationRepository) Create(ctx context.Context, reservation *models.Reservation) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(reservation).Error)
}

func (r *reservationRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.Reservation, error) {
	var res models.Reservation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&res, "id = ?", id).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &res, nil
}

func (r *reservationRepository) HasActive(ctx context.Context, userID, bookID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("user_id = ? AND book_id = ? AND is_active = ?", userID, bookID, true).
		Count(&n).Error
	return n > 0, err
}

func (r *reservationRepository) DeactivateActive(ctx context.Context, userID, bookID uint) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("user_id = ? AND book_id = ? AND is_active = ?", userID, bookID, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

func (r *reservationRepository) Deactivate(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	return guardedResult(res)
}

func (r *reservationRepository) ListActiveByUser(ctx context.Context, userID uint) ([]models.Reservation, error) {
	var res []models.Reservation
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("reservation_date ASC, id ASC").
		Find(&res).Error
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *reservationRepository) NextPending(ctx context.Context, bookID uint) (*models.Reservation, error) {
	var res models.Reservation
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("book_id = ? AND is_active = ? AND notified = ?", bookID, true, false).
		Order("reservation_date ASC, id ASC").
		Limit(1).
		Take(&res).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &res, nil
}

func (r *reservationRepository) MarkNotified(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("id = ? AND notified = ?", id, false).
		Update("notified", true)
	return guardedResult(res)
}

func (r *reservationRepository) CountNotified(ctx context.Context, bookID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("book_id = ? AND is_active = ? AND notified = ?", bookID, true, true).
		Count(&n).Error
	return n, err
}

func (r *reservationRepository) HasNotified(ctx context.Context, userID, bookID uint) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Reservation{}).
		Where("user_id = ? AND book_id = ? AND is_active = ? AND notified = ?", userID, bookID, true, true).
		Count(&n).Error
	return n > 0, err
}

type ledgerRepository struct {
	db *gorm.DB
}

func (r *ledgerRepository) Append(ctx context.Context, entry *models.Transaction) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(entry).Error)
}

func (r *ledgerRepository) ListByUser(ctx context.Context, userID uint) ([]models.Transaction, error) {
	var entries []models.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("transaction_date DESC, id DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
