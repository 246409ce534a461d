package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lawlibrary/internal/logger"
	"lawlibrary/internal/models"
	"lawlibrary/internal/repositories"
)

// NewBook is the input for CatalogService.CreateBook.
type NewBook struct {
	Title       string
	Author      string
	ISBN        string
	Publisher   string
	Location    string
	TotalCopies int
}

// BookUpdate is the input for CatalogService.UpdateBook. Nil fields are left
// unchanged.
type BookUpdate struct {
	Title       *string
	Author      *string
	ISBN        *string
	Publisher   *string
	Location    *string
	TotalCopies *int
}

// CatalogService manages book records. Copy counters are initialised here and
// rescaled when total_copies is edited; every other change goes through
// LendingService.
type CatalogService interface {
	CreateBook(ctx context.Context, in NewBook) (*models.Book, error)
	UpdateBook(ctx context.Context, id uint, in BookUpdate) (*models.Book, error)
	ListBooks(ctx context.Context, availableOnly bool) ([]models.Book, error)
	GetBook(ctx context.Context, id uint) (*models.Book, error)
	// Authenticate resolves the user behind a verified token subject.
	Authenticate(ctx context.Context, userID uint) (*models.User, error)
}

type catalogService struct {
	store repositories.Store
	log   *logger.Logger
	now   func() time.Time
}

func NewCatalogService(store repositories.Store, log *logger.Logger) CatalogService {
	return &catalogService{store: store, log: log.With("component", "catalog"), now: utcNow}
}

// CreateBook adds a book with all copies available.
func (s *catalogService) CreateBook(ctx context.Context, in NewBook) (*models.Book, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Author = strings.TrimSpace(in.Author)
	in.ISBN = strings.TrimSpace(in.ISBN)
	switch {
	case in.Title == "" || in.Author == "":
		return nil, newError(KindValidation, "title and author are required")
	case in.ISBN == "" || len(in.ISBN) > 13:
		return nil, newError(KindValidation, "isbn must be 1 to 13 characters")
	case in.TotalCopies < 1:
		return nil, newError(KindValidation, "total_copies must be at least 1")
	}

	book := &models.Book{
		Title:           in.Title,
		Author:          in.Author,
		ISBN:            in.ISBN,
		Publisher:       strings.TrimSpace(in.Publisher),
		Location:        strings.TrimSpace(in.Location),
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		AddedAt:         s.now(),
	}
	if err := s.store.Books().Create(ctx, book); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, ErrDuplicateISBN
		}
		return nil, fmt.Errorf("create book: %w", err)
	}
	s.log.Info("book created", "book_id", book.ID, "isbn", book.ISBN, "copies", book.TotalCopies)
	return book, nil
}

// UpdateBook edits a book under its row lock. Changing total_copies keeps the
// number of copies on loan fixed and moves available_copies by the same delta;
// the total may not drop below the copies on loan.
func (s *catalogService) UpdateBook(ctx context.Context, id uint, in BookUpdate) (*models.Book, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}

	var result *models.Book
	err := s.store.Transaction(ctx, func(tx repositories.Store) error {
		book, err := tx.Books().GetByIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return ErrBookNotFound
			}
			return fmt.Errorf("lock book %d: %w", id, err)
		}

		if in.Title != nil {
			book.Title = strings.TrimSpace(*in.Title)
		}
		if in.Author != nil {
			book.Author = strings.TrimSpace(*in.Author)
		}
		if in.ISBN != nil {
			book.ISBN = strings.TrimSpace(*in.ISBN)
		}
		if in.Publisher != nil {
			book.Publisher = strings.TrimSpace(*in.Publisher)
		}
		if in.Location != nil {
			book.Location = strings.TrimSpace(*in.Location)
		}
		switch {
		case book.Title == "" || book.Author == "":
			return newError(KindValidation, "title and author are required")
		case book.ISBN == "" || len(book.ISBN) > 13:
			return newError(KindValidation, "isbn must be 1 to 13 characters")
		}

		if in.TotalCopies != nil {
			total := *in.TotalCopies
			onLoan := book.TotalCopies - book.AvailableCopies
			if total < 1 {
				return newError(KindValidation, "total_copies must be at least 1")
			}
			if total < onLoan {
				return ErrCopiesOnLoan
			}
			book.TotalCopies = total
			book.AvailableCopies = total - onLoan
		}

		if err := tx.Books().Update(ctx, book); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return ErrDuplicateISBN
			}
			return fmt.Errorf("update book %d: %w", id, err)
		}
		result = book
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("book updated", "book_id", result.ID, "total_copies", result.TotalCopies, "available_copies", result.AvailableCopies)
	return result, nil
}

// ListBooks returns the catalogue, optionally only books with a free copy.
func (s *catalogService) ListBooks(ctx context.Context, availableOnly bool) ([]models.Book, error) {
	return s.store.Books().List(ctx, availableOnly)
}

func (s *catalogService) GetBook(ctx context.Context, id uint) (*models.Book, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	book, err := s.store.Books().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}
	return book, nil
}

func (s *catalogService) Authenticate(ctx context.Context, userID uint) (*models.User, error) {
	user, err := s.store.Users().GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.Role.Valid() {
		s.log.Warn("user has unknown role", "user_id", user.ID, "role", user.Role)
	}
	return user, nil
}
