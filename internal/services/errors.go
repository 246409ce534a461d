package services

import "errors"

// ErrorKind classifies service errors for transport mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
	KindUnauthenticated
)

// Error is a domain error with a stable, user-facing message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	ErrInvalidID = newError(KindValidation, "invalid id")

	ErrUserNotFound        = newError(KindUnauthenticated, "user not found")
	ErrBookNotFound        = newError(KindNotFound, "book not found")
	ErrCheckoutNotFound    = newError(KindNotFound, "checkout not found")
	ErrReservationNotFound = newError(KindNotFound, "reservation not found")

	// ErrNoCopiesAvailable is returned when every copy of the book is on loan.
	ErrNoCopiesAvailable = newError(KindConflict, "no copies available")

	// ErrCopiesOnHold is returned when the free copies are held for
	// reservers who have already been notified.
	ErrCopiesOnHold = newError(KindConflict, "remaining copies are held for reservations")

	// ErrAlreadyCheckedOut is returned when the user already holds an active
	// checkout of the same book.
	ErrAlreadyCheckedOut = newError(KindConflict, "already checked out")

	// ErrAlreadyReturned is returned when a return is attempted twice.
	ErrAlreadyReturned = newError(KindConflict, "already returned")

	// ErrBookAvailable is returned when reserving a book that can be checked
	// out right away.
	ErrBookAvailable = newError(KindConflict, "book is currently available for checkout")

	// ErrDuplicateReservation is returned when the user already has an active
	// reservation for the book.
	ErrDuplicateReservation = newError(KindConflict, "already reserved")

	ErrReservationInactive = newError(KindConflict, "reservation is not active")
	ErrDuplicateISBN       = newError(KindConflict, "a book with this isbn already exists")
	ErrCopiesOnLoan        = newError(KindConflict, "total_copies cannot be lower than the copies on loan")

	ErrNotCheckoutOwner    = newError(KindForbidden, "you can only return your own books")
	ErrNotReservationOwner = newError(KindForbidden, "you can only cancel your own reservations")
)
