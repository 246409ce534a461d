package models

import (
	"time"
)

type UserRole string

const (
	UserRoleMember UserRole = "member"
	UserRoleAdmin  UserRole = "admin"
)

// Capability names an action guarded by role.
type Capability string

const (
	CapManageCatalog     Capability = "manage_catalog"
	CapViewAllOverdue    Capability = "view_all_overdue"
	CapSendNotifications Capability = "send_notifications"
)

var roleCapabilities = map[UserRole][]Capability{
	UserRoleMember: {},
	UserRoleAdmin:  {CapManageCatalog, CapViewAllOverdue, CapSendNotifications},
}

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

// Can reports whether the role grants the capability. Unknown roles grant nothing.
func (r UserRole) Can(c Capability) bool {
	for _, granted := range roleCapabilities[r] {
		if granted == c {
			return true
		}
	}
	return false
}

type TransactionType string

const (
	TransactionTypeCheckout    TransactionType = "checkout"
	TransactionTypeReturn      TransactionType = "return"
	TransactionTypeReservation TransactionType = "reservation"
)

type User struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	Username string   `gorm:"size:150;not null;uniqueIndex" json:"username"`
	Role     UserRole `gorm:"size:20;not null;default:'member'" json:"role"`
}

type Book struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Title           string    `gorm:"size:255;not null" json:"title"`
	Author          string    `gorm:"size:255;not null" json:"author"`
	ISBN            string    `gorm:"column:isbn;size:13;not null;uniqueIndex" json:"isbn"`
	Publisher       string    `gorm:"size:255" json:"publisher"`
	Location        string    `gorm:"size:100" json:"location"`
	TotalCopies     int       `gorm:"not null;check:chk_books_total_copies,total_copies >= 1" json:"total_copies"`
	AvailableCopies int       `gorm:"not null;default:0;check:chk_books_available_copies,available_copies >= 0 AND available_copies <= total_copies" json:"available_copies"`
	AddedAt         time.Time `gorm:"not null" json:"added_date"`
}

// IsAvailable reports whether at least one copy can be checked out.
func (b Book) IsAvailable() bool {
	return b.AvailableCopies > 0
}

// BookCheckout is one loan of one copy. At most one row per (user, book) may
// have IsReturned=false; the partial unique index enforces it in storage.
type BookCheckout struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       uint       `gorm:"not null;uniqueIndex:uniq_active_checkout,where:is_returned = false" json:"user"`
	User         User       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookID       uint       `gorm:"not null;index;uniqueIndex:uniq_active_checkout,where:is_returned = false" json:"book"`
	Book         Book       `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	CheckoutDate time.Time  `gorm:"not null" json:"checkout_date"`
	DueDate      time.Time  `gorm:"not null;index" json:"due_date"`
	ReturnDate   *time.Time `json:"return_date"`
	IsReturned   bool       `gorm:"not null;default:false;index" json:"is_returned"`
	FineAmount   Money      `gorm:"type:numeric(10,2);not null;default:0" json:"fine_amount"`

	IsOverdue   bool `gorm:"-" json:"is_overdue"`
	DaysOverdue int  `gorm:"-" json:"days_overdue"`
}

// Reservation is a claim on a book that had no available copies.
type Reservation struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;uniqueIndex:uniq_active_reservation,where:is_active = true" json:"user"`
	User            User      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookID          uint      `gorm:"not null;index;uniqueIndex:uniq_active_reservation,where:is_active = true" json:"book"`
	Book            Book      `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	ReservationDate time.Time `gorm:"not null;index" json:"reservation_date"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	Notified        bool      `gorm:"not null;default:false" json:"notified"`
}

// Transaction is an append-only audit record of a lending state change.
type Transaction struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	UserID          uint            `gorm:"not null;index" json:"user"`
	User            User            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	BookID          uint            `gorm:"not null;index" json:"book"`
	Book            Book            `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"-"`
	TransactionType TransactionType `gorm:"size:20;not null" json:"transaction_type"`
	TransactionDate time.Time       `gorm:"not null;index" json:"transaction_date"`
	Notes           string          `gorm:"type:text" json:"notes"`
}
