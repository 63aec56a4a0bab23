package accesscode

import (
	"strings"
	"time"
)

// BuyerCode is a capability scoped to one listing that identifies a named buyer.
type BuyerCode struct {
	ID            string
	Code          string
	ListingID     string
	BuyerEmail    string
	BuyerName     string
	IsActive      bool
	ExpiresAt     time.Time
	LastEmailSent *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ValidAt reports whether the code may be presented at now.
func (c BuyerCode) ValidAt(now time.Time) bool {
	return c.IsActive && now.Before(c.ExpiresAt)
}

// ListingRef carries the listing attributes the issuer needs without depending on the listing store.
type ListingRef struct {
	ID      string
	Address string
}

// IssueParams describes a buyer code request.
type IssueParams struct {
	Listing    ListingRef
	BuyerEmail string
	BuyerName  string
}

// IssueResult reports the code handed out and whether an existing one was reused.
type IssueResult struct {
	Code   BuyerCode
	Reused bool
}

// Normalize upper-cases and trims a code as typed by a user.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// SameEmail compares addresses case-insensitively.
func SameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
