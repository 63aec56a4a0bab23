package listing

import "time"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusLive       Status = "live"
	StatusUnderOffer Status = "under_offer"
	StatusSold       Status = "sold"
	StatusWithdrawn  Status = "withdrawn"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusLive, StatusUnderOffer, StatusSold, StatusWithdrawn:
		return true
	}
	return false
}

// CountsAgainstQuota reports whether a listing in this status occupies a quota slot.
func (s Status) CountsAgainstQuota() bool {
	return s != StatusWithdrawn
}

type OfferStatus string

const (
	OfferSubmitted OfferStatus = "submitted"
	OfferCountered OfferStatus = "countered"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferWithdrawn OfferStatus = "withdrawn"
)

// Terminal reports whether no further transition may leave this status.
func (s OfferStatus) Terminal() bool {
	return s == OfferAccepted || s == OfferRejected || s == OfferWithdrawn
}

// Open reports whether the offer is still under negotiation.
func (s OfferStatus) Open() bool {
	return s == OfferSubmitted || s == OfferCountered
}

type FundingType string

const (
	FundingCash     FundingType = "Cash"
	FundingMortgage FundingType = "Mortgage"
	FundingChain    FundingType = "Chain"
)

func (f FundingType) Valid() bool {
	return f == FundingCash || f == FundingMortgage || f == FundingChain
}

// Listing is a property on the market together with the offers made on it.
type Listing struct {
	ID          string
	AgentID     string
	AgentEmail  string
	Address     string
	SellerName  string
	SellerEmail string
	ListedPrice int64
	MainPhoto   string
	Status      Status
	SellerCode  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Offers      []Offer
}

// HighestOffer is the largest amount offered on the listing, or zero without offers.
func (l Listing) HighestOffer() int64 {
	var highest int64
	for _, o := range l.Offers {
		if o.Amount > highest {
			highest = o.Amount
		}
	}
	return highest
}

// Offer is a buyer's bid. It has no lifecycle outside its listing.
type Offer struct {
	ID           string
	ListingID    string
	BuyerName    string
	BuyerEmail   string
	Amount       int64
	FundingType  FundingType
	Chain        bool
	AIPPresent   bool
	Status       OfferStatus
	CounterOffer *int64
	Notes        string
	AgentNotes   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	History      []HistoryEntry
}

// HistoryEntry is one append-only record of an offer transition.
type HistoryEntry struct {
	Action        string
	Amount        int64
	CounterAmount *int64
	Notes         string
	Actor         string
	At            time.Time
}

// OfferUpdate is a compare-and-swap on an offer's status: it applies only while the
// stored status is one of Expected.
type OfferUpdate struct {
	OfferID      string
	ListingID    string
	Expected     []OfferStatus
	Next         OfferStatus
	CounterOffer *int64
	AgentNotes   *string
	At           time.Time
}

// Filters narrows List results. AgentID and AgencyID are ANDed when both are set.
type Filters struct {
	AgentID  string
	AgencyID string
	Status   Status
	Page     int
	PageSize int
}

// Patch carries the editable listing fields; nil means unchanged.
type Patch struct {
	Address     *string
	SellerName  *string
	SellerEmail *string
	ListedPrice *int64
	MainPhoto   *string
	Status      *Status
}

// QuotaOwner is the account whose counters a listing consumes.
type QuotaOwner struct {
	ID           string
	MaxListings  int
	UsedListings int
}
