package agency

import "time"

// Profile is a quota-holding account: a real-estate company admin or an independent agent.
type Profile struct {
	ID           string
	Name         string
	Email        string
	Role         string
	MaxListings  int
	UsedListings int
	AgentCount   int
	CreatedAt    time.Time
}
