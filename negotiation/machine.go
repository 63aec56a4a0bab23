package negotiation

import (
	"errors"
	"fmt"

	"offerflow/listing"
)

// ErrInvalidTransition signals an action the offer's current status does not allow.
var ErrInvalidTransition = errors.New("negotiation: invalid transition")

type Action string

const (
	ActionCounter  Action = "counter"
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionWithdraw Action = "withdraw"
)

// ParseAction accepts both action verbs and the target status names sellers send.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "counter", "countered":
		return ActionCounter, true
	case "accept", "accepted":
		return ActionAccept, true
	case "reject", "rejected":
		return ActionReject, true
	case "withdraw", "withdrawn":
		return ActionWithdraw, true
	}
	return "", false
}

var transitions = map[listing.OfferStatus]map[Action]listing.OfferStatus{
	listing.OfferSubmitted: {
		ActionCounter:  listing.OfferCountered,
		ActionAccept:   listing.OfferAccepted,
		ActionReject:   listing.OfferRejected,
		ActionWithdraw: listing.OfferWithdrawn,
	},
	listing.OfferCountered: {
		ActionAccept:   listing.OfferAccepted,
		ActionReject:   listing.OfferRejected,
		ActionWithdraw: listing.OfferWithdrawn,
	},
}

// Transition returns the status action moves an offer to from current.
func Transition(current listing.OfferStatus, action Action) (listing.OfferStatus, error) {
	next, ok := transitions[current][action]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s an offer that is %s", ErrInvalidTransition, action, current)
	}
	return next, nil
}
