package call

import (
	"fmt"

	"github.com/petervdpas/goopcall/internal/model"
)

// Role is what the local side does for one remote participant.
type Role int

const (
	RoleNone Role = iota
	RoleOffer
	RoleAnswer
)

func (r Role) String() string {
	switch r {
	case RoleOffer:
		return "offer"
	case RoleAnswer:
		return "answer"
	}
	return "none"
}

// OfferPolicy decides which side of each pair originates the offer.
type OfferPolicy interface {
	Name() string
	Role(rec *model.CallRecord, self, remote string) Role
}

// InitiatorOffers lets only the initiator offer, to every newcomer. Two
// joiners never connect to each other.
type InitiatorOffers struct{}

func (InitiatorOffers) Name() string { return "initiator" }

func (InitiatorOffers) Role(rec *model.CallRecord, self, remote string) Role {
	switch rec.InitiatorID {
	case self:
		return RoleOffer
	case remote:
		return RoleAnswer
	}
	return RoleNone
}

// OrderedOffers builds a full mesh: the lower user id offers for each pair.
type OrderedOffers struct{}

func (OrderedOffers) Name() string { return "ordered" }

func (OrderedOffers) Role(rec *model.CallRecord, self, remote string) Role {
	if self < remote {
		return RoleOffer
	}
	return RoleAnswer
}

// ParsePolicy maps a config value to a policy. Empty means InitiatorOffers.
func ParsePolicy(name string) (OfferPolicy, error) {
	switch name {
	case "", "initiator":
		return InitiatorOffers{}, nil
	case "ordered":
		return OrderedOffers{}, nil
	}
	return nil, fmt.Errorf("unknown mesh policy %q", name)
}
