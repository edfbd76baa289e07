// Package entitlement decides whether a user may take a chargeable action and
// what that action costs them. It performs no I/O.
package entitlement

import (
	"strings"
	"time"

	"github.com/harukochan/bot-server-go/internal/model"
)

type Reason string

const (
	ReasonWhitelisted Reason = "whitelisted"
	ReasonSubscribed  Reason = "subscribed"
	ReasonFreeCredit  Reason = "free_credit"
	ReasonDenied      Reason = "denied"
)

type Decision struct {
	Allowed  bool
	Reason   Reason
	Mutation model.Mutation
}

// Evaluate checks, in order: whitelist, active subscription, free credits.
// today is the caller's current calendar date; a subscription expiring today
// is still active. Costs below one are charged as one.
func Evaluate(account model.Account, whitelisted bool, cost int, today time.Time) Decision {
	if cost < 1 {
		cost = 1
	}

	switch {
	case whitelisted:
		return Decision{Allowed: true, Reason: ReasonWhitelisted, Mutation: model.CountMessage()}
	case IsSubscribed(account.SubscriptionExpiry, today):
		return Decision{Allowed: true, Reason: ReasonSubscribed, Mutation: model.CountMessage()}
	case account.FreeCreditsRemaining >= cost:
		return Decision{Allowed: true, Reason: ReasonFreeCredit, Mutation: model.ChargeMessage(cost)}
	default:
		return Decision{Allowed: false, Reason: ReasonDenied}
	}
}

// IsSubscribed reports whether a subscription expiring on expiry covers the
// calendar day today. The expiry date itself is still covered.
func IsSubscribed(expiry *time.Time, today time.Time) bool {
	if expiry == nil {
		return false
	}
	return !model.CivilDate(*expiry).Before(model.CivilDate(today))
}

// HasStaleFlag is true when the stored flag still claims a subscription that
// has already lapsed.
func HasStaleFlag(account model.Account, today time.Time) bool {
	return account.IsSubscribed && !IsSubscribed(account.SubscriptionExpiry, today)
}

// Whitelist is an immutable set of user ids that bypass quota checks.
type Whitelist struct {
	ids map[string]struct{}
}

func NewWhitelist(ids []string) *Whitelist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return &Whitelist{ids: set}
}

func (w *Whitelist) Contains(userID string) bool {
	if w == nil {
		return false
	}
	_, ok := w.ids[userID]
	return ok
}

func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.ids)
}
