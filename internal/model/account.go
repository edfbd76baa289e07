package model

import (
	"time"

	"github.com/lib/pq"
)

// Account is the per-user entitlement record, keyed by the channel's user id.
type Account struct {
	UserID               string         `db:"user_id" json:"userId"`
	MessageCount         int64          `db:"message_count" json:"messageCount"`
	IsSubscribed         bool           `db:"is_subscribed" json:"isSubscribed"`
	SubscriptionExpiry   *time.Time     `db:"subscription_expiry" json:"subscriptionExpiry,omitempty"`
	FreeCreditsRemaining int            `db:"free_credits_remaining" json:"freeCreditsRemaining"`
	ActivePersona        string         `db:"active_persona" json:"activePersona"`
	ActivePersonaGroup   pq.StringArray `db:"active_persona_group" json:"activePersonaGroup,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updatedAt"`
	LastSeenAt           time.Time      `db:"last_seen_at" json:"lastSeenAt"`
}

// Personas returns the personas that answer a chat message, in reply order.
func (a *Account) Personas() []string {
	if len(a.ActivePersonaGroup) > 0 {
		return a.ActivePersonaGroup
	}
	return []string{a.ActivePersona}
}

type AccountDefaults struct {
	FreeCredits int
	Persona     string
}

type AccountStats struct {
	TotalUsers        int   `db:"total_users" json:"totalUsers"`
	ActiveSubscribers int   `db:"active_subscribers" json:"activeSubscribers"`
	ExhaustedTrials   int   `db:"exhausted_trials" json:"exhaustedTrials"`
	TotalMessages     int64 `db:"total_messages" json:"totalMessages"`
}

// Mutation is a set of relative changes applied to one account in a single
// statement. Nil fields are left untouched.
type Mutation struct {
	MessageCountDelta int
	CreditCost        int
	Persona           *string
	// PersonaGroup replaces the group; a non-nil empty slice clears it.
	PersonaGroup       *[]string
	SubscriptionExpiry *time.Time
	// ClearLapsedFlag resets is_subscribed only if, at write time, the stored
	// expiry is missing or before this day. A payment credited after the
	// caller's read keeps its flag.
	ClearLapsedFlag *time.Time
}

func (m Mutation) IsZero() bool {
	return m.MessageCountDelta == 0 &&
		m.CreditCost == 0 &&
		m.Persona == nil &&
		m.PersonaGroup == nil &&
		m.SubscriptionExpiry == nil &&
		m.ClearLapsedFlag == nil
}

func CountMessage() Mutation {
	return Mutation{MessageCountDelta: 1}
}

func ChargeMessage(cost int) Mutation {
	return Mutation{MessageCountDelta: 1, CreditCost: cost}
}

func SetPersona(id string) Mutation {
	return Mutation{Persona: &id, PersonaGroup: &[]string{}}
}

func ClearLapsedFlag(today time.Time) Mutation {
	day := CivilDate(today)
	return Mutation{ClearLapsedFlag: &day}
}

func SetPersonaGroup(ids []string) Mutation {
	group := append([]string{}, ids...)
	return Mutation{PersonaGroup: &group}
}
