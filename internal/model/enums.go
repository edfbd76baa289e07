package model

type InboundKind string

const (
	InboundKindText  InboundKind = "text"
	InboundKindAudio InboundKind = "audio"
)

type OutboundKind string

const (
	OutboundKindText  OutboundKind = "text"
	OutboundKindImage OutboundKind = "image"
	OutboundKindAudio OutboundKind = "audio"
)

type CreditOutcome string

const (
	CreditOutcomeCredited  CreditOutcome = "credited"
	CreditOutcomeDuplicate CreditOutcome = "duplicate"
	CreditOutcomeIgnored   CreditOutcome = "ignored"
	CreditOutcomeRejected  CreditOutcome = "rejected"
)
