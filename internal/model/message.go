package model

import "time"

// InboundEvent is a channel message after signature checks and normalization.
// Payload is the text for text messages and the channel content id for audio.
type InboundEvent struct {
	EventID    string      `json:"eventId"`
	UserID     string      `json:"userId"`
	Kind       InboundKind `json:"kind"`
	Payload    string      `json:"payload"`
	ReplyToken string      `json:"replyToken,omitempty"`
	Redelivery bool        `json:"redelivery,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

type OutboundMessage struct {
	Kind       OutboundKind `json:"kind"`
	Text       string       `json:"text,omitempty"`
	URL        string       `json:"url,omitempty"`
	DurationMs int          `json:"durationMs,omitempty"`
}

func TextMessage(text string) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindText, Text: text}
}

func ImageMessage(url string) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindImage, URL: url}
}

func AudioMessage(url string, durationMs int) OutboundMessage {
	return OutboundMessage{Kind: OutboundKindAudio, URL: url, DurationMs: durationMs}
}
