package service

import (
	"strings"
)

type CommandType string

const (
	CommandChat     CommandType = "chat"
	CommandStatus   CommandType = "status"
	CommandPersona  CommandType = "persona"
	CommandGroup    CommandType = "group"
	CommandPurchase CommandType = "purchase"
	CommandImage    CommandType = "image"
	CommandSpeak    CommandType = "speak"
	CommandHelp     CommandType = "help"
)

// Chargeable reports whether the command calls a paid upstream.
func (t CommandType) Chargeable() bool {
	switch t {
	case CommandChat, CommandImage, CommandSpeak:
		return true
	}
	return false
}

type Command struct {
	Type CommandType
	Arg  string
}

var commandWords = map[string]CommandType{
	"狀態": CommandStatus,
	"角色": CommandPersona,
	"群組": CommandGroup,
	"購買": CommandPurchase,
	"畫圖": CommandImage,
	"朗讀": CommandSpeak,
	"說明": CommandHelp,

	"status":  CommandStatus,
	"persona": CommandPersona,
	"group":   CommandGroup,
	"buy":     CommandPurchase,
	"draw":    CommandImage,
	"speak":   CommandSpeak,
	"help":    CommandHelp,
}

// ParseCommand classifies a text message. Commands start with "/" or the
// full-width "／" followed by a known word; the rest of the text, trimmed, is
// the argument. Everything else is chat with the whole text as argument.
func ParseCommand(text string) Command {
	trimmed := strings.TrimSpace(text)

	rest, ok := strings.CutPrefix(trimmed, "/")
	if !ok {
		rest, ok = strings.CutPrefix(trimmed, "／")
	}
	if !ok {
		return Command{Type: CommandChat, Arg: trimmed}
	}

	word, arg, _ := strings.Cut(rest, " ")
	if t, found := commandWords[strings.ToLower(word)]; found {
		return Command{Type: t, Arg: strings.TrimSpace(arg)}
	}

	// Commands written without a space, like "/畫圖一隻貓".
	for w, t := range commandWords {
		if after, found := strings.CutPrefix(rest, w); found && !isASCIIWord(w) {
			return Command{Type: t, Arg: strings.TrimSpace(after)}
		}
	}

	return Command{Type: CommandChat, Arg: trimmed}
}

func isASCIIWord(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
