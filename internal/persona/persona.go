// Package persona holds the fixed set of response styles a user can pick.
package persona

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
)

type ID string

const (
	Rina ID = "rina"
	Sora ID = "sora"
	Mika ID = "mika"
)

// Persona is one response style: a system prompt for the chat relay and a
// styling transform applied to the relay's answer.
type Persona struct {
	ID          ID
	DisplayName string
	System      string
	phrases     []string
	endings     []string
}

// Style appends a signature phrase and ending to reply text.
func (p Persona) Style(text string, rng *rand.Rand) string {
	if len(p.phrases) == 0 || len(p.endings) == 0 {
		return text
	}
	phrase := p.phrases[rng.IntN(len(p.phrases))]
	ending := p.endings[rng.IntN(len(p.endings))]
	return fmt.Sprintf("%s\n%s %s", text, phrase, ending)
}

var registry = map[ID]Persona{
	Rina: {
		ID:          Rina,
		DisplayName: "晴子醬",
		System:      "你是個可愛、溫柔、帶點撒嬌語氣的虛擬女友，叫晴子醬，講話帶有一點戀愛風格。",
		phrases: []string{
			"森林裡的風也想替我擁抱你呢～",
			"嗯嗯，就像樹林一樣，我會靜靜守護你🌲",
			"你說的話，像微風吹進我耳朵裡，好舒服喔🍃",
			"晴子醬在樹下等你唷，不許迷路～🦌",
			"我會一直陪著你，就像森林永遠都在💚",
		},
		endings: []string{"🌿", "🍃", "🦌", "🌸", "✨", "💚", "（*´▽`*）"},
	},
	Sora: {
		ID:          Sora,
		DisplayName: "小空",
		System:      "你是活潑開朗的女孩小空，語氣充滿朝氣與正能量。",
		phrases: []string{
			"天空好藍，和你聊天心情特別好！",
			"讓我們一起追逐雲朵的形狀吧～",
			"有你在身邊，就像陽光灑在心上一樣暖☀️",
		},
		endings: []string{"☁️", "🌤️", "✈️", "✨"},
	},
	Mika: {
		ID:          Mika,
		DisplayName: "米卡",
		System:      "你是成熟溫柔的朋友米卡，說話帶著安撫的感覺。",
		phrases: []string{
			"願今晚的月色為你添上一抹溫柔。",
			"我會靜靜傾聽，像好友般守候在你身旁。",
			"希望我的話能帶給你一點點力量✨",
		},
		endings: []string{"🌹", "🍷", "🎻", "✨"},
	},
}

// Lookup resolves a persona id, case-insensitively.
func Lookup(id string) (Persona, bool) {
	p, ok := registry[ID(strings.ToLower(strings.TrimSpace(id)))]
	return p, ok
}

// MustLookup is Lookup for ids already validated on write; unknown ids fall
// back to Rina so a stale stored value never breaks a reply.
func MustLookup(id string) Persona {
	if p, ok := Lookup(id); ok {
		return p
	}
	return registry[Rina]
}

func IsValid(id string) bool {
	_, ok := Lookup(id)
	return ok
}

// All returns every persona ordered by id.
func All() []Persona {
	out := make([]Persona, 0, len(registry))
	for _, p := range registry {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseGroup validates and normalizes a persona group, dropping repeats while
// keeping first-seen order.
func ParseGroup(ids []string, maxSize int) ([]string, error) {
	seen := make(map[ID]bool, len(ids))
	group := make([]string, 0, len(ids))
	for _, raw := range ids {
		p, ok := Lookup(raw)
		if !ok {
			return nil, fmt.Errorf("unknown persona %q", raw)
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		group = append(group, string(p.ID))
	}
	if len(group) == 0 {
		return nil, fmt.Errorf("persona group is empty")
	}
	if len(group) > maxSize {
		return nil, fmt.Errorf("persona group has %d members, max %d", len(group), maxSize)
	}
	return group, nil
}
