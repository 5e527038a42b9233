package service

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/board-presence/internal/model"
)

var (
	guestAdjectives = []string{
		"Amber", "Brisk", "Calm", "Daring", "Eager", "Fuzzy", "Gentle", "Hazy",
		"Jolly", "Keen", "Lucky", "Merry", "Nimble", "Plucky", "Quiet", "Rusty",
		"Sunny", "Tidy", "Vivid", "Witty", "Zesty",
	}
	guestAnimals = []string{
		"Otter", "Falcon", "Panda", "Lynx", "Heron", "Koala", "Badger", "Gecko",
		"Marten", "Puffin", "Quokka", "Robin", "Tapir", "Walrus", "Yak", "Newt",
		"Ibis", "Dingo", "Civet", "Urchin", "Vole",
	}
	guestPalette = []string{
		"#e57373", "#64b5f6", "#81c784", "#ffb74d", "#ba68c8", "#4db6ac",
		"#f06292", "#a1887f", "#7986cb", "#dce775", "#4fc3f7", "#ff8a65",
	}
)

// GuestProvisioner synthesizes guest identities that do not collide
// visually with the people already on the board.
type GuestProvisioner struct{}

// NewGuestProvisioner creates a provisioner.
func NewGuestProvisioner() *GuestProvisioner {
	return &GuestProvisioner{}
}

// Provision builds a guest identity for seed (the browser session ID).
// takenNames are names already visible on the board; takenColors are
// avatar colors already assigned to other guests.
func (g *GuestProvisioner) Provision(seed string, takenNames, takenColors []string) model.GuestIdentity {
	h := fnv.New32a()
	h.Write([]byte(seed))
	offset := int(h.Sum32())

	name := pickGuestName(offset, takenNames)
	color := pickGuestColor(offset, takenColors)

	return model.GuestIdentity{
		ID:             "guest-" + uuid.Must(uuid.NewV7()).String(),
		Name:           name,
		ProfilePicture: avatarDataURI(initials(name), color),
		Color:          color,
		Preferences: map[string]any{
			"color": color,
			"theme": "system",
		},
		IsGuest: true,
	}
}

func pickGuestName(offset int, taken []string) string {
	takenNames := make(map[string]bool, len(taken))
	takenInitials := make(map[string]bool, len(taken))
	for _, n := range taken {
		takenNames[strings.ToLower(n)] = true
		takenInitials[initials(n)] = true
	}

	total := len(guestAdjectives) * len(guestAnimals)
	candidate := func(i int) string {
		i = (offset + i) % total
		return guestAdjectives[i%len(guestAdjectives)] + " " + guestAnimals[(i/len(guestAdjectives))%len(guestAnimals)]
	}

	// Prefer names whose avatar initials are not already on the board.
	fallback := ""
	for i := 0; i < total; i++ {
		name := candidate(i)
		if takenNames[strings.ToLower(name)] {
			continue
		}
		if !takenInitials[initials(name)] {
			return name
		}
		if fallback == "" {
			fallback = name
		}
	}
	if fallback != "" {
		return fallback
	}

	base := candidate(0)
	for n := 2; ; n++ {
		name := fmt.Sprintf("%s %d", base, n)
		if !takenNames[strings.ToLower(name)] {
			return name
		}
	}
}

func pickGuestColor(offset int, taken []string) string {
	used := make(map[string]bool, len(taken))
	for _, c := range taken {
		used[strings.ToLower(c)] = true
	}
	for i := 0; i < len(guestPalette); i++ {
		c := guestPalette[(offset+i)%len(guestPalette)]
		if !used[c] {
			return c
		}
	}
	return guestPalette[offset%len(guestPalette)]
}

func initials(name string) string {
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		r := []rune(part)
		if len(r) == 0 {
			continue
		}
		b.WriteString(strings.ToUpper(string(r[0])))
		if b.Len() >= 2 {
			break
		}
	}
	return b.String()
}

func avatarDataURI(text, color string) string {
	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="64" height="64"><circle cx="32" cy="32" r="32" fill="%s"/>`+
			`<text x="50%%" y="50%%" dy=".35em" text-anchor="middle" font-family="sans-serif" font-size="26" fill="#fff">%s</text></svg>`,
		color, text,
	)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}
