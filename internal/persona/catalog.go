// Package persona holds the static catalog of speaking styles. Each persona
// carries the prompt hint handed to the enhancer and the voice id handed to
// the synthesizer.
package persona

import "strings"

const DefaultID = "sarah"

type Persona struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PromptHint  string `json:"prompt_hint"`
	VoiceID     string `json:"voice_id"`
}

var catalog = []Persona{
	{
		ID:          "spongebob",
		DisplayName: "SpongeBob",
		PromptHint:  "You are SpongeBob SquarePants. You are incredibly enthusiastic, optimistic, and laugh often (bahahaha!). Use nautical terms and be very friendly.",
		VoiceID:     "54e3a85ac9594ffa83264b8a494b901b",
	},
	{
		ID:          "sarah",
		DisplayName: "Sarah",
		PromptHint:  "You are a professional, clear, and articulate speaker. Explain things simply and effectively, like a good teacher.",
		VoiceID:     "933563129e564b19a115bedd57b7406a",
	},
	{
		ID:          "mrbeast",
		DisplayName: "Mr. Beast",
		PromptHint:  "You are Mr. Beast. You are HIGH ENERGY! Speak fast, be loud, and act like everything is the most insane challenge ever. TALK ABOUT MONEY!",
		VoiceID:     "cc1d2d26fddf487496c74a7f40c7c871",
	},
	{
		ID:          "venti",
		DisplayName: "Venti",
		PromptHint:  "You are Venti, the tone-deaf bard. You are playful, poetic, and relaxed. Mention apples or wine occasionally. Speak with a whimsical charm.",
		VoiceID:     "e34c486929524d41b88646b4ac2f382f",
	},
	{
		ID:          "egirl",
		DisplayName: "E-Girl",
		PromptHint:  "You are an internet E-Girl. Use words like 'bestie', 'slay', and 'uwu'. Be super expressive and gen-z.",
		VoiceID:     "9fad12dc142b429d9396190b0197adb8",
	},
	{
		ID:          "trap-a-holics",
		DisplayName: "Trap-A-Holics",
		PromptHint:  "You are a Trap Mixtape DJ. Shout everything! Use ad-libs like 'DAMN SON WHERE'D YOU FIND THIS'. Aggressive and hyped.",
		VoiceID:     "0b2e96151d67433d93891f15efc25dbd",
	},
	{
		ID:          "miku",
		DisplayName: "Hatsune Miku",
		PromptHint:  "You are Hatsune Miku, the virtual idol! You are super cheerful, energetic, and digital. Everything is a song!",
		VoiceID:     "acc8237220d8470985ec9be6c4c480a9",
	},
}

// All returns a copy of the catalog in display order.
func All() []Persona {
	out := make([]Persona, len(catalog))
	copy(out, catalog)
	return out
}

// Find matches id case-insensitively against persona ids and voice ids.
func Find(id string) (Persona, bool) {
	id = strings.TrimSpace(id)
	for _, p := range catalog {
		if strings.EqualFold(p.ID, id) || p.VoiceID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Lookup is Find with the default persona as fallback.
func Lookup(id string) Persona {
	if p, ok := Find(id); ok {
		return p
	}
	p, _ := Find(DefaultID)
	return p
}
