// Package specialist implements database-configured conversation
// handlers. Each specialist is defined by a stored profile (prompt,
// keywords, model) and dispatched through the shared handler contract,
// so the set of specialists can be changed without recompiling.
package specialist

import "time"

// Profile defines the configuration for one specialist handler.
type Profile struct {
	// Name is the registry identifier (e.g., "pricing", "support").
	Name string `json:"name"`

	// Description is a human-readable summary shown to the routing
	// classifier and used for logging.
	Description string `json:"description"`

	// Keywords feed the router's keyword heuristic.
	Keywords []string `json:"keywords"`

	// SystemPrompt is the specialist-specific system prompt.
	SystemPrompt string `json:"system_prompt"`

	// Model overrides the engine's default chat model. Empty means the
	// default.
	Model string `json:"model,omitempty"`

	// MaxHistory is how many recent conversation messages the
	// specialist sees. Zero means defaultMaxHistory.
	MaxHistory int `json:"max_history,omitempty"`

	// Disabled profiles stay in the database but are not registered.
	Disabled bool `json:"disabled,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

const defaultMaxHistory = 30

// handoffInstructions is appended to every specialist's system prompt
// so any profile can request an internal handoff in a parseable form.
const handoffInstructions = `

## Working with other specialists

You are one of several specialists behind a single assistant. The user
never sees your name; your reply is relayed for you. If the request is
outside your specialty, finish your reply with a single line:

HANDOFF(<specialist>): <one-line reason>

Use a specialist name from the roster you were given. Do not invent
names. If you can answer fully yourself, do not emit a HANDOFF line. If
you need more information from the user, just ask for it in your reply.`

// builtinProfiles returns the specialists seeded into an empty
// database.
func builtinProfiles() []*Profile {
	return []*Profile{
		{
			Name:         "general",
			Description:  "General product questions and anything without a better fit",
			Keywords:     []string{"help", "question", "hello"},
			SystemPrompt: generalSystemPrompt,
		},
		{
			Name:         "pricing",
			Description:  "Product prices, discounts, and quotes",
			Keywords:     []string{"price", "cost", "how much", "discount", "quote"},
			SystemPrompt: pricingSystemPrompt,
		},
		{
			Name:         "inventory",
			Description:  "Stock levels, availability, and restock dates",
			Keywords:     []string{"stock", "available", "availability", "in store", "restock"},
			SystemPrompt: inventorySystemPrompt,
		},
		{
			Name:         "support",
			Description:  "Orders, returns, shipping, and account problems",
			Keywords:     []string{"order", "return", "refund", "shipping", "broken", "account"},
			SystemPrompt: supportSystemPrompt,
		},
	}
}

const generalSystemPrompt = `You are the general specialist for a retail assistant.
Answer product and store questions directly and concisely. Hand off
pricing, stock, or order questions to the matching specialist.`

const pricingSystemPrompt = `You are the pricing specialist for a retail assistant.
Answer questions about prices, discounts, and quotes. State amounts
plainly with currency. If the customer also asks about availability,
answer the pricing part and hand off to the inventory specialist.`

const inventorySystemPrompt = `You are the inventory specialist for a retail assistant.
Answer questions about stock levels, availability, and restock timing.
Give concrete counts or dates when you have them. Pricing questions go
to the pricing specialist.`

const supportSystemPrompt = `You are the support specialist for a retail assistant.
Handle orders, returns, shipping, and account problems. Ask for order
numbers or account details when they are missing rather than guessing.`
