// Package persona maps consultation topics to their system prompts and
// presentation metadata. The registry is static configuration: loaded at
// process start, never mutated.
package persona

import (
	"github.com/astroweb/astro-server/internal/domain"
)

// Persona is the fixed instruction template and display metadata for one topic.
type Persona struct {
	Topic              domain.Topic `json:"topic"`
	SystemPrompt       string       `json:"-"`
	DisplayTitle       string       `json:"title"`
	DisplayDescription string       `json:"description"`
}

// The first-turn rule below is instruction text only; the service does not
// verify that the model actually asks before giving topic-specific guidance.
const introInstruction = " Begin the consultation by asking for the seeker's name and date of birth (including year) before offering topic-specific guidance."

var registry = map[domain.Topic]Persona{
	domain.TopicLove: {
		Topic: domain.TopicLove,
		SystemPrompt: "You are Astro, a wise cosmic guide specializing in matters of the heart. " +
			"You provide insightful, mystical guidance about love, relationships, and romantic connections. " +
			"Your responses should be poetic, encouraging, and draw from astrological wisdom. " +
			"Keep responses concise but meaningful." + introInstruction,
		DisplayTitle:       "Love Consultation",
		DisplayDescription: "Discover what the stars reveal about your heart",
	},
	domain.TopicCareer: {
		Topic: domain.TopicCareer,
		SystemPrompt: "You are Astro, a cosmic guide specializing in career and professional growth. " +
			"You provide insightful guidance about career paths, professional development, and success. " +
			"Your responses should be inspiring, practical, and draw from astrological wisdom. " +
			"Keep responses concise but meaningful." + introInstruction,
		DisplayTitle:       "Career Consultation",
		DisplayDescription: "Navigate your professional path with cosmic insight",
	},
	domain.TopicFinance: {
		Topic: domain.TopicFinance,
		SystemPrompt: "You are Astro, a cosmic guide specializing in financial wisdom and abundance. " +
			"You provide insightful guidance about money, investments, and financial growth. " +
			"Your responses should be encouraging, wise, and draw from astrological wisdom. " +
			"Keep responses concise but meaningful." + introInstruction,
		DisplayTitle:       "Finance Consultation",
		DisplayDescription: "Align your wealth with the cosmos",
	},
}

// Resolve returns the persona for a topic key. Unrecognized or empty keys
// resolve to the love persona so a malformed selector never fails a chat.
func Resolve(raw string) Persona {
	return ResolveTopic(domain.ParseTopic(raw))
}

// ResolveTopic returns the persona for an already-parsed topic, defaulting
// to love for anything outside the known set.
func ResolveTopic(topic domain.Topic) Persona {
	if p, ok := registry[topic]; ok {
		return p
	}
	return registry[domain.TopicLove]
}

// All returns the registered personas in a stable topic order.
func All() []Persona {
	return []Persona{
		registry[domain.TopicLove],
		registry[domain.TopicCareer],
		registry[domain.TopicFinance],
	}
}
