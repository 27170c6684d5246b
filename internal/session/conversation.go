// Package session holds the client-side consultation state machine: a
// transcript per topic and an orchestrator that drives one exchange at a
// time against a streaming generation backend, debiting the credit ledger
// only after a fully delivered reply.
package session

import (
	"github.com/astroweb/astro-server/internal/domain"
	"github.com/astroweb/astro-server/internal/persona"
)

// Conversation is the transcript for a single topic. It is owned by an
// Orchestrator and not safe for unsynchronized concurrent use.
type Conversation struct {
	topic    domain.Topic
	messages []domain.Message
}

// NewConversation starts a transcript for the given topic, seeded with the
// astrologer's greeting so a fresh consultation is never empty.
func NewConversation(topic domain.Topic) *Conversation {
	p := persona.ResolveTopic(topic)
	welcome := "Welcome to your " + string(p.Topic) +
		" consultation! I'm Astro, your professional astrologer. To provide you with " +
		"accurate astrological insights, I'll need your Date of Birth (including year) " +
		"and your name. Could you share these details?"
	return &Conversation{
		topic:    p.Topic,
		messages: []domain.Message{domain.NewMessage(domain.RoleAssistant, welcome)},
	}
}

// Topic returns the conversation's topic.
func (c *Conversation) Topic() domain.Topic {
	return c.topic
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []domain.Message {
	out := make([]domain.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Transcript returns the wire form of the transcript, ready to send to a
// generation backend.
func (c *Conversation) Transcript() []domain.TranscriptEntry {
	out := make([]domain.TranscriptEntry, len(c.messages))
	for i, m := range c.messages {
		out[i] = domain.TranscriptEntry{Role: m.Role, Content: m.Content}
	}
	return out
}

func (c *Conversation) append(role domain.Role, content string) domain.Message {
	m := domain.NewMessage(role, content)
	c.messages = append(c.messages, m)
	return m
}
