// Package domain contains core domain types for the Astro application.
package domain

// Topic identifies a consultation subject area.
type Topic string

const (
	TopicLove    Topic = "love"
	TopicCareer  Topic = "career"
	TopicFinance Topic = "finance"
)

// ParseTopic maps a raw topic key to a Topic. Unrecognized or empty keys
// fall back to TopicLove so a malformed selector never fails a request.
func ParseTopic(raw string) Topic {
	switch Topic(raw) {
	case TopicLove, TopicCareer, TopicFinance:
		return Topic(raw)
	default:
		return TopicLove
	}
}

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool {
	switch t {
	case TopicLove, TopicCareer, TopicFinance:
		return true
	}
	return false
}
