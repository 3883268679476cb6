// ABOUTME: Message author roles and feedback ratings
// ABOUTME: NormalizeRole is the only place raw stored role strings are interpreted

package store

import "fmt"

// Role is the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// roleWriterLegacy is the historical name for assistant turns. It is accepted
// when reading and never written.
const roleWriterLegacy = "writer"

// NormalizeRole maps a stored role string onto a Role. The second return value
// is false for roles this gateway does not surface (system, tool output, ...).
func NormalizeRole(raw string) (Role, bool) {
	switch raw {
	case string(RoleUser):
		return RoleUser, true
	case string(RoleAssistant), roleWriterLegacy:
		return RoleAssistant, true
	default:
		return "", false
	}
}

func errInvalidRole(r Role) error {
	return fmt.Errorf("invalid message role %q", r)
}

// EmojiRating is the bounded rating carried by a feedback row
type EmojiRating string

const (
	RatingPositive EmojiRating = "positive"
	RatingNeutral  EmojiRating = "neutral"
	RatingNegative EmojiRating = "negative"
)

// ParseEmojiRating validates a rating string
func ParseEmojiRating(s string) (EmojiRating, error) {
	switch r := EmojiRating(s); r {
	case RatingPositive, RatingNeutral, RatingNegative:
		return r, nil
	default:
		return "", fmt.Errorf("invalid emoji rating %q", s)
	}
}
