package chat

import (
	"strings"

	"github.com/lrstanley/girc"
)

// PrivateScope is the reserved scope for private-message conversations.
// Channel names always start with a channel prefix, so it cannot collide.
const PrivateScope = "@private"

// Key identifies one participant's conversation inside a scope.
type Key struct {
	Scope       string `json:"scope"`
	Participant string `json:"participant"`
}

// NewKey builds a Key with the IRC case rules applied to both parts.
func NewKey(scope, participant string) Key {
	return Key{Scope: Fold(scope), Participant: Fold(participant)}
}

// IsPrivate reports whether the key belongs to a private-message conversation.
func (k Key) IsPrivate() bool {
	return k.Scope == PrivateScope
}

func (k Key) String() string {
	return k.Scope + "/" + k.Participant
}

// Fold lower-cases an IRC name with rfc1459 casemapping, where []\^ are the
// upper-case forms of {}|~.
func Fold(name string) string {
	return girc.ToRFC1459(strings.TrimSpace(name))
}
