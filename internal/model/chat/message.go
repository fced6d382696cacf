package chat

import "github.com/cloudwego/eino/schema"

// Roles accepted by the history store.
const (
	RoleSystem    = schema.System
	RoleUser      = schema.User
	RoleAssistant = schema.Assistant
)

// NewMessage creates a history entry for the given role.
func NewMessage(role schema.RoleType, content string) *schema.Message {
	return &schema.Message{Role: role, Content: content}
}

// Snapshot returns an independent copy of msgs, safe to hand to a model call
// while the history keeps changing.
func Snapshot(msgs []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}
