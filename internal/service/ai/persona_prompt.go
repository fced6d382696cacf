package ai

import (
	modelchat "github.com/zhouzirui/tavern-irc/internal/model/chat"
	"github.com/zhouzirui/tavern-irc/internal/model/persona"
	chatservice "github.com/zhouzirui/tavern-irc/internal/service/chat"
)

// IntroducePrompt is the synthetic user turn sent after a persona change.
const IntroducePrompt = "introduce yourself"

// PersonaPromptManager manages the system prompt of each participant's history.
type PersonaPromptManager struct {
	history  *chatservice.Service
	personas persona.Store
	template persona.Template
}

// NewPersonaPromptManager creates a manager composing personas with template.
func NewPersonaPromptManager(history *chatservice.Service, personas persona.Store, template persona.Template) *PersonaPromptManager {
	return &PersonaPromptManager{
		history:  history,
		personas: personas,
		template: template,
	}
}

// DefaultPrompt returns the system prompt that seeds new histories.
func (pm *PersonaPromptManager) DefaultPrompt() string {
	return pm.template.Compose(pm.personas.Default())
}

// BuildSystemPrompt composes the system prompt for a persona description.
func (pm *PersonaPromptManager) BuildSystemPrompt(description string) string {
	return pm.template.Compose(description)
}

// SetPersona clears the history and seeds it with the composed persona prompt.
func (pm *PersonaPromptManager) SetPersona(key modelchat.Key, description string) {
	pm.SetCustom(key, pm.BuildSystemPrompt(description))
}

// SetCustom clears the history and seeds it with a raw system prompt.
func (pm *PersonaPromptManager) SetCustom(key modelchat.Key, prompt string) {
	pm.history.Clear(key)
	pm.history.Append(key, modelchat.RoleSystem, prompt)
}

// Reset restores the default persona.
func (pm *PersonaPromptManager) Reset(key modelchat.Key) {
	pm.SetCustom(key, pm.DefaultPrompt())
}

// SetStock leaves the participant with an empty history and no system prompt.
func (pm *PersonaPromptManager) SetStock(key modelchat.Key) {
	pm.history.Clear(key)
}

// SetDefaultPersona overrides the process-wide default persona.
func (pm *PersonaPromptManager) SetDefaultPersona(description string) bool {
	return pm.personas.SetDefault(description)
}

// DefaultPersona returns the process-wide default persona.
func (pm *PersonaPromptManager) DefaultPersona() string {
	return pm.personas.Default()
}

// RestoreDefaultPersona puts the configured default persona back after an
// admin override.
func (pm *PersonaPromptManager) RestoreDefaultPersona() {
	pm.personas.Restore()
}
