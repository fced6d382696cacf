package persona

// Template wraps a persona descriptor into a system prompt.
type Template struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Suffix string `yaml:"suffix" json:"suffix"`
}

// DefaultPersona is used when the configuration does not name one.
const DefaultPersona = "an AI that can assume any personality, named InfiniGPT"

// DefaultTemplate returns the stock roleplay template.
func DefaultTemplate() Template {
	return Template{
		Prefix: "assume the personality of ",
		Suffix: ".  roleplay and never break character. keep your responses short.",
	}
}

// Compose returns Prefix + persona + Suffix, verbatim.
func (t Template) Compose(persona string) string {
	return t.Prefix + persona + t.Suffix
}
