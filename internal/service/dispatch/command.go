package dispatch

import (
	"strings"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
)

// Kind identifies a parsed command.
type Kind int

const (
	KindNone Kind = iota
	KindAI
	KindX
	KindPersona
	KindCustom
	KindReset
	KindStock
	KindHelp
	KindModel
	KindJoin
	KindPart
	KindDefault
	KindNick
)

var kindNames = map[Kind]string{
	KindNone:    "none",
	KindAI:      "ai",
	KindX:       "x",
	KindPersona: "persona",
	KindCustom:  "custom",
	KindReset:   "reset",
	KindStock:   "stock",
	KindHelp:    "help",
	KindModel:   "model",
	KindJoin:    "join",
	KindPart:    "part",
	KindDefault: "default",
	KindNick:    "nick",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Admin reports whether the command requires an admin sender.
func (k Kind) Admin() bool {
	switch k {
	case KindModel, KindJoin, KindPart, KindDefault, KindNick:
		return true
	default:
		return false
	}
}

var triggers = map[string]Kind{
	".ai":      KindAI,
	".x":       KindX,
	".persona": KindPersona,
	".custom":  KindCustom,
	".reset":   KindReset,
	".stock":   KindStock,
	".help":    KindHelp,
	".model":   KindModel,
	".join":    KindJoin,
	".part":    KindPart,
	".default": KindDefault,
	".nick":    KindNick,
}

// Command is a parsed chat line.
type Command struct {
	Kind Kind
	// Target is the .x recipient or the channel/nick argument of admin commands.
	Target string
	// Text is the free-form remainder.
	Text string
}

// Parse classifies text by its first space-delimited token. nick is the bot's
// current nickname; "<nick>:" and "<nick>," address the bot like ".ai".
func Parse(text, nick string) Command {
	head, rest, _ := strings.Cut(text, " ")

	kind, ok := triggers[head]
	if !ok {
		if nick == "" || !addressed(head, nick) {
			return Command{Kind: KindNone}
		}
		kind = KindAI
	}

	cmd := Command{Kind: kind}
	switch kind {
	case KindX:
		target, message, _ := strings.Cut(rest, " ")
		cmd.Target = strings.TrimSpace(target)
		cmd.Text = strings.TrimSpace(message)
	case KindModel, KindJoin, KindPart, KindNick:
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			cmd.Target = fields[0]
		}
		if len(fields) > 1 {
			cmd.Text = strings.Join(fields[1:], " ")
		}
	default:
		cmd.Text = strings.TrimSpace(rest)
	}
	return cmd
}

func addressed(head, nick string) bool {
	if len(head) != len(nick)+1 {
		return false
	}
	last := head[len(head)-1]
	if last != ':' && last != ',' {
		return false
	}
	return chat.Fold(head[:len(head)-1]) == chat.Fold(nick)
}
