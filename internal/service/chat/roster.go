package chat

import (
	"sort"
	"strings"
	"sync"

	"github.com/zhouzirui/tavern-irc/internal/model/chat"
)

// modePrefixes are the channel membership prefixes NAMES puts before a nick.
const modePrefixes = "~&@%+"

// Roster tracks which nicknames are present in each channel. It is a lookup
// aid for collaboration targets, not an authorization mechanism.
type Roster struct {
	mu       sync.RWMutex
	channels map[string]map[string]string
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{channels: make(map[string]map[string]string)}
}

// Refresh merges a NAMES reply into the channel's participant set.
func (r *Roster) Refresh(channel string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.channel(channel)
	for _, name := range names {
		name = strings.TrimLeft(strings.TrimSpace(name), modePrefixes)
		if name == "" {
			continue
		}
		set[chat.Fold(name)] = name
	}
}

// Add records nick as present in channel.
func (r *Roster) Add(channel, nick string) {
	r.Refresh(channel, []string{nick})
}

// Remove drops nick from channel.
func (r *Roster) Remove(channel, nick string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.channels[chat.Fold(channel)]; ok {
		delete(set, chat.Fold(nick))
	}
}

// RemoveEverywhere drops nick from every channel, as on QUIT.
func (r *Roster) RemoveEverywhere(nick string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	folded := chat.Fold(nick)
	for _, set := range r.channels {
		delete(set, folded)
	}
}

// Rename moves a nick change across all channels.
func (r *Roster) Rename(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := chat.Fold(from)
	for _, set := range r.channels {
		if _, ok := set[old]; ok {
			delete(set, old)
			set[chat.Fold(to)] = to
		}
	}
}

// Forget drops everything known about channel, used when the bot leaves it.
func (r *Roster) Forget(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, chat.Fold(channel))
}

// Has reports whether nick is known in channel.
func (r *Roster) Has(channel, nick string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.channels[chat.Fold(channel)]
	if !ok {
		return false
	}
	_, ok = set[chat.Fold(nick)]
	return ok
}

// Names returns the display names known in channel, sorted.
func (r *Roster) Names(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.channels[chat.Fold(channel)]
	out := make([]string, 0, len(set))
	for _, name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Channels returns the channels with a known participant set, sorted.
func (r *Roster) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Roster) channel(name string) map[string]string {
	key := chat.Fold(name)
	set, ok := r.channels[key]
	if !ok {
		set = make(map[string]string)
		r.channels[key] = set
	}
	return set
}
