// Package command maps free text to bot actions and decides who may issue
// broadcasts.
package command

import (
	"fmt"
	"strings"

	"relaybot/internal/role"
)

// Prefix binds a command prefix to the role it targets.
type Prefix struct {
	Prefix     string
	TargetRole string
}

// Registration binds an exact keyword to the role it assigns.
type Registration struct {
	Keyword string
	Role    string
}

type Config struct {
	// Commands are checked in order; the first matching prefix wins.
	Commands     []Prefix
	Registration []Registration
	StatsKeyword string
}

type Kind int

const (
	KindNone Kind = iota
	KindRegister
	KindStats
	KindBroadcast
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindStats:
		return "stats"
	case KindBroadcast:
		return "broadcast"
	default:
		return "none"
	}
}

// Match is the result of classifying one message.
type Match struct {
	Kind Kind
	// Prefix and TargetRole are set for broadcasts.
	Prefix     string
	TargetRole string
	// Body is the text after the prefix, trimmed. It may be empty.
	Body string
	// Role is the role a registration keyword assigns.
	Role string
}

// BodyOr returns Body, or placeholder when Body is empty.
func (m Match) BodyOr(placeholder string) string {
	if m.Body == "" {
		return placeholder
	}
	return m.Body
}

type Parser struct {
	commands []Prefix
	register map[string]string
	stats    string
}

// NewParser validates the command tables against roles. Overlapping prefixes
// are allowed (declaration order decides) and reported as warnings.
func NewParser(cfg Config, roles *role.Registry) (*Parser, []string, error) {
	p := &Parser{register: map[string]string{}, stats: strings.TrimSpace(cfg.StatsKeyword)}
	var warnings []string

	for i, c := range cfg.Commands {
		prefix := strings.TrimSpace(c.Prefix)
		if prefix == "" {
			return nil, nil, fmt.Errorf("command %d: prefix is empty", i)
		}
		if !roles.IsKnown(c.TargetRole) {
			return nil, nil, fmt.Errorf("command %q: %w", prefix, &role.UnknownRoleError{Key: c.TargetRole})
		}
		for _, prev := range p.commands {
			if strings.HasPrefix(prefix, prev.Prefix) || strings.HasPrefix(prev.Prefix, prefix) {
				warnings = append(warnings, fmt.Sprintf("command prefixes %q and %q overlap; %q is checked first", prev.Prefix, prefix, prev.Prefix))
			}
		}
		p.commands = append(p.commands, Prefix{Prefix: prefix, TargetRole: c.TargetRole})
	}

	for _, r := range cfg.Registration {
		kw := strings.TrimSpace(r.Keyword)
		if kw == "" {
			return nil, nil, fmt.Errorf("registration keyword is empty")
		}
		if !roles.IsKnown(r.Role) {
			return nil, nil, fmt.Errorf("registration %q: %w", kw, &role.UnknownRoleError{Key: r.Role})
		}
		if _, dup := p.register[kw]; dup {
			return nil, nil, fmt.Errorf("registration keyword %q declared twice", kw)
		}
		p.register[kw] = r.Role
	}
	return p, warnings, nil
}

// Broadcast finds the first command prefix that text starts with.
func (p *Parser) Broadcast(text string) (Match, bool) {
	text = strings.TrimSpace(text)
	for _, c := range p.commands {
		if strings.HasPrefix(text, c.Prefix) {
			return Match{
				Kind:       KindBroadcast,
				Prefix:     c.Prefix,
				TargetRole: c.TargetRole,
				Body:       strings.TrimSpace(strings.TrimPrefix(text, c.Prefix)),
			}, true
		}
	}
	return Match{}, false
}

// Classify resolves a message from the recipient platform. Registration and
// statistics keywords must match exactly and take precedence over commands.
func (p *Parser) Classify(text string) Match {
	text = strings.TrimSpace(text)
	if r, ok := p.register[text]; ok {
		return Match{Kind: KindRegister, Role: r}
	}
	if p.stats != "" && text == p.stats {
		return Match{Kind: KindStats}
	}
	if m, ok := p.Broadcast(text); ok {
		return m
	}
	return Match{}
}
