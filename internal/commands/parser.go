package commands

import (
	"regexp"
	"strings"
)

// DefaultPrefixes are the characters that can start a command.
var DefaultPrefixes = []string{"/", "!"}

// commandNamePattern covers builtin names and the "cmd:<name>" form used
// by custom prompt commands.
const commandNamePattern = `[a-zA-Z][a-zA-Z0-9_-]*(?::[a-zA-Z][a-zA-Z0-9_-]*)?`

// Parser finds commands in message text: a leading control command, plus
// inline shortcuts embedded mid-message.
type Parser struct {
	prefixes []string
	registry *Registry
	leading  *regexp.Regexp
	inline   *regexp.Regexp
}

// NewParser creates a parser over the registry; default prefixes are "/"
// and "!".
func NewParser(registry *Registry, prefixes ...string) *Parser {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	escaped := make([]string, len(prefixes))
	for i, prefix := range prefixes {
		escaped[i] = regexp.QuoteMeta(prefix)
	}
	prefixAlt := strings.Join(escaped, "|")

	return &Parser{
		prefixes: prefixes,
		registry: registry,
		leading:  regexp.MustCompile(`^(?:` + prefixAlt + `)(` + commandNamePattern + `)(?:\s+(.*))?$`),
		inline:   regexp.MustCompile(`(?:^|\s)(` + prefixAlt + `)(` + commandNamePattern + `)`),
	}
}

// Parse finds every command in text. A command at the start of the
// message becomes Primary; IsControlCommand says whether it resolves in
// the registry.
func (p *Parser) Parse(text string) *Detection {
	text = strings.TrimSpace(text)
	detection := &Detection{}
	if text == "" {
		return detection
	}

	if p.startsWithCommand(text) {
		if match := p.leading.FindStringSubmatch(text); match != nil {
			parsed := ParsedCommand{
				Name:     strings.ToLower(match[1]),
				Args:     strings.TrimSpace(match[2]),
				Prefix:   text[:1],
				StartPos: 0,
				EndPos:   len(text),
			}
			detection.Commands = append(detection.Commands, parsed)
			detection.Primary = &detection.Commands[0]
			detection.HasCommand = true
			if p.registry != nil {
				_, detection.IsControlCommand = p.registry.Get(parsed.Name)
			}
		}
	}

	for _, match := range p.inline.FindAllStringSubmatchIndex(text, -1) {
		if match[0] == 0 && detection.Primary != nil {
			continue
		}
		start := match[0]
		if text[start] == ' ' {
			start++
		}
		detection.Commands = append(detection.Commands, ParsedCommand{
			Name:     strings.ToLower(text[match[4]:match[5]]),
			Prefix:   text[match[2]:match[3]],
			StartPos: start,
			EndPos:   match[5],
			Inline:   true,
		})
		detection.HasCommand = true
	}
	return detection
}

// ParseCommand parses text as one leading command, nil when it isn't one.
func (p *Parser) ParseCommand(text string) *ParsedCommand {
	detection := p.Parse(text)
	return detection.Primary
}

// IsCommand reports whether text starts with a command.
func (p *Parser) IsCommand(text string) bool {
	return p.startsWithCommand(strings.TrimSpace(text))
}

// HasInlineCommands reports whether text embeds any command token.
func (p *Parser) HasInlineCommands(text string) bool {
	return p.inline.MatchString(text)
}

// startsWithCommand requires a prefix followed immediately by a letter,
// so "/ path/to/file" and punctuation don't read as commands.
func (p *Parser) startsWithCommand(text string) bool {
	for _, prefix := range p.prefixes {
		if rest, ok := strings.CutPrefix(text, prefix); ok && rest != "" {
			first := rest[0]
			if (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') {
				return true
			}
		}
	}
	return false
}
