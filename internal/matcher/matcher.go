// Package matcher decides whether an inbound chat message satisfies a
// trigger's match configuration. Matching is a pure function: no I/O, no
// shared state, identical inputs produce identical results.
package matcher

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind selects the content test applied after the structural filters pass.
type Kind string

const (
	KindMention       Kind = "mention"
	KindContains      Kind = "contains"
	KindContainsImage Kind = "containsImage"
	KindEndsWith      Kind = "endsWith"
	KindEquals        Kind = "equals"
	KindEvery         Kind = "every"
	KindRegex         Kind = "regex"
	KindStartsWith    Kind = "startsWith"
)

// Config is a trigger's match configuration.
type Config struct {
	Kind          Kind
	Value         string
	CaseSensitive bool

	GuildIDs   []string
	RoleIDs    []string
	ChannelIDs []string

	// ChannelSubstring switches the channel filter to the legacy substring
	// comparison instead of exact id equality.
	ChannelSubstring bool

	ReferenceRequired bool
	AllowExternalBots bool
}

// Attachment is the matcher's view of a message attachment.
type Attachment struct {
	ContentType string
	Filename    string
	URL         string
}

// Reference is a resolved reply reference. The router fetches it at most
// once per inbound message and shares it across all trigger evaluations.
type Reference struct {
	MessageID string
	ChannelID string
	AuthorID  string
	Content   string
}

// Message is the matcher's view of an inbound message.
type Message struct {
	ID            string
	Content       string
	GuildID       string
	ChannelID     string
	AuthorID      string
	AuthorBot     bool
	AuthorSystem  bool
	AuthorRoleIDs []string
	MentionIDs    []string
	Attachments   []Attachment

	// HasReference reports whether the message carries a reply marker.
	HasReference bool
	// RefMessageID and RefChannelID locate the replied-to message so the
	// reference can be fetched when it was not delivered inline.
	RefMessageID string
	RefChannelID string
	// Reference is the resolved reply, nil until fetched.
	Reference *Reference
}

// Identity is the router's own identity on the platform.
type Identity struct {
	UserID string
}

// Result is produced on a successful match.
type Result struct {
	// Content is the original message content.
	Content string
	// ProcessedContent has the mention token stripped for mention-kind
	// triggers; identical to Content otherwise.
	ProcessedContent string
	// Reference carries the resolved reply data when it was fetched.
	Reference *Reference
}

// imageExtensions is the fallback set used when an attachment declares no
// content type.
var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
	".bmp":  {},
	".tiff": {},
	".svg":  {},
}

// Match evaluates msg against cfg on behalf of self. The second return
// value reports whether the message matched. Predicates run in a fixed
// order and short-circuit on the first failure.
func Match(msg Message, cfg Config, self Identity) (Result, bool) {
	if !authorAllowed(msg, cfg, self) {
		return Result{}, false
	}

	if len(cfg.GuildIDs) > 0 && !containsID(cfg.GuildIDs, msg.GuildID, false) {
		return Result{}, false
	}

	if len(cfg.RoleIDs) > 0 && !intersects(cfg.RoleIDs, msg.AuthorRoleIDs) {
		return Result{}, false
	}

	if len(cfg.ChannelIDs) > 0 && !containsID(cfg.ChannelIDs, msg.ChannelID, cfg.ChannelSubstring) {
		return Result{}, false
	}

	if cfg.ReferenceRequired && msg.Reference == nil {
		return Result{}, false
	}

	switch cfg.Kind {
	case KindMention:
		if !mentioned(msg, self) {
			return Result{}, false
		}
		return Result{
			Content:          msg.Content,
			ProcessedContent: stripMention(msg.Content, self),
			Reference:        msg.Reference,
		}, true

	case KindContainsImage:
		if !hasImageAttachment(msg.Attachments) {
			return Result{}, false
		}

	default:
		re, err := buildPattern(cfg)
		if err != nil {
			return Result{}, false
		}
		if !re.MatchString(msg.Content) {
			return Result{}, false
		}
	}

	return Result{
		Content:          msg.Content,
		ProcessedContent: msg.Content,
		Reference:        msg.Reference,
	}, true
}

// authorAllowed applies the bot/system author policy. With external bots
// allowed, only the router's own messages are rejected to prevent
// self-trigger loops.
func authorAllowed(msg Message, cfg Config, self Identity) bool {
	if cfg.AllowExternalBots {
		return msg.AuthorID != self.UserID
	}
	return !msg.AuthorBot && !msg.AuthorSystem
}

func containsID(set []string, id string, substring bool) bool {
	for _, s := range set {
		if s == "" {
			continue
		}
		if substring {
			if strings.Contains(id, s) {
				return true
			}
			continue
		}
		if s == id {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y && x != "" {
				return true
			}
		}
	}
	return false
}

func mentioned(msg Message, self Identity) bool {
	for _, id := range msg.MentionIDs {
		if id == self.UserID {
			return true
		}
	}

	return strings.Contains(msg.Content, "<@"+self.UserID+">") ||
		strings.Contains(msg.Content, "<@!"+self.UserID+">")
}

func stripMention(content string, self Identity) string {
	content = strings.ReplaceAll(content, "<@!"+self.UserID+">", "")
	content = strings.ReplaceAll(content, "<@"+self.UserID+">", "")
	return strings.TrimSpace(content)
}

func hasImageAttachment(attachments []Attachment) bool {
	for _, a := range attachments {
		if a.ContentType != "" {
			if strings.HasPrefix(a.ContentType, "image/") {
				return true
			}
			continue
		}

		ext := strings.ToLower(filepath.Ext(a.Filename))
		if _, ok := imageExtensions[ext]; ok {
			return true
		}
	}
	return false
}

// escapePattern escapes regex metacharacters in user-supplied trigger
// values so they match literally. The literal dash is escaped too,
// preserving the source behavior.
func escapePattern(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch r {
		case '|', '\\', '{', '}', '(', ')', '[', ']', '^', '$', '+', '*', '?', '.', '-':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func buildPattern(cfg Config) (*regexp.Regexp, error) {
	var pattern string

	switch cfg.Kind {
	case KindRegex:
		// User-supplied pattern, used verbatim.
		pattern = cfg.Value
	case KindStartsWith:
		pattern = "^" + escapePattern(cfg.Value)
	case KindEndsWith:
		pattern = escapePattern(cfg.Value) + "$"
	case KindContains:
		pattern = escapePattern(cfg.Value)
	case KindEvery:
		pattern = ""
	default:
		// equals and any unrecognized kind match the whole content.
		pattern = "^" + escapePattern(cfg.Value) + "$"
	}

	if !cfg.CaseSensitive {
		pattern = "(?i)" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger pattern %q: %w", pattern, err)
	}
	return re, nil
}
