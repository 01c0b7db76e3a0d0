// Package gateway defines the router's boundary to the chat platform: a
// Session owns one realtime connection plus the REST operations the router
// needs. The production implementation wraps discordgo; tests substitute
// fakes through the Dialer.
package gateway

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/matcher"
)

// Credentials identifies one bot identity on the platform.
type Credentials struct {
	ClientID string
	Token    string
	// BaseURL is accepted for compatibility with stored credentials.
	// discordgo uses package-level endpoints, so it is not applied.
	BaseURL string
}

// Self describes the connection's own identity once logged in.
type Self struct {
	UserID   string
	Username string
}

// NameID is the name/id pair returned by the enumeration operations.
type NameID struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Session is one live connection to the platform. All REST operations
// accept a context; the realtime stream is consumed via OnMessageCreate.
type Session interface {
	// Open logs in and starts the realtime connection. It is guarded by
	// ctx: on expiry the connection attempt is abandoned and torn down.
	Open(ctx context.Context) error
	Close() error

	// Self is valid only after a successful Open.
	Self() Self

	// OnMessageCreate registers the handler for inbound messages. Must be
	// called before Open.
	OnMessageCreate(fn func(msg matcher.Message))

	Guilds(ctx context.Context) ([]NameID, error)
	Channels(ctx context.Context, guildIDs []string) ([]NameID, error)
	Roles(ctx context.Context, guildIDs []string) ([]NameID, error)

	Channel(ctx context.Context, channelID string) (*discordgo.Channel, error)
	Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)

	SendComplex(ctx context.Context, channelID string, send *discordgo.MessageSend) (*discordgo.Message, error)
	EditMessage(ctx context.Context, channelID, messageID, content string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	RecentMessageIDs(ctx context.Context, channelID string, limit int) ([]string, error)
	BulkDelete(ctx context.Context, channelID string, messageIDs []string) error

	MemberRoles(ctx context.Context, guildID, userID string) ([]string, error)
	RoleAdd(ctx context.Context, guildID, userID, roleID string) error
	RoleRemove(ctx context.Context, guildID, userID, roleID string) error

	// AwaitComponent blocks until a component interaction arrives for the
	// given message, the timeout elapses, or ctx is cancelled. It returns
	// the interaction's custom id, or "" on timeout.
	AwaitComponent(ctx context.Context, messageID string, timeout time.Duration) (string, error)
}

// Dialer constructs an unopened Session for a credential set. The instance
// registry uses it so tests can inject fakes.
type Dialer func(creds Credentials) (Session, error)
