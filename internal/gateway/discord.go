package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/errs"
	"trigrelay/internal/matcher"
)

const guildPageSize = 100

// discordSession implements Session on top of discordgo.
type discordSession struct {
	s      *discordgo.Session
	logger *slog.Logger

	mu        sync.Mutex
	onMessage func(msg matcher.Message)
	waiters   map[string]chan string // message id -> component custom id
}

// DialDiscord is the production Dialer.
func DialDiscord(creds Credentials) (Session, error) {
	if creds.Token == "" {
		return nil, errs.NewConfigError("missing bot token", nil)
	}

	s, err := discordgo.New("Bot " + creds.Token)
	if err != nil {
		return nil, errs.NewConfigError("failed to create discord session", err)
	}

	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsMessageContent

	ds := &discordSession{
		s:       s,
		logger:  slog.Default().With("component", "gateway"),
		waiters: make(map[string]chan string),
	}

	s.AddHandler(ds.handleMessageCreate)
	s.AddHandler(ds.handleInteractionCreate)

	return ds, nil
}

func (d *discordSession) Open(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.s.Open()
	}()

	select {
	case err := <-done:
		if err != nil {
			return errs.NewAuthError("discord login failed", err)
		}
	case <-ctx.Done():
		// Abandon the attempt; Close tears down whatever was established.
		go func() {
			<-done
			_ = d.s.Close()
		}()
		return errs.NewTransportError("discord login timed out", ctx.Err())
	}

	if d.s.State == nil || d.s.State.User == nil {
		_ = d.s.Close()
		return errs.NewAuthError("discord login yielded no identity", nil)
	}

	d.logger.Info("gateway connection ready",
		"bot_id", d.s.State.User.ID,
		"bot_username", d.s.State.User.Username)
	return nil
}

func (d *discordSession) Close() error {
	return d.s.Close()
}

func (d *discordSession) Self() Self {
	if d.s.State == nil || d.s.State.User == nil {
		return Self{}
	}
	return Self{UserID: d.s.State.User.ID, Username: d.s.State.User.Username}
}

func (d *discordSession) OnMessageCreate(fn func(msg matcher.Message)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *discordSession) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn == nil || m.Author == nil {
		return
	}
	fn(toMatcherMessage(m.Message))
}

// toMatcherMessage converts a discord message into the matcher's view.
func toMatcherMessage(m *discordgo.Message) matcher.Message {
	msg := matcher.Message{
		ID:           m.ID,
		Content:      m.Content,
		GuildID:      m.GuildID,
		ChannelID:    m.ChannelID,
		AuthorID:     m.Author.ID,
		AuthorBot:    m.Author.Bot,
		AuthorSystem: m.Author.System,
		HasReference: m.MessageReference != nil,
	}

	if m.MessageReference != nil {
		msg.RefMessageID = m.MessageReference.MessageID
		msg.RefChannelID = m.MessageReference.ChannelID
	}

	if m.Member != nil {
		msg.AuthorRoleIDs = m.Member.Roles
	}
	for _, u := range m.Mentions {
		msg.MentionIDs = append(msg.MentionIDs, u.ID)
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, matcher.Attachment{
			ContentType: a.ContentType,
			Filename:    a.Filename,
			URL:         a.URL,
		})
	}

	// The gateway sometimes delivers the referenced message inline; use it
	// so the router can skip the fetch.
	if m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil {
		msg.Reference = &matcher.Reference{
			MessageID: m.ReferencedMessage.ID,
			ChannelID: m.ReferencedMessage.ChannelID,
			AuthorID:  m.ReferencedMessage.Author.ID,
			Content:   m.ReferencedMessage.Content,
		}
	}

	return msg
}

func (d *discordSession) handleInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent || i.Message == nil {
		return
	}

	d.mu.Lock()
	ch, ok := d.waiters[i.Message.ID]
	d.mu.Unlock()
	if !ok {
		return
	}

	// Acknowledge so the client stops showing a pending state.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		d.logger.Debug("failed to ack component interaction", "error", err)
	}

	select {
	case ch <- i.MessageComponentData().CustomID:
	default:
	}
}

func (d *discordSession) AwaitComponent(ctx context.Context, messageID string, timeout time.Duration) (string, error) {
	ch := make(chan string, 1)

	d.mu.Lock()
	d.waiters[messageID] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, messageID)
		d.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case customID := <-ch:
		return customID, nil
	case <-timer.C:
		return "", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (d *discordSession) Guilds(ctx context.Context) ([]NameID, error) {
	var out []NameID
	afterID := ""
	for {
		page, err := d.s.UserGuilds(guildPageSize, "", afterID, false, discordgo.WithContext(ctx))
		if err != nil {
			return nil, errs.NewAPIError("failed to list guilds", err)
		}
		for _, g := range page {
			out = append(out, NameID{Name: g.Name, ID: g.ID})
		}
		if len(page) < guildPageSize {
			return out, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (d *discordSession) Channels(ctx context.Context, guildIDs []string) ([]NameID, error) {
	var out []NameID
	for _, guildID := range guildIDs {
		channels, err := d.s.GuildChannels(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, errs.NewAPIError(fmt.Sprintf("failed to list channels for guild %s", guildID), err)
		}
		for _, c := range channels {
			if c.Type != discordgo.ChannelTypeGuildText && c.Type != discordgo.ChannelTypeGuildNews {
				continue
			}
			out = append(out, NameID{Name: c.Name, ID: c.ID})
		}
	}
	return out, nil
}

func (d *discordSession) Roles(ctx context.Context, guildIDs []string) ([]NameID, error) {
	var out []NameID
	for _, guildID := range guildIDs {
		roles, err := d.s.GuildRoles(guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, errs.NewAPIError(fmt.Sprintf("failed to list roles for guild %s", guildID), err)
		}
		for _, r := range roles {
			if r.Name == "@everyone" {
				continue
			}
			out = append(out, NameID{Name: r.Name, ID: r.ID})
		}
	}
	return out, nil
}

func (d *discordSession) Channel(ctx context.Context, channelID string) (*discordgo.Channel, error) {
	c, err := d.s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errs.NewNotFoundError(fmt.Sprintf("channel %s not found", channelID), err)
	}
	return c, nil
}

func (d *discordSession) Message(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	m, err := d.s.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errs.NewNotFoundError(fmt.Sprintf("message %s not found", messageID), err)
	}
	return m, nil
}

func (d *discordSession) SendComplex(ctx context.Context, channelID string, send *discordgo.MessageSend) (*discordgo.Message, error) {
	m, err := d.s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errs.NewAPIError("failed to send message", err)
	}
	return m, nil
}

func (d *discordSession) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	_, err := d.s.ChannelMessageEdit(channelID, messageID, content, discordgo.WithContext(ctx))
	if err != nil {
		return errs.NewAPIError("failed to edit message", err)
	}
	return nil
}

func (d *discordSession) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if err := d.s.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return errs.NewAPIError("failed to delete message", err)
	}
	return nil
}

func (d *discordSession) RecentMessageIDs(ctx context.Context, channelID string, limit int) ([]string, error) {
	msgs, err := d.s.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, errs.NewAPIError("failed to fetch recent messages", err)
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (d *discordSession) BulkDelete(ctx context.Context, channelID string, messageIDs []string) error {
	if err := d.s.ChannelMessagesBulkDelete(channelID, messageIDs, discordgo.WithContext(ctx)); err != nil {
		return errs.NewAPIError("failed to bulk delete messages", err)
	}
	return nil
}

func (d *discordSession) MemberRoles(ctx context.Context, guildID, userID string) ([]string, error) {
	member, err := d.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errs.NewNotFoundError(fmt.Sprintf("member %s not found in guild %s", userID, guildID), err)
	}
	return member.Roles, nil
}

func (d *discordSession) RoleAdd(ctx context.Context, guildID, userID, roleID string) error {
	if err := d.s.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return errs.NewAPIError("failed to add role", err)
	}
	return nil
}

func (d *discordSession) RoleRemove(ctx context.Context, guildID, userID, roleID string) error {
	if err := d.s.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return errs.NewAPIError("failed to remove role", err)
	}
	return nil
}
