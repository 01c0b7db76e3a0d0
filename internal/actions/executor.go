// Package actions performs outbound chat-platform operations on behalf of
// workers: sending messages and embeds, bulk deletions, role mutations and
// interactive confirmations.
package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"trigrelay/internal/errs"
	"trigrelay/internal/gateway"
	"trigrelay/internal/ipc"
)

const (
	confirmationWindow  = 10 * time.Second
	fileDownloadTimeout = 30 * time.Second
	maxFileDownloadSize = 10 * 1024 * 1024

	confirmYesID = "confirm_yes"
	confirmNoID  = "confirm_no"
)

// sessions resolves a ready gateway session for a credential key. The
// instance registry satisfies it.
type sessions interface {
	Session(credentialKey string) (gateway.Session, error)
}

// Executor drives outbound operations against ready bot instances.
type Executor struct {
	logger   *slog.Logger
	sessions sessions
	http     *http.Client
}

// NewExecutor creates an action executor.
func NewExecutor(logger *slog.Logger, sessions sessions) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		logger:   logger.With("component", "actions"),
		sessions: sessions,
		http:     &http.Client{Timeout: fileDownloadTimeout},
	}
}

// SendMessage validates readiness and channel capability, then sends the
// composed message. It returns the channel and message ids on success.
func (e *Executor) SendMessage(ctx context.Context, req ipc.SendMessageRequest) (string, string, error) {
	sess, err := e.sessions.Session(req.CredentialKey)
	if err != nil {
		return "", "", err
	}

	channel, err := sess.Channel(ctx, req.ChannelID)
	if err != nil {
		return "", "", err
	}
	if channel.Type != discordgo.ChannelTypeGuildText && channel.Type != discordgo.ChannelTypeGuildNews {
		return "", "", errs.NewConfigError("channel is not a text channel", nil)
	}

	send, err := e.buildSend(ctx, req)
	if err != nil {
		return "", "", err
	}

	sent, err := sess.SendComplex(ctx, req.ChannelID, send)
	if err != nil {
		return "", "", err
	}
	return sent.ChannelID, sent.ID, nil
}

// buildSend assembles the discord payload: content with optional role
// mention suffixes, an optional embed, and attachments. Inline base64
// image data is materialized as a named attachment.
func (e *Executor) buildSend(ctx context.Context, req ipc.SendMessageRequest) (*discordgo.MessageSend, error) {
	content := req.Content
	for _, roleID := range req.MentionRoleIDs {
		content += fmt.Sprintf(" <@&%s>", roleID)
	}

	send := &discordgo.MessageSend{Content: content}

	for i, f := range req.Files {
		file, err := e.materializeFile(ctx, f, fmt.Sprintf("file-%d", i))
		if err != nil {
			return nil, err
		}
		send.Files = append(send.Files, file)
	}

	if req.Embed != nil {
		embed, files, err := e.buildEmbed(ctx, req.Embed)
		if err != nil {
			return nil, err
		}
		send.Embeds = []*discordgo.MessageEmbed{embed}
		send.Files = append(send.Files, files...)
	}

	return send, nil
}

func (e *Executor) buildEmbed(ctx context.Context, spec *ipc.EmbedSpec) (*discordgo.MessageEmbed, []*discordgo.File, error) {
	embed := &discordgo.MessageEmbed{
		Title:       spec.Title,
		URL:         spec.URL,
		Description: spec.Description,
		Color:       spec.Color,
		Timestamp:   spec.Timestamp,
	}

	if spec.FooterText != "" || spec.FooterIcon != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: spec.FooterText, IconURL: spec.FooterIcon}
	}
	if spec.AuthorName != "" || spec.AuthorIcon != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    spec.AuthorName,
			URL:     spec.AuthorURL,
			IconURL: spec.AuthorIcon,
		}
	}
	for _, f := range spec.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}

	var files []*discordgo.File

	if spec.Image != "" {
		url, file, err := e.resolveImage(ctx, spec.Image, "embed-image")
		if err != nil {
			return nil, nil, err
		}
		embed.Image = &discordgo.MessageEmbedImage{URL: url}
		if file != nil {
			files = append(files, file)
		}
	}
	if spec.Thumbnail != "" {
		url, file, err := e.resolveImage(ctx, spec.Thumbnail, "embed-thumbnail")
		if err != nil {
			return nil, nil, err
		}
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: url}
		if file != nil {
			files = append(files, file)
		}
	}

	return embed, files, nil
}

// resolveImage returns either the remote URL as-is, or for inline base64
// data an attachment reference plus the materialized file.
func (e *Executor) resolveImage(_ context.Context, value, name string) (string, *discordgo.File, error) {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value, nil, nil
	}

	data, filename, err := decodeInline(value, name)
	if err != nil {
		return "", nil, err
	}
	return "attachment://" + filename, &discordgo.File{
		Name:   filename,
		Reader: bytes.NewReader(data),
	}, nil
}

func (e *Executor) materializeFile(ctx context.Context, spec ipc.FileSpec, fallbackName string) (*discordgo.File, error) {
	name := spec.Name
	if name == "" {
		name = fallbackName
	}

	if spec.URL != "" {
		data, err := e.download(ctx, spec.URL)
		if err != nil {
			return nil, err
		}
		return &discordgo.File{Name: name, Reader: bytes.NewReader(data)}, nil
	}

	if spec.Base64 != "" {
		data, filename, err := decodeInline(spec.Base64, name)
		if err != nil {
			return nil, err
		}
		return &discordgo.File{Name: filename, Reader: bytes.NewReader(data)}, nil
	}

	return nil, errs.NewConfigError("file spec has neither url nor base64 data", nil)
}

// decodeInline decodes a base64 payload, accepting a data: URI prefix.
// The filename extension is derived from the declared media type.
func decodeInline(value, name string) ([]byte, string, error) {
	ext := ".png"
	if strings.HasPrefix(value, "data:") {
		rest := strings.TrimPrefix(value, "data:")
		mediaType, encoded, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errs.NewConfigError("malformed data uri", nil)
		}
		mediaType = strings.TrimSuffix(mediaType, ";base64")
		if sub, ok := strings.CutPrefix(mediaType, "image/"); ok && sub != "" {
			ext = "." + sub
		}
		value = encoded
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, "", errs.NewConfigError("invalid base64 payload", err)
	}
	if !strings.Contains(name, ".") {
		name += ext
	}
	return data, name, nil
}

func (e *Executor) download(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fileDownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.NewConfigError("invalid file url", err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, errs.NewAPIError("failed to download file", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.NewAPIError(fmt.Sprintf("unexpected status %d downloading file", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileDownloadSize))
	if err != nil {
		return nil, errs.NewAPIError("failed to read file data", err)
	}
	return data, nil
}

// PerformAction executes a bulk delete or role mutation. Partial failures
// inside a batch are logged and skipped, never aborting the rest.
func (e *Executor) PerformAction(ctx context.Context, req ipc.SendActionRequest) error {
	sess, err := e.sessions.Session(req.CredentialKey)
	if err != nil {
		return err
	}

	switch req.Action {
	case "removeMessages":
		return e.removeMessages(ctx, sess, req.ChannelID, req.Count)
	case "addRole":
		return e.mutateRoles(ctx, sess, req.GuildID, req.UserID, req.RoleIDs, true)
	case "removeRole":
		return e.mutateRoles(ctx, sess, req.GuildID, req.UserID, req.RoleIDs, false)
	default:
		return errs.NewConfigError("unknown action "+req.Action, nil)
	}
}

func (e *Executor) removeMessages(ctx context.Context, sess gateway.Session, channelID string, count int) error {
	if count <= 0 {
		return errs.NewConfigError("message count must be positive", nil)
	}

	ids, err := sess.RecentMessageIDs(ctx, channelID, count)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := sess.BulkDelete(ctx, channelID, ids); err != nil {
		// Bulk delete rejects messages older than the platform allows;
		// fall back to per-message deletion and ignore stragglers.
		e.logger.Debug("bulk delete failed, deleting individually", "channel_id", channelID, "error", err)
		for _, id := range ids {
			if delErr := sess.DeleteMessage(ctx, channelID, id); delErr != nil {
				e.logger.Debug("failed to delete message", "message_id", id, "error", delErr)
			}
		}
	}
	return nil
}

// mutateRoles applies an idempotent add or remove per role id: roles
// already in the desired state are skipped, and one failing role does not
// abort the batch.
func (e *Executor) mutateRoles(ctx context.Context, sess gateway.Session, guildID, userID string, roleIDs []string, add bool) error {
	current, err := sess.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return err
	}

	has := make(map[string]struct{}, len(current))
	for _, id := range current {
		has[id] = struct{}{}
	}

	for _, roleID := range roleIDs {
		_, present := has[roleID]
		if add == present {
			continue
		}

		var mutErr error
		if add {
			mutErr = sess.RoleAdd(ctx, guildID, userID, roleID)
		} else {
			mutErr = sess.RoleRemove(ctx, guildID, userID, roleID)
		}
		if mutErr != nil {
			e.logger.Warn("role mutation failed, continuing batch",
				"guild_id", guildID, "user_id", userID, "role_id", roleID, "error", mutErr)
		}
	}
	return nil
}

// SendConfirmation sends the prompt with yes/no buttons, waits for at most
// one interaction within the confirmation window, and deletes the prompt
// regardless of outcome. It resolves nil on timeout or any unrelated
// interaction id; exactly one resolution path fires.
func (e *Executor) SendConfirmation(ctx context.Context, req ipc.SendConfirmationRequest) (*bool, error) {
	sess, err := e.sessions.Session(req.CredentialKey)
	if err != nil {
		return nil, err
	}

	send, err := e.buildSend(ctx, ipc.SendMessageRequest{
		CredentialKey: req.CredentialKey,
		ChannelID:     req.ChannelID,
		Content:       req.Content,
		Embed:         req.Embed,
	})
	if err != nil {
		return nil, err
	}

	send.Components = []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Yes", Style: discordgo.SuccessButton, CustomID: confirmYesID},
				discordgo.Button{Label: "No", Style: discordgo.DangerButton, CustomID: confirmNoID},
			},
		},
	}

	sent, err := sess.SendComplex(ctx, req.ChannelID, send)
	if err != nil {
		return nil, err
	}

	defer func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if delErr := sess.DeleteMessage(delCtx, sent.ChannelID, sent.ID); delErr != nil {
			e.logger.Debug("failed to delete confirmation prompt", "message_id", sent.ID, "error", delErr)
		}
	}()

	customID, err := sess.AwaitComponent(ctx, sent.ID, confirmationWindow)
	if err != nil {
		return nil, nil
	}

	switch customID {
	case confirmYesID:
		confirmed := true
		return &confirmed, nil
	case confirmNoID:
		confirmed := false
		return &confirmed, nil
	default:
		return nil, nil
	}
}
