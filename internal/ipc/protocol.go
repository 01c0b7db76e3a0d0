// Package ipc implements the local request/response transport between
// worker processes and the router daemon: newline-delimited JSON envelopes
// over a unix domain socket. Each request name has a deterministic response
// name ("callback:" prefix) so requests of different names never block each
// other.
package ipc

import (
	"encoding/json"

	"trigrelay/internal/gateway"
)

// Request names understood by the router.
const (
	ReqCredentials       = "credentials"
	ReqTriggerRegistered = "triggerNodeRegistered"
	ReqUpdateStatus      = "updateTriggerNodeStatus"
	ReqDeactivateNode    = "deactivateNode"
	ReqCleanupBot        = "cleanupBot"
	ReqListGuilds        = "list:guilds"
	ReqListChannels      = "list:channels"
	ReqListRoles         = "list:roles"
	ReqSendMessage       = "send:message"
	ReqSendAction        = "send:action"
	ReqSendConfirmation  = "send:confirmation"
	ReqGetNewMessages    = "getNewMessages"
	ReqExecutionFinished = "workflowExecutionFinished"
)

// EventMatch is pushed (not requested) to connections that registered the
// matched trigger.
const EventMatch = "event:match"

// CallbackName derives the response name for a request name.
func CallbackName(name string) string {
	return "callback:" + name
}

// Envelope is one framed message in either direction.
type Envelope struct {
	Name    string          `json:"name"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Failure is the generic error response payload.
type Failure struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK is the generic success response payload.
type OK struct {
	Success bool `json:"success"`
}

// CredentialsRequest asks the router to ensure a live bot instance.
// The credential key is recomputed router-side; a client-supplied value is
// accepted only as a cross-check.
type CredentialsRequest struct {
	ClientID      string `json:"clientId"`
	Token         string `json:"token"`
	BaseURL       string `json:"baseUrl,omitempty"`
	CredentialKey string `json:"credentialKey,omitempty"`
}

// CredentialsResponse carries the instance status: ready, already, login,
// missing or error.
type CredentialsResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MatchConfig is the wire form of a trigger's match configuration.
type MatchConfig struct {
	Kind              string   `json:"kind"              validate:"required,oneof=mention contains containsImage endsWith equals every regex startsWith"`
	Value             string   `json:"value"`
	CaseSensitive     bool     `json:"caseSensitive"`
	GuildIDs          []string `json:"guildIds"`
	RoleIDs           []string `json:"roleIds"`
	ChannelIDs        []string `json:"channelIds"`
	ReferenceRequired bool     `json:"referenceRequired"`
	AllowExternalBots bool     `json:"allowExternalBots"`
}

// TriggerRegisterRequest registers or replaces a trigger node.
type TriggerRegisterRequest struct {
	NodeID          string      `json:"nodeId"          validate:"required"`
	CredentialKey   string      `json:"credentialKey"   validate:"required"`
	Active          bool        `json:"active"`
	PlaceholderText string      `json:"placeholderText,omitempty"`
	Match           MatchConfig `json:"match"           validate:"required"`
}

// StatusUpdateRequest toggles a trigger's active flag.
type StatusUpdateRequest struct {
	NodeID string `json:"nodeId" validate:"required"`
	Active bool   `json:"active"`
}

// NodeRequest addresses a single trigger node.
type NodeRequest struct {
	NodeID string `json:"nodeId" validate:"required"`
}

// CleanupRequest removes a trigger node and, when it was the last one for
// its credential key, releases the bot instance.
type CleanupRequest struct {
	NodeID        string `json:"nodeId"        validate:"required"`
	CredentialKey string `json:"credentialKey"`
}

// ListRequest asks for guild, channel or role enumerations.
type ListRequest struct {
	CredentialKey string   `json:"credentialKey" validate:"required"`
	GuildIDs      []string `json:"guildIds,omitempty"`
}

// ListResponse carries name/id pairs.
type ListResponse struct {
	Items []gateway.NameID `json:"items"`
}

// EmbedField is one field of a rich embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedSpec describes a rich embed. Image values accept either a remote
// URL or an inline base64 payload; base64 payloads are materialized as
// named attachments before sending.
type EmbedSpec struct {
	Title       string       `json:"title,omitempty"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	FooterText  string       `json:"footerText,omitempty"`
	FooterIcon  string       `json:"footerIcon,omitempty"`
	AuthorName  string       `json:"authorName,omitempty"`
	AuthorURL   string       `json:"authorUrl,omitempty"`
	AuthorIcon  string       `json:"authorIcon,omitempty"`
	Image       string       `json:"image,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// FileSpec is an outgoing attachment: a remote URL or inline base64.
type FileSpec struct {
	Name   string `json:"name,omitempty"`
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

// SendMessageRequest sends a message, optionally with an embed, files and
// role-mention suffixes.
type SendMessageRequest struct {
	CredentialKey  string     `json:"credentialKey" validate:"required"`
	ChannelID      string     `json:"channelId"     validate:"required"`
	Content        string     `json:"content"`
	Embed          *EmbedSpec `json:"embed,omitempty"`
	Files          []FileSpec `json:"files,omitempty"`
	MentionRoleIDs []string   `json:"mentionRoleIds,omitempty"`
}

// SendMessageResponse reports the sent message's location.
type SendMessageResponse struct {
	Success   bool   `json:"success"`
	ChannelID string `json:"channelId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendActionRequest performs an outbound action on behalf of a worker.
type SendActionRequest struct {
	CredentialKey string   `json:"credentialKey" validate:"required"`
	Action        string   `json:"action"        validate:"required,oneof=removeMessages addRole removeRole"`
	ChannelID     string   `json:"channelId,omitempty"`
	Count         int      `json:"count,omitempty"`
	GuildID       string   `json:"guildId,omitempty"`
	UserID        string   `json:"userId,omitempty"`
	RoleIDs       []string `json:"roleIds,omitempty"`
}

// SendConfirmationRequest sends a yes/no prompt and waits for at most one
// interaction.
type SendConfirmationRequest struct {
	CredentialKey string     `json:"credentialKey" validate:"required"`
	ChannelID     string     `json:"channelId"     validate:"required"`
	Content       string     `json:"content"`
	Embed         *EmbedSpec `json:"embed,omitempty"`
}

// ConfirmationResponse reports the outcome: true, false, or null when the
// prompt timed out or an unrelated interaction arrived.
type ConfirmationResponse struct {
	Confirmed *bool  `json:"confirmed"`
	Error     string `json:"error,omitempty"`
}

// MatchedReference is reply data carried with a match event.
type MatchedReference struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	AuthorID  string `json:"authorId"`
	Content   string `json:"content"`
}

// MatchEvent is delivered for every message that satisfied a trigger,
// both by push and through the getNewMessages queue.
type MatchEvent struct {
	NodeID           string            `json:"nodeId"`
	MessageID        string            `json:"messageId"`
	Content          string            `json:"content"`
	ProcessedContent string            `json:"processedContent"`
	GuildID          string            `json:"guildId"`
	ChannelID        string            `json:"channelId"`
	AuthorID         string            `json:"authorId"`
	Reference        *MatchedReference `json:"reference,omitempty"`
}

// GetNewMessagesResponse drains a node's queued match events.
type GetNewMessagesResponse struct {
	Messages []MatchEvent `json:"messages"`
}
