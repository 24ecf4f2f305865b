package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed REST call.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

var validate = validator.New()

// flexID decodes ids that the server sends either as strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type idRef struct {
	ID flexID `json:"id"`
}

func (r *idRef) id() string {
	if r == nil {
		return ""
	}
	return string(r.ID)
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationKind is the chatType the server scopes a conversation with.
type ConversationKind string

const (
	KindDirect ConversationKind = "private"
	KindGroup  ConversationKind = "group"
)

// Conversation identifies one chat channel. The engine never creates
// conversations; it subscribes to one fetched elsewhere.
type Conversation struct {
	ID             string           `json:"id" validate:"required"`
	Kind           ConversationKind `json:"chatType" validate:"required,oneof=private group"`
	ParticipantIDs []string         `json:"participantIds,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// FileRef references an attachment uploaded out of band.
type FileRef struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName,omitempty"`
	Filename     string `json:"filename,omitempty"`
	MimeType     string `json:"mimetype,omitempty"`
	Size         string `json:"size,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Message is a server-assigned chat message. Everything except ReadBy is
// immutable once created; ReadBy only ever grows.
type Message struct {
	ID               string    `json:"id" validate:"required"`
	ConversationID   string    `json:"conversationId"`
	SenderID         string    `json:"senderId"`
	Content          string    `json:"content,omitempty"`
	Attachments      []FileRef `json:"files,omitempty"`
	ReplyToMessageID string    `json:"replyToMessageId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	ReadBy           []string  `json:"readBy,omitempty"`
}

// wireMessage accepts both the flat shape and the nested shape
// (chat/privateChat/sender/replyTarget objects) the chat server emits.
type wireMessage struct {
	ID               flexID    `json:"id"`
	ConversationID   flexID    `json:"conversationId"`
	ChatID           flexID    `json:"chatId"`
	Chat             *idRef    `json:"chat"`
	PrivateChat      *idRef    `json:"privateChat"`
	SenderID         flexID    `json:"senderId"`
	Sender           *idRef    `json:"sender"`
	Content          string    `json:"content"`
	Files            []FileRef `json:"files"`
	ReplyToMessageID flexID    `json:"replyToMessageId"`
	ReplyTarget      *idRef    `json:"replyTarget"`
	CreatedAt        time.Time `json:"createdAt"`
	ReadBy           []flexID  `json:"readBy"`
}

func (w *wireMessage) message() Message {
	m := Message{
		ID:               string(w.ID),
		ConversationID:   lo.CoalesceOrEmpty(string(w.ConversationID), string(w.ChatID), w.Chat.id(), w.PrivateChat.id()),
		SenderID:         lo.CoalesceOrEmpty(string(w.SenderID), w.Sender.id()),
		Content:          w.Content,
		Attachments:      w.Files,
		ReplyToMessageID: lo.CoalesceOrEmpty(string(w.ReplyToMessageID), w.ReplyTarget.id()),
		CreatedAt:        w.CreatedAt,
	}
	if len(w.ReadBy) > 0 {
		readBy := lo.Map(w.ReadBy, func(id flexID, _ int) string { return string(id) })
		m.ReadBy = lo.Uniq(lo.Compact(readBy))
	}
	return m
}

// UnmarshalJSON decodes either wire shape into a Message.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = w.message()
	return nil
}

// Validate reports whether the message carries the fields the timeline
// needs to keep its uniqueness invariant.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

func decodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ============================================================================
// Transport payloads
// ============================================================================

// PageDirection selects which end of the history a getMessages request reads.
type PageDirection string

const (
	DirectionLatest PageDirection = "latest"
	DirectionBefore PageDirection = "before"
)

// GetMessagesRequest is the getMessages payload.
type GetMessagesRequest struct {
	RoomID    string           `json:"roomId"`
	ChatType  ConversationKind `json:"chatType"`
	Limit     int              `json:"limit"`
	Cursor    string           `json:"cursor,omitempty"`
	Direction PageDirection    `json:"direction"`
}

// PreviousMessagesResponse is a previousMessages page. Legacy servers send a
// bare message array, which decodes with HasMore=false and no cursor.
type PreviousMessagesResponse struct {
	Messages []Message
	HasMore  bool
	Cursor   string
	RoomID   string
	Legacy   bool
	// Dropped counts entries skipped because they were malformed.
	Dropped int
}

func (r *PreviousMessagesResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	var raw []json.RawMessage
	*r = PreviousMessagesResponse{}
	if len(b) > 0 && b[0] == '[' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		r.Legacy = true
	} else {
		var w struct {
			Messages []json.RawMessage `json:"messages"`
			HasMore  bool              `json:"hasMore"`
			Cursor   flexID            `json:"cursor"`
			RoomID   flexID            `json:"roomId"`
		}
		if err := json.Unmarshal(b, &w); err != nil {
			return err
		}
		raw = w.Messages
		r.HasMore = w.HasMore
		r.Cursor = string(w.Cursor)
		r.RoomID = string(w.RoomID)
	}
	for _, item := range raw {
		m, err := decodeMessage(item)
		if err != nil {
			r.Dropped++
			continue
		}
		r.Messages = append(r.Messages, m)
	}
	return nil
}

// MarkAsReadPayload is the markAsRead receipt broadcast.
type MarkAsReadPayload struct {
	ChatID   string           `json:"chatId"`
	ChatType ConversationKind `json:"chatType"`
	UserID   string           `json:"userId"`
}

// ReadReceipt is a messagesRead event from a peer.
type ReadReceipt struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

func (r *ReadReceipt) UnmarshalJSON(b []byte) error {
	var w struct {
		ChatID flexID `json:"chatId"`
		UserID flexID `json:"userId"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.ChatID, r.UserID = string(w.ChatID), string(w.UserID)
	return nil
}

// ErrorMessagePayload signals that the in-flight getMessages failed.
type ErrorMessagePayload struct {
	Error string `json:"error,omitempty"`
}

// ChatListUpdate is the chatListUpdate notification the server sends for
// every conversation the user belongs to, joined or not.
type ChatListUpdate struct {
	Type      string
	ChatID    string
	MessageID string
	SenderID  string
}

func (u *ChatListUpdate) UnmarshalJSON(b []byte) error {
	var w struct {
		Type    string       `json:"type"`
		ChatID  flexID       `json:"chatId"`
		Message *wireMessage `json:"message"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = ChatListUpdate{Type: w.Type, ChatID: string(w.ChatID)}
	if w.Message != nil {
		m := w.Message.message()
		u.MessageID = m.ID
		u.SenderID = m.SenderID
		if u.ChatID == "" {
			u.ChatID = m.ConversationID
		}
	}
	return nil
}
