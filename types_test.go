package chatsync

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Message Decoding
// ============================================================================

func TestDecodeMessage(t *testing.T) {
	t.Run("flat shape", func(t *testing.T) {
		m, err := decodeMessage(json.RawMessage(`{
			"id": "m1",
			"conversationId": "c1",
			"senderId": "u1",
			"content": "hi",
			"createdAt": "2026-03-01T12:00:00Z",
			"readBy": ["u2"]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "c1", m.ConversationID)
		assert.Equal(t, "u1", m.SenderID)
		assert.Equal(t, []string{"u2"}, m.ReadBy)
		assert.Equal(t, t0, m.CreatedAt)
	})

	t.Run("nested server shape with numeric ids", func(t *testing.T) {
		m, err := decodeMessage(json.RawMessage(`{
			"id": 17,
			"chat": {"id": 4},
			"sender": {"id": 9, "username": "bo"},
			"replyTarget": {"id": 12},
			"files": [{"id": "f1", "originalName": "a.png", "mimetype": "image/png"}],
			"createdAt": "2026-03-01T12:00:00Z",
			"readBy": [9, 9, 3]
		}`))
		require.NoError(t, err)
		assert.Equal(t, "17", m.ID)
		assert.Equal(t, "4", m.ConversationID)
		assert.Equal(t, "9", m.SenderID)
		assert.Equal(t, "12", m.ReplyToMessageID)
		assert.Equal(t, []string{"9", "3"}, m.ReadBy)
		require.Len(t, m.Attachments, 1)
		assert.Equal(t, "image/png", m.Attachments[0].MimeType)
	})

	t.Run("private chat reference", func(t *testing.T) {
		m, err := decodeMessage(json.RawMessage(`{"id":"m1","privateChat":{"id":"p7"},"createdAt":"2026-03-01T12:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, "p7", m.ConversationID)
		assert.Nil(t, m.ReadBy, "missing readBy is an empty set")
	})

	t.Run("missing id is malformed", func(t *testing.T) {
		_, err := decodeMessage(json.RawMessage(`{"content":"hi"}`))
		require.True(t, errors.Is(err, ErrMalformedMessage))
	})

	t.Run("garbage is malformed", func(t *testing.T) {
		_, err := decodeMessage(json.RawMessage(`"nope"`))
		require.True(t, errors.Is(err, ErrMalformedMessage))
	})
}

// ============================================================================
// History Pages
// ============================================================================

func TestPreviousMessagesResponse(t *testing.T) {
	t.Run("object form", func(t *testing.T) {
		var r PreviousMessagesResponse
		require.NoError(t, json.Unmarshal([]byte(`{
			"messages": [{"id":"m1","chatId":"c1","createdAt":"2026-03-01T12:00:00Z"}],
			"hasMore": true,
			"cursor": "m1",
			"roomId": "c1"
		}`), &r))
		assert.False(t, r.Legacy)
		assert.True(t, r.HasMore)
		assert.Equal(t, "m1", r.Cursor)
		assert.Equal(t, "c1", r.RoomID)
		require.Len(t, r.Messages, 1)
	})

	t.Run("legacy bare array has no further pages", func(t *testing.T) {
		var r PreviousMessagesResponse
		require.NoError(t, json.Unmarshal([]byte(` [{"id":"m1","createdAt":"2026-03-01T12:00:00Z"}]`), &r))
		assert.True(t, r.Legacy)
		assert.False(t, r.HasMore)
		assert.Empty(t, r.Cursor)
		require.Len(t, r.Messages, 1)
	})

	t.Run("malformed entries are counted and skipped", func(t *testing.T) {
		var r PreviousMessagesResponse
		require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"id":"m1"},{"content":"no id"},42]}`), &r))
		assert.Len(t, r.Messages, 1)
		assert.Equal(t, 2, r.Dropped)
	})

	t.Run("numeric cursor", func(t *testing.T) {
		var r PreviousMessagesResponse
		require.NoError(t, json.Unmarshal([]byte(`{"messages":[],"hasMore":true,"cursor":1234}`), &r))
		assert.Equal(t, "1234", r.Cursor)
	})
}

// ============================================================================
// Events
// ============================================================================

func TestReadReceiptDecoding(t *testing.T) {
	var r ReadReceipt
	require.NoError(t, json.Unmarshal([]byte(`{"chatId": 4, "userId": "u2"}`), &r))
	assert.Equal(t, ReadReceipt{ChatID: "4", UserID: "u2"}, r)
}

func TestChatListUpdateDecoding(t *testing.T) {
	t.Run("chat id falls back to the message", func(t *testing.T) {
		var u ChatListUpdate
		require.NoError(t, json.Unmarshal([]byte(`{"type":"group","message":{"id":5,"chat":{"id":8},"sender":{"id":2}}}`), &u))
		assert.Equal(t, ChatListUpdate{Type: "group", ChatID: "8", MessageID: "5", SenderID: "2"}, u)
	})

	t.Run("read notifications carry no message", func(t *testing.T) {
		var u ChatListUpdate
		require.NoError(t, json.Unmarshal([]byte(`{"type":"read","chatId":"c3"}`), &u))
		assert.Equal(t, "read", u.Type)
		assert.Equal(t, "c3", u.ChatID)
		assert.Empty(t, u.MessageID)
	})
}

func TestConversationValidation(t *testing.T) {
	require.NoError(t, validate.Struct(Conversation{ID: "c1", Kind: KindDirect}))
	require.Error(t, validate.Struct(Conversation{ID: "c1", Kind: "channel"}))
	require.Error(t, validate.Struct(Conversation{Kind: KindGroup}))
}

func TestAPIError(t *testing.T) {
	assert.Equal(t, "http 502: bad gateway", (&APIError{Status: 502, Message: "bad gateway"}).Error())
	assert.Equal(t, "FORBIDDEN: not a member", (&APIError{Status: 403, Code: "FORBIDDEN", Message: "not a member"}).Error())
}
