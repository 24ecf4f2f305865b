package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		assert.Equal(t, DefaultBaseURL, c.BaseURL())
		assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	})

	t.Run("options", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("https://chat.example.com/"), WithTimeout(5*time.Second))
		assert.Equal(t, "https://chat.example.com", c.BaseURL())
		assert.Equal(t, 5*time.Second, c.httpClient.Timeout)

		hc := &http.Client{}
		assert.Same(t, hc, NewClient("tok", WithHTTPClient(hc)).httpClient)
	})
}

func TestClientMarkChatAsRead(t *testing.T) {
	t.Run("posts the chat type with the bearer token", func(t *testing.T) {
		var gotPath, gotAuth, gotType string
		var body map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.EscapedPath()
			gotAuth = r.Header.Get("Authorization")
			gotType = r.Header.Get("Content-Type")
			_ = json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		require.NoError(t, c.MarkChatAsRead(context.Background(), "a/b", KindDirect))

		assert.Equal(t, "/chats/a%2Fb/read", gotPath)
		assert.Equal(t, "Bearer tok", gotAuth)
		assert.Equal(t, "application/json", gotType)
		assert.Equal(t, map[string]string{"chatType": "private"}, body)
	})

	t.Run("token rotation", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
		}))
		defer srv.Close()

		c := NewClient("old", WithBaseURL(srv.URL))
		c.SetToken("new")
		require.NoError(t, c.MarkChatAsRead(context.Background(), "c1", KindGroup))
		assert.Equal(t, "Bearer new", gotAuth)
	})

	t.Run("structured error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":"FORBIDDEN","message":"not a member"}`))
		}))
		defer srv.Close()

		err := NewClient("tok", WithBaseURL(srv.URL)).MarkChatAsRead(context.Background(), "c1", KindGroup)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusForbidden, apiErr.Status)
		assert.Equal(t, "FORBIDDEN", apiErr.Code)
		assert.Equal(t, "not a member", apiErr.Message)
	})

	t.Run("plain text and empty error bodies", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/chats/text/read" {
				http.Error(w, "upstream down", http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		var apiErr *APIError

		require.ErrorAs(t, c.MarkChatAsRead(context.Background(), "text", KindGroup), &apiErr)
		assert.Equal(t, "upstream down", apiErr.Message)

		require.ErrorAs(t, c.MarkChatAsRead(context.Background(), "empty", KindGroup), &apiErr)
		assert.Equal(t, "Service Unavailable", apiErr.Message)
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := NewClient("tok", WithBaseURL(srv.URL)).MarkChatAsRead(ctx, "c1", KindGroup)
		require.ErrorIs(t, err, context.Canceled)
	})
}
