package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient("TOKEN", WithBaseURL(srv.URL))
	require.NoError(t, c.SendMessage(context.Background(), 42, "CRITICAL case"))
	assert.Equal(t, int64(42), got.ChatID)
	assert.Equal(t, "CRITICAL case", got.Text)
}

func TestSendMessage_Truncates(t *testing.T) {
	var got sendMessageReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewClient("T", WithBaseURL(srv.URL))
	require.NoError(t, c.SendMessage(context.Background(), 1, strings.Repeat("x", 5000)))
	assert.Len(t, []rune(got.Text), maxMessageRunes)
}

func TestSendDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendDocument", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "7", r.FormValue("chat_id"))
		assert.Equal(t, "case report", r.FormValue("caption"))
		f, h, err := r.FormFile("document")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "report.pdf", h.Filename)
		assert.Equal(t, "%PDF", string(data))
	}))
	defer srv.Close()

	c := NewClient("TOKEN", WithBaseURL(srv.URL))
	require.NoError(t, c.SendDocument(context.Background(), 7, []byte("%PDF"), "report.pdf", "case report"))
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewClient("T", WithBaseURL(srv.URL)).SendMessage(context.Background(), 1, "hi")
	assert.ErrorContains(t, err, "chat not found")
}
