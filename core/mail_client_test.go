package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPMailClientSend(t *testing.T) {
	var got MailMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPMailClient(srv.URL + "/")
	msg := registrationMessage("no-reply@quiz", "a@x")
	require.NoError(t, c.Send(context.Background(), msg))
	assert.Equal(t, msg, got)
}

func TestHTTPMailClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "mailbox full", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewHTTPMailClient(srv.URL).Send(context.Background(), registrationMessage("f", "a@x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "mailbox full")

	assert.Error(t, NewHTTPMailClient("").Send(context.Background(), registrationMessage("f", "a@x")))
	assert.Error(t, NewHTTPMailClient(srv.URL).Send(context.Background(), registrationMessage("f", " ")))
}
