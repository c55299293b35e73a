package client

import (
	"errors"
	"net/http"
	"time"

	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

const defaultCallTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// URL is the websocket endpoint, for example ws://127.0.0.1:8080/ws.
	URL string
	// Token is the bearer token sent on the upgrade request.
	Token string
	// CallTimeout bounds a request that has no deadline of its own.
	CallTimeout time.Duration
	Log         slog.Logger
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (c *Config) validate() error {
	if c.URL == "" {
		return errors.New("client URL is required")
	}
	if c.Token == "" {
		return errors.New("client token is required")
	}
	return nil
}

func (c *Config) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.Token)
	return h
}
