package ledgerclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MatthewPhinney/five-bells-connector/internal/domain"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NotificationHandler receives every notification read from the socket.
type NotificationHandler func(ctx context.Context, event domain.NotificationEvent)

// Subscriber streams transfer notifications for an account over WebSocket and
// reconnects with exponential backoff when the connection drops.
type Subscriber struct {
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	logger     *zap.Logger
}

// Subscriber returns a subscriber for the client's account transfer stream.
func (c *Client) Subscriber() *Subscriber {
	url := c.AccountURI + "/transfers"
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}

	header := http.Header{}
	if c.Username != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	return &Subscriber{
		URL:        url,
		Header:     header,
		Dialer:     websocket.DefaultDialer,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		logger:     c.logger.With(zap.String("subscription", url)),
	}
}

// Run blocks until ctx is cancelled, delivering notifications to handle.
func (s *Subscriber) Run(ctx context.Context, handle NotificationHandler) error {
	backoff := s.MinBackoff
	for {
		connected, err := s.session(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.MinBackoff
		}
		s.logger.Warn("ledger subscription lost; reconnecting", zap.Duration("backoff", backoff), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Subscriber) session(ctx context.Context, handle NotificationHandler) (bool, error) {
	conn, _, err := s.Dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.logger.Info("ledger subscription established")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		event, ok := decodeNotification(message)
		if !ok {
			s.logger.Warn("dropping undecodable ledger message", zap.Int("bytes", len(message)))
			continue
		}
		handle(ctx, event)
	}
}

// decodeNotification accepts either a full notification or a bare transfer,
// which some ledgers push over the socket.
func decodeNotification(message []byte) (domain.NotificationEvent, bool) {
	var event domain.NotificationEvent
	if err := json.Unmarshal(message, &event); err == nil && event.Resource != nil {
		return event, true
	}
	var transfer domain.LedgerTransfer
	if err := json.Unmarshal(message, &transfer); err != nil || transfer.ID == "" {
		return domain.NotificationEvent{}, false
	}
	return domain.NotificationEvent{
		ID:       transfer.ID,
		Event:    domain.EventTransferUpdate,
		Resource: &transfer,
	}, true
}
