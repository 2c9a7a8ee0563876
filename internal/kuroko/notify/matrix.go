package notify

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/kuroko/common/version"
)

// MatrixConfig holds the credentials of the notifying account.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// MatrixSender posts notices with a mautrix client.
type MatrixSender struct {
	client *mautrix.Client
}

// NewMatrixSender creates a client for cfg. No request is made.
func NewMatrixSender(cfg MatrixConfig) (*MatrixSender, error) {
	if cfg.Homeserver == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix homeserver and access token are required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	client.UserAgent = version.UserAgent()
	return &MatrixSender{client: client}, nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (s *MatrixSender) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
