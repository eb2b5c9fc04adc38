package notifications

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	domain "github.com/R3E-Network/engagement_layer/internal/app/domain/notification"
)

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMSender pushes through Firebase Cloud Messaging.
type FCMSender struct {
	client multicaster
}

var _ Sender = (*FCMSender)(nil)

// NewFCMSender initializes a Firebase app from a service account file.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) Send(ctx context.Context, n domain.Notification, tokens []string) ([]error, error) {
	data := map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
		"actor_id":        n.ActorID,
	}
	if n.PostID != 0 {
		data["post_id"] = strconv.FormatInt(n.PostID, 10)
	}
	title, body := render(n)
	resp, err := s.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
		Tokens:       tokens,
	})
	if err != nil {
		return nil, err
	}

	results := make([]error, len(tokens))
	for i, r := range resp.Responses {
		if i >= len(results) || r.Success {
			continue
		}
		if messaging.IsUnregistered(r.Error) {
			results[i] = fmt.Errorf("%w: %v", ErrUnregistered, r.Error)
			continue
		}
		results[i] = r.Error
	}
	return results, nil
}

func render(n domain.Notification) (title, body string) {
	switch n.Type {
	case domain.TypeLike:
		return "New like", "Someone liked your post"
	case domain.TypeComment:
		return "New comment", "Someone commented on your post"
	case domain.TypePointsEarned:
		return "Points earned", n.Body
	}
	return "Notification", n.Body
}
