package transport

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// LogSender is the stand-in Sender used when no real channel client is
// registered. It accepts everything and logs it.
type LogSender struct {
	Channel string
}

func (s *LogSender) Send(_ context.Context, recipient string, content string) (SendResult, error) {
	log.Printf("[Transport] %s -> %s: %s", s.Channel, recipient, content)
	return SendResult{Success: true, MessageID: uuid.New().String()}, nil
}

// LogNotifier is the stand-in NotificationSink.
type LogNotifier struct{}

func (n *LogNotifier) Notify(_ context.Context, subject string, body string) error {
	log.Printf("[Notify] %s\n%s", subject, body)
	return nil
}
