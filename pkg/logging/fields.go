package logging

import (
	"time"

	"go.uber.org/zap"
)

// Domain identifiers

func Conversation(id string) zap.Field {
	return zap.String("conversation_id", id)
}

func User(id string) zap.Field {
	return zap.String("user_id", id)
}

func Author(id string) zap.Field {
	return zap.String("sender_id", id)
}

func TempID(id string) zap.Field {
	return zap.String("temp_id", id)
}

func MessageID(id string) zap.Field {
	return zap.String("message_id", id)
}

// Connection lifecycle

func State(s string) zap.Field {
	return zap.String("state", s)
}

func Attempt(n int) zap.Field {
	return zap.Int("attempt", n)
}

func Delay(d time.Duration) zap.Field {
	return zap.Duration("delay", d)
}

// Error handling

func Err(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.Error(err)
}
