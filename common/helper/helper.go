package helper

import (
	"fmt"

	"github.com/google/uuid"
)

// RequestIdKey is both the gin context key and the response header carrying the request id.
const RequestIdKey = "X-Bedrock-Proxy-Request-Id"

// GenRequestID returns a time ordered unique request id.
func GenRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// MessageWithRequestId appends the request id so users can quote it in reports.
func MessageWithRequestId(message string, id string) string {
	if id == "" {
		return message
	}
	return fmt.Sprintf("%s (request id: %s)", message, id)
}
