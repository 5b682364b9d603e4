package utils

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// GenerateConnectionID generates a connection id that is unique for the
// lifetime of the process.
func GenerateConnectionID() string {
	return GenerateID("conn")
}

// GenerateInstanceID identifies this relay process on shared channels.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
