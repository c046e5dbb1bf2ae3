package platform

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID string, used for run IDs and lease IDs.
func NewID() string {
	return uuid.New().String()
}

// OwnerIdentity builds the identity string under which this process claims
// shard and task leases. Stable for the lifetime of the process.
func OwnerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s@%d", host, os.Getpid())
}
