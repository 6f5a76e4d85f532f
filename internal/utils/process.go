package utils

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewProcessID builds the identifier this process uses in ownership leases
// and session records. Unique per boot: a restarted process must never be
// mistaken for its previous incarnation, whose leases may still be expiring.
func NewProcessID(role string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d-%s", role, host, os.Getpid(), uuid.NewString()[:8])
}
