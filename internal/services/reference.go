package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const referencePrefix = "TW"

// GenerateReference produces a gateway-safe transaction reference with
// a coarse timestamp prefix for human traceability and 48 bits of
// random entropy. Uniqueness is ultimately enforced by the database
// constraint on transactions.reference; callers retry once on a
// collision.
func GenerateReference() string {
	entropy := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return fmt.Sprintf("%s-%s-%s", referencePrefix, time.Now().UTC().Format("20060102150405"), entropy)
}
