package taskstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateBaseID creates a new task id for a standalone task, or the shared
// base id for a video fan-out. Shape: {YYYYMMDD}_{HHMMSS}_{8 hex chars}.
func GenerateBaseID() string {
	now := time.Now()
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", now.Format("20060102_150405"), suffix)
}

// VariantID appends a variant suffix to a shared base id, producing one of
// the four sibling task ids created by a video ingest.
func VariantID(baseID string, variant Variant) string {
	return fmt.Sprintf("%s_%s", baseID, variant)
}
