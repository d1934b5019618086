package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// ComputeJobKey derives the tenant-scoped idempotency key for a job from the
// tuple that defines the logical event: (tenant, aoi, job type, payload).
// json.Marshal writes map keys in sorted order, so equal payloads always
// produce equal keys. Re-deriving the same event yields the same key, which
// the unique (tenant_id, job_key) constraint turns into at-most-one row.
func ComputeJobKey(tenantID uuid.UUID, aoiID *uuid.UUID, t JobType, payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	aoi := ""
	if aoiID != nil {
		aoi = aoiID.String()
	}
	sum := sha256.Sum256([]byte(tenantID.String() + "|" + aoi + "|" + string(t) + "|" + string(b)))
	return hex.EncodeToString(sum[:]), nil
}
