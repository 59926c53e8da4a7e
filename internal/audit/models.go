// Package audit contains the append-only compliance trail written by every
// mutating orchestrator operation, and the pipeline that exports it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the orchestrator. One entry per mutating operation.
const (
	ActionScenarioCreated   = "scenario-created"
	ActionScenarioMigrated  = "scenario-migrated"
	ActionScenarioDeployed  = "scenario-deployed"
	ActionDeployDenied      = "deploy-denied"
	ActionStepExecuted      = "step-executed"
	ActionRollbackExecuted  = "rollback-executed"
	ActionScenarioCompleted = "scenario-completed"
	ActionCleanupExecuted   = "cleanup-executed"
	ActionArtifactUploaded  = "artifact-uploaded"
)

// Entry is one audit record. Hash chains to the previous entry's hash, so a
// compliance export can detect truncation or reordering.
type Entry struct {
	ID        string      `json:"id,omitempty"`
	Action    string      `json:"action"`
	Actor     string      `json:"actor"`
	EntityID  string      `json:"entityId"`
	Details   interface{} `json:"details,omitempty"`
	PrevHash  string      `json:"prevHash,omitempty"`
	Hash      string      `json:"hash,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

var ErrNotFound = errors.New("not found")

// NewUUID returns a freshly-generated UUID string.
func NewUUID() string {
	return uuid.New().String()
}

// HashBytes computes the SHA-256 digest bytes for input data.
func HashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

// HashHex returns the hex-encoded SHA-256 of the input bytes.
func HashHex(b []byte) string {
	return hex.EncodeToString(HashBytes(b))
}
