package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"stackvm/internal/vm"
)

// hashFields is the exact content the commit hash covers. Title is advisory
// display text and deliberately excluded.
type hashFields struct {
	ParentHash string        `json:"parent_hash"`
	TaskID     string        `json:"task_id"`
	Branch     string        `json:"branch"`
	SeqNo      int           `json:"seq_no"`
	Time       string        `json:"time"`
	Message    string        `json:"message"`
	CommitType CommitType    `json:"commit_type"`
	Details    CommitDetails `json:"details"`
	Snapshot   *vm.State     `json:"vm_state_snapshot"`
}

// Seal computes and assigns the content hash. The timestamp is normalized to
// UTC nanoseconds so hashing is independent of the writer's zone.
func Seal(c *Commit) error {
	c.Time = c.Time.UTC().Truncate(time.Nanosecond)
	canonical, err := vm.CanonicalJSON(hashFields{
		ParentHash: c.ParentHash,
		TaskID:     c.TaskID,
		Branch:     c.Branch,
		SeqNo:      c.SeqNo,
		Time:       c.Time.Format(time.RFC3339Nano),
		Message:    c.Message,
		CommitType: c.Type,
		Details:    c.Details,
		Snapshot:   c.Snapshot,
	})
	if err != nil {
		return fmt.Errorf("seal commit: %w", err)
	}
	sum := sha256.Sum256(canonical)
	c.Hash = hex.EncodeToString(sum[:])
	return nil
}

// VerifyHash recomputes the content hash and reports whether it matches.
func VerifyHash(c *Commit) (bool, error) {
	copied := *c
	if err := Seal(&copied); err != nil {
		return false, err
	}
	return copied.Hash == c.Hash, nil
}
