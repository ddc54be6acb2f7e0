package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisPrevHash is the sentinel stored as PrevHash of the block at index 0.
const GenesisPrevHash = "GENESIS"

// BlockData is the audited event carried by a block. It is written once at
// append time and never mutated.
type BlockData struct {
	Action   string          `json:"action"` // "<entity>.<verb>", e.g. "student.create"
	ActorID  string          `json:"actorId"`
	Entity   string          `json:"entity"`
	EntityID string          `json:"entityId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Block is a single record in the audit ledger.
type Block struct {
	ID        string    `json:"id,omitempty"` // storage row id; not hashed
	Index     int64     `json:"index"`
	PrevHash  string    `json:"prevHash"`
	Data      BlockData `json:"data"`
	Timestamp int64     `json:"timestamp"` // milliseconds since epoch
	Hash      string    `json:"hash"`
}

// Time returns the block timestamp as a UTC time.
func (b *Block) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Recompute returns the hash the block should carry given its current fields.
func (b *Block) Recompute() (string, error) {
	return ComputeHash(b.Index, b.PrevHash, b.Data, b.Timestamp)
}

// Clone returns a deep copy so store internals are never shared with callers.
func (b *Block) Clone() *Block {
	c := *b
	if b.Data.Payload != nil {
		c.Data.Payload = append(json.RawMessage(nil), b.Data.Payload...)
	}
	return &c
}

// Validate checks the required fields of an event before it is appended.
func (d BlockData) Validate() error {
	switch {
	case strings.TrimSpace(d.Action) == "":
		return fmt.Errorf("%w: action is required", ErrInvalidData)
	case strings.TrimSpace(d.ActorID) == "":
		return fmt.Errorf("%w: actorId is required", ErrInvalidData)
	case strings.TrimSpace(d.Entity) == "":
		return fmt.Errorf("%w: entity is required", ErrInvalidData)
	}
	entity, verb, ok := strings.Cut(d.Action, ".")
	if !ok || entity == "" || verb == "" {
		return fmt.Errorf("%w: action %q must look like <entity>.<verb>", ErrInvalidData, d.Action)
	}
	return nil
}

// matches reports whether the block satisfies every non-empty filter field.
func (f Filter) matches(b *Block) bool {
	if f.Entity != "" && b.Data.Entity != f.Entity {
		return false
	}
	if f.Action != "" && b.Data.Action != f.Action {
		return false
	}
	if f.ActorID != "" && b.Data.ActorID != f.ActorID {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		fields := []string{b.Data.Action, b.Data.Entity, b.Data.EntityID, b.Data.ActorID, string(b.Data.Payload)}
		for _, s := range fields {
			if strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	}
	return true
}
