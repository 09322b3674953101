// Package audit implements the tamper-evident, hash-chained administrative
// audit log. Every privileged action is recorded as an Entry whose hash is
// computed over a canonical serialization of its fields concatenated with the
// previous entry's hash, so modifying any stored entry breaks the chain from
// that point forward.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the sentinel previous-hash of the first entry in the chain.
var GenesisHash = strings.Repeat("0", 64)

// Action identifies the kind of privileged action recorded.
type Action string

const (
	ActionCreate        Action = "CREATE"
	ActionUpdate        Action = "UPDATE"
	ActionDelete        Action = "DELETE"
	ActionApprove       Action = "APPROVE"
	ActionReject        Action = "REJECT"
	ActionLogin         Action = "LOGIN"
	ActionSuspend       Action = "SUSPEND"
	ActionInvoiceUpdate Action = "INVOICE_UPDATE"
)

// MaxDetailsLen bounds the free-form details field.
const MaxDetailsLen = 2048

// Entry is one immutable record of a privileged administrative action.
// ActorRole is the role held at the time of the action and is never
// recomputed, even if the actor's role changes later.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     Action    `json:"action"`
	EntityType string    `json:"entityType"`
	TargetID   string    `json:"targetId"`
	Details    string    `json:"details"`
	IPAddress  string    `json:"ipAddress"`
	CreatedAt  time.Time `json:"createdAt"`
	PrevHash   string    `json:"previousHash"`
	CurrHash   string    `json:"currentHash"`
}

// Input is the caller-supplied portion of a new entry.
type Input struct {
	ActorID    string `json:"actorId"`
	ActorRole  string `json:"actorRole"`
	Action     Action `json:"action"`
	EntityType string `json:"entityType"`
	TargetID   string `json:"targetId"`
	Details    string `json:"details"`
	IPAddress  string `json:"ipAddress"`
}

// Validate checks the required fields of an append input.
// TargetID and Details may be empty; they are normalized to "" so that an
// absent value and an empty string hash identically.
func (in Input) Validate() error {
	switch {
	case in.ActorID == "":
		return fmt.Errorf("%w: actorId is required", ErrValidation)
	case in.ActorRole == "":
		return fmt.Errorf("%w: actorRole is required", ErrValidation)
	case in.Action == "":
		return fmt.Errorf("%w: action is required", ErrValidation)
	case in.EntityType == "":
		return fmt.Errorf("%w: entityType is required", ErrValidation)
	case len(in.Details) > MaxDetailsLen:
		return fmt.Errorf("%w: details exceeds %d bytes", ErrValidation, MaxDetailsLen)
	}
	return nil
}

// canonicalTime is the fixed encoding used for CreatedAt in the hash input.
// The stored column holds this exact string, so format/parse round trips
// cannot drift the hash.
func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// canonicalBytes serializes the hashed fields in fixed order with
// length-prefixed encoding, so no field value can masquerade as a
// field boundary.
func canonicalBytes(e Entry) []byte {
	var b bytes.Buffer
	for _, f := range []string{
		e.ActorID,
		e.ActorRole,
		string(e.Action),
		e.EntityType,
		e.TargetID,
		e.Details,
		e.IPAddress,
		canonicalTime(e.CreatedAt),
	} {
		fmt.Fprintf(&b, "%d:%s", len(f), f)
	}
	return b.Bytes()
}

// ComputeHash returns the SHA-256 digest of an entry's canonical fields
// concatenated with the previous entry's hash. It is a pure function: the
// same inputs produce the same digest in every process.
func ComputeHash(prevHash string, e Entry) string {
	h := sha256.New()
	h.Write(canonicalBytes(e))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}
