// Package integrity implements the tamper-evidence hash chain over immutable
// EVV record fields. Each finalized field set (clock-in, clock-out, manual
// adjustment) appends one link: hash(n) = SHA256(domain || 0x00 || hash(n-1)
// || 0x00 || canonical(snapshot)). Because every link folds in its
// predecessor, a retroactive edit of an earlier snapshot is detectable even
// when later hashes are recomputed correctly.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	dErrors "careverify/pkg/domain-errors"
)

// chainDomain namespaces the hash so chain links can never collide with other
// SHA-256 uses in the system. The version suffix enables algorithm migration.
const chainDomain = "careverify/evv-chain/v1"

// Snapshot is the canonicalizable view of one finalized field set. Values are
// pre-rendered strings so the byte representation is deterministic and
// independent of map iteration order; use the Put helpers for non-strings.
type Snapshot map[string]string

// PutTime stores a timestamp in RFC3339Nano UTC so equal instants always
// canonicalize identically.
func (s Snapshot) PutTime(key string, t time.Time) {
	s[key] = t.UTC().Format(time.RFC3339Nano)
}

// PutCoord stores a coordinate with fixed precision. Six decimal places is
// ~0.1m, beyond GPS resolution, so round-tripping through storage cannot
// change the canonical bytes.
func (s Snapshot) PutCoord(key string, v float64) {
	s[key] = strconv.FormatFloat(v, 'f', 6, 64)
}

// canonical renders the snapshot as length-prefixed key/value pairs in sorted
// key order. Length prefixes remove boundary ambiguity between fields.
func (s Snapshot) canonical() []byte {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		v := s[k]
		buf = append(buf, fmt.Sprintf("%d:%s", len(k), k)...)
		buf = append(buf, fmt.Sprintf("%d:%s", len(v), v)...)
	}
	return buf
}

// Seed derives hash(0) for a record's chain from its identifier, so chains of
// distinct records can never be spliced into one another.
func Seed(recordID string) string {
	h := sha256.New()
	h.Write([]byte(chainDomain))
	h.Write([]byte{0x00})
	h.Write([]byte("seed:" + recordID))
	return hex.EncodeToString(h.Sum(nil))
}

// Append computes the next chain link over the previous hash and a snapshot.
func Append(prev string, snap Snapshot) string {
	h := sha256.New()
	h.Write([]byte(chainDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(prev))
	h.Write([]byte{0x00})
	h.Write(snap.canonical())
	return hex.EncodeToString(h.Sum(nil))
}

// Verify re-derives the chain from the seed over the stored snapshots and
// compares each link to the stored hash. A mismatch is TAMPER_DETECTED: the
// stored evidence no longer matches what was chained, and the caller must
// block further transitions until the manual-override path resolves it.
func Verify(recordID string, snapshots []Snapshot, storedHashes []string) error {
	if len(snapshots) != len(storedHashes) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"TAMPER_DETECTED: %d snapshots but %d chain links", len(snapshots), len(storedHashes))
	}

	prev := Seed(recordID)
	for i, snap := range snapshots {
		derived := Append(prev, snap)
		if derived != storedHashes[i] {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"TAMPER_DETECTED: chain link %d does not match stored evidence", i)
		}
		prev = derived
	}
	return nil
}
