// Package phone normalizes a contact's raw phone multi-field into a
// canonical set plus the mutation operations needed to bring the
// remote record in line.
package phone

import (
	"encoding/json"
	"strings"
)

// minDigits is the shortest number accepted after stripping
// non-digit characters.
const minDigits = 7

// Number is one raw phone entry. ID is the remote multi-field row id,
// zero when the entry has none.
type Number struct {
	ID        int64
	Value     string
	ValueType string
}

// Op is one remote mutation. A delete op sets ID and Delete; a
// keep/insert op carries the canonical Value and its ValueType.
type Op struct {
	ID        int64
	Delete    bool
	Value     string
	ValueType string
}

// MarshalJSON emits the remote API's operation shape:
// {"ID": n, "OPERATION": "DELETE"} or {"VALUE": v, "VALUE_TYPE": t}.
func (o Op) MarshalJSON() ([]byte, error) {
	if o.Delete {
		return json.Marshal(struct {
			ID        int64  `json:"ID"`
			Operation string `json:"OPERATION"`
		}{o.ID, "DELETE"})
	}
	return json.Marshal(struct {
		Value     string `json:"VALUE"`
		ValueType string `json:"VALUE_TYPE"`
	}{o.Value, o.ValueType})
}

// Canonical strips non-digits and prefixes "+". The second return is
// false for malformed input (empty or fewer than minDigits digits).
func Canonical(raw string) (string, bool) {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() < minDigits {
		return "", false
	}
	return "+" + digits.String(), true
}

// Normalize turns an unordered raw phone set into an ordered list of
// mutation operations. Applying the operations to the remote record
// yields one entry per distinct canonical number, in canonical form,
// preserving first-occurrence order. Entries too short to be phone
// numbers are skipped and never touched remotely.
func Normalize(raw []Number) []Op {
	seen := make(map[string]bool)
	result := make([]Op, 0, len(raw))

	for _, entry := range raw {
		if entry.Value == "" {
			continue
		}
		norm, ok := Canonical(entry.Value)
		if !ok {
			// Too few digits to be a phone number. Skipped, not
			// deleted: the remote row is left untouched.
			continue
		}

		if seen[norm] {
			// Duplicate of an already-kept number.
			if entry.ID != 0 {
				result = append(result, Op{ID: entry.ID, Delete: true})
			}
			continue
		}
		seen[norm] = true

		valueType := entry.ValueType
		if valueType == "" {
			valueType = "WORK"
		}

		if entry.Value != norm && entry.ID != 0 {
			// Format differs: drop the old remote row, insert canonical.
			result = append(result, Op{ID: entry.ID, Delete: true})
			result = append(result, Op{Value: norm, ValueType: valueType})
		} else {
			result = append(result, Op{Value: norm, ValueType: valueType})
		}
	}

	return result
}

// FirstValue returns the first kept canonical number, or nil when the
// operation list contains none. Used as the contact's stored phone.
func FirstValue(ops []Op) *string {
	for _, op := range ops {
		if !op.Delete {
			value := op.Value
			return &value
		}
	}
	return nil
}

// Changed reports whether applying ops would alter the raw remote set:
// any delete op, or any kept value differing from the raw entry at the
// same position, means a remote update is needed.
func Changed(raw []Number, ops []Op) bool {
	if len(ops) != len(raw) {
		return true
	}
	for i, op := range ops {
		if op.Delete || op.Value != raw[i].Value {
			return true
		}
	}
	return false
}
