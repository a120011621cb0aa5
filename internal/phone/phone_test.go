package phone

import (
	"encoding/json"
	"testing"
)

func TestCanonical(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"formatted", "8 (912) 345-67-89", "+89123456789", true},
		{"international", "+7 912 345 67 89", "+79123456789", true},
		{"already canonical", "+79123456789", "+79123456789", true},
		{"exactly min digits", "1234567", "+1234567", true},
		{"too short", "123456", "", false},
		{"empty", "", "", false},
		{"letters only", "call me", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Canonical(tt.input)
			if ok != tt.ok {
				t.Fatalf("Canonical(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("Canonical(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeCanonicalInputUnchanged(t *testing.T) {
	raw := []Number{{ID: 1, Value: "+79123456789", ValueType: "MOBILE"}}
	ops := Normalize(raw)

	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	if ops[0].Delete {
		t.Error("canonical input should not produce a delete")
	}
	if ops[0].Value != "+79123456789" || ops[0].ValueType != "MOBILE" {
		t.Errorf("unexpected op: %+v", ops[0])
	}
	if Changed(raw, ops) {
		t.Error("canonical input should report no change")
	}
}

func TestNormalizeReformatsExistingRow(t *testing.T) {
	raw := []Number{{ID: 42, Value: "8 (912) 345-67-89", ValueType: "WORK"}}
	ops := Normalize(raw)

	if len(ops) != 2 {
		t.Fatalf("expected delete+insert, got %d ops", len(ops))
	}
	if !ops[0].Delete || ops[0].ID != 42 {
		t.Errorf("first op should delete row 42, got %+v", ops[0])
	}
	if ops[1].Delete || ops[1].Value != "+89123456789" {
		t.Errorf("second op should insert canonical value, got %+v", ops[1])
	}
	if !Changed(raw, ops) {
		t.Error("reformatting should report a change")
	}
}

func TestNormalizeRemovesDuplicates(t *testing.T) {
	raw := []Number{
		{ID: 1, Value: "+79123456789"},
		{ID: 2, Value: "8-912-345-67-89"},
		{ID: 3, Value: "+79123456789"},
	}
	ops := Normalize(raw)

	// Row 1 kept, row 2 reformatted (delete+insert), row 3 deleted as dup.
	var deletes, inserts int
	for _, op := range ops {
		if op.Delete {
			deletes++
		} else {
			inserts++
		}
	}
	if inserts != 2 {
		t.Errorf("expected 2 kept values, got %d", inserts)
	}
	if deletes != 2 {
		t.Errorf("expected 2 deletes (reformat + dup), got %d", deletes)
	}
}

func TestNormalizeSkipsMalformedRow(t *testing.T) {
	raw := []Number{
		{ID: 7, Value: "123"},
		{ID: 8, Value: "+79123456789"},
	}
	ops := Normalize(raw)

	if len(ops) != 1 {
		t.Fatalf("expected only the valid row, got %d ops", len(ops))
	}
	if ops[0].Delete || ops[0].Value != "+79123456789" {
		t.Errorf("valid row should be kept as-is, got %+v", ops[0])
	}
	for _, op := range ops {
		if op.ID == 7 {
			t.Error("malformed row must not be touched")
		}
	}
}

func TestNormalizeDefaultsValueType(t *testing.T) {
	ops := Normalize([]Number{{Value: "+79123456789"}})
	if len(ops) != 1 || ops[0].ValueType != "WORK" {
		t.Fatalf("expected WORK default, got %+v", ops)
	}
}

func TestNormalizeSkipsEmptyValues(t *testing.T) {
	ops := Normalize([]Number{{ID: 1, Value: ""}})
	if len(ops) != 0 {
		t.Fatalf("empty values should produce no ops, got %+v", ops)
	}
}

func TestFirstValue(t *testing.T) {
	if got := FirstValue(nil); got != nil {
		t.Errorf("expected nil for empty ops, got %v", *got)
	}
	ops := []Op{
		{ID: 1, Delete: true},
		{Value: "+79123456789", ValueType: "WORK"},
		{Value: "+78005553535", ValueType: "WORK"},
	}
	got := FirstValue(ops)
	if got == nil || *got != "+79123456789" {
		t.Errorf("expected first kept value, got %v", got)
	}
}

func TestChangedIdenticalSet(t *testing.T) {
	raw := []Number{
		{ID: 1, Value: "+79123456789", ValueType: "MOBILE"},
		{ID: 2, Value: "+78005553535", ValueType: "WORK"},
	}
	if Changed(raw, Normalize(raw)) {
		t.Error("already canonical set should report no change")
	}
}

func TestOpMarshalJSON(t *testing.T) {
	del, err := json.Marshal(Op{ID: 5, Delete: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(del) != `{"ID":5,"OPERATION":"DELETE"}` {
		t.Errorf("unexpected delete shape: %s", del)
	}

	ins, err := json.Marshal(Op{Value: "+79123456789", ValueType: "WORK"})
	if err != nil {
		t.Fatal(err)
	}
	if string(ins) != `{"VALUE":"+79123456789","VALUE_TYPE":"WORK"}` {
		t.Errorf("unexpected insert shape: %s", ins)
	}
}
