package bitrix

import (
	"encoding/json"
	"testing"
)

func TestIDUnmarshal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"quoted", `"42"`, 42},
		{"bare", `42`, 42},
		{"null", `null`, 0},
		{"empty string", `""`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			if err := json.Unmarshal([]byte(tt.input), &id); err != nil {
				t.Fatal(err)
			}
			if id.Int64() != tt.want {
				t.Errorf("got %d, want %d", id.Int64(), tt.want)
			}
		})
	}
}

func TestRelationPrimary(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"CONTACT_ID":"1","IS_PRIMARY":"Y"}`, true},
		{`{"CONTACT_ID":"1","IS_PRIMARY":"true"}`, true},
		{`{"CONTACT_ID":"1","IS_PRIMARY":true}`, true},
		{`{"CONTACT_ID":"1","IS_PRIMARY":"N"}`, false},
		{`{"CONTACT_ID":"1"}`, false},
	}
	for _, tt := range tests {
		var rel Relation
		if err := json.Unmarshal([]byte(tt.raw), &rel); err != nil {
			t.Fatal(err)
		}
		if rel.Primary() != tt.want {
			t.Errorf("Primary() for %s = %v, want %v", tt.raw, rel.Primary(), tt.want)
		}
	}
}

func TestRelationSortAndRole(t *testing.T) {
	var rel Relation
	raw := `{"CONTACT_ID":"5","SORT":"20","ROLE_ID":0}`
	if err := json.Unmarshal([]byte(raw), &rel); err != nil {
		t.Fatal(err)
	}
	if sort := rel.SortIndex(); sort == nil || *sort != 20 {
		t.Errorf("SortIndex = %v, want 20", sort)
	}
	if role := rel.Role(); role != nil {
		t.Errorf("zero role id should be nil, got %d", *role)
	}

	var rel2 Relation
	if err := json.Unmarshal([]byte(`{"CONTACT_ID":"5"}`), &rel2); err != nil {
		t.Fatal(err)
	}
	if rel2.SortIndex() != nil {
		t.Errorf("absent sort should be nil")
	}
}
