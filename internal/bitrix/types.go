package bitrix

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ID is a numeric identifier that the remote API serializes sometimes
// as a number and sometimes as a quoted string.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	parsed, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*id = ID(parsed)
	return nil
}

func (id ID) Int64() int64 { return int64(id) }

// Phone is one entry of a contact's PHONE multi-field.
type Phone struct {
	ID        ID     `json:"ID"`
	Value     string `json:"VALUE"`
	ValueType string `json:"VALUE_TYPE"`
}

type Deal struct {
	ID         ID     `json:"ID"`
	Title      string `json:"TITLE"`
	StageID    string `json:"STAGE_ID"`
	CategoryID ID     `json:"CATEGORY_ID"`
	ContactID  ID     `json:"CONTACT_ID"`
}

type Contact struct {
	ID    ID      `json:"ID"`
	Name  string  `json:"NAME"`
	Phone []Phone `json:"PHONE"`
}

type Pipeline struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

type Stage struct {
	StatusID string `json:"STATUS_ID"`
	Name     string `json:"NAME"`
}

// Relation is one deal-contact relation record. IS_PRIMARY arrives as
// "Y", "true" or boolean true depending on the endpoint.
type Relation struct {
	ContactID ID              `json:"CONTACT_ID"`
	IsPrimary json.RawMessage `json:"IS_PRIMARY"`
	Sort      json.RawMessage `json:"SORT"`
	RoleID    json.RawMessage `json:"ROLE_ID"`
}

// Primary reports whether the relation is flagged primary.
func (r Relation) Primary() bool {
	s := strings.Trim(string(r.IsPrimary), `"`)
	return s == "Y" || s == "true"
}

// SortIndex returns the relation sort index, nil when absent.
func (r Relation) SortIndex() *int {
	return rawInt(r.Sort)
}

// Role returns the relation role id, nil when absent or non-positive.
func (r Relation) Role() *int {
	v := rawInt(r.RoleID)
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

func rawInt(raw json.RawMessage) *int {
	s := strings.Trim(string(raw), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &parsed
}

// listEnvelope is the common shape of list responses:
// {"result": [...], "next": 50, "total": 1234}.
type listEnvelope struct {
	Result json.RawMessage `json:"result"`
	Next   *int            `json:"next"`
	Total  int             `json:"total"`
}

// DealPage is one page of a deal enumeration. Next is nil on the last
// page.
type DealPage struct {
	Deals []Deal
	Next  *int
}

// IDPage is one page of an id-only enumeration.
type IDPage struct {
	IDs  []int64
	Next *int
}
