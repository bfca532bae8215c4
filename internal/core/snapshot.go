package core

import (
	"bytes"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Placeholder is the value the upstream generator writes for fields it has
// not decided yet.
const Placeholder = "待定"

// Paths of the fields the engine reads or writes. They use gjson/sjson
// path syntax relative to the snapshot root.
const (
	PathWorldDate     = "世界.当前日期"
	PathBirthday      = "主角.生日"
	PathAge           = "主角._年龄"
	PathCompany       = "公司账户"
	PathCompanyCash   = "公司账户._现金"
	PathOneTimeChange = "公司账户.公账一次性变动"
	PathFixedCosts    = "公司账户.固定成本"
	PathEntries       = "公司账户.运行项目"
)

// Field names inside the fixed costs object and inside a single entry.
const (
	FixedCostLabor = "人力成本"
	FixedCostRent  = "房租"

	EntryMonthlySales  = "月销量"
	EntryUnitPrice     = "单价"
	EntryCostRatio     = "边际成本率"
	EntryMonthlyMargin = "_月毛利"
)

var (
	ErrEmptySnapshot  = errors.New("empty snapshot")
	ErrInvalidJSON    = errors.New("snapshot is not valid JSON")
	ErrNotAnObject    = errors.New("snapshot root must be a JSON object")
	ErrEmptyEntryName = errors.New("empty entry name")
)

// Snapshot is one version of the host's state tree. The document is kept as
// raw JSON so fields the engine does not know about survive a round trip.
// A Snapshot is never mutated in place; patching produces a new value.
type Snapshot struct {
	raw []byte
}

// NewSnapshot validates data and wraps a private copy of it.
func NewSnapshot(data []byte) (Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Snapshot{}, ErrEmptySnapshot
	}
	if !gjson.ValidBytes(trimmed) {
		return Snapshot{}, ErrInvalidJSON
	}
	if !gjson.ParseBytes(trimmed).IsObject() {
		return Snapshot{}, ErrNotAnObject
	}
	return Snapshot{raw: bytes.Clone(trimmed)}, nil
}

// MustSnapshot is NewSnapshot for literals known to be valid.
func MustSnapshot(data string) Snapshot {
	s, err := NewSnapshot([]byte(data))
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero reports whether the snapshot holds no document.
func (s Snapshot) IsZero() bool {
	return len(s.raw) == 0
}

// Bytes returns a copy of the raw document.
func (s Snapshot) Bytes() []byte {
	return bytes.Clone(s.raw)
}

// String returns the raw document.
func (s Snapshot) String() string {
	return string(s.raw)
}

// Get reads the value at path.
func (s Snapshot) Get(path string) gjson.Result {
	return gjson.GetBytes(s.raw, path)
}

// Text returns the value at path as a string, and whether it is a usable
// one: present, non-empty and not the placeholder.
func (s Snapshot) Text(path string) (string, bool) {
	r := s.Get(path)
	if !r.Exists() || r.Type == gjson.Null {
		return "", false
	}
	v := r.String()
	if v == "" || v == Placeholder {
		return v, false
	}
	return v, true
}

// MarshalJSON emits the raw document.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return s.Bytes(), nil
}

// UnmarshalJSON accepts any JSON object.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		*s = Snapshot{}
		return nil
	}
	parsed, err := NewSnapshot(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// FromRaw wraps a document that was produced by a trusted writer (sjson on
// an already valid snapshot).
func FromRaw(raw []byte) Snapshot {
	return Snapshot{raw: raw}
}

// pathMeta lists the characters with a special meaning in gjson/sjson paths.
const pathMeta = `\.*?|#@!:=<>%[]{}(),"`

// EscapePathKey escapes one path component so that it is matched literally.
func EscapePathKey(key string) string {
	if !strings.ContainsAny(key, pathMeta) {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	for _, r := range key {
		if strings.ContainsRune(pathMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EntryPath is the path of a single entry, or of one of its fields when
// field is not empty.
func EntryPath(name, field string) string {
	p := PathEntries + "." + EscapePathKey(name)
	if field != "" {
		p += "." + field
	}
	return p
}
