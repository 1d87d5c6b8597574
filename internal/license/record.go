package license

import "strings"

// Record is the persisted per-user license document: an ordered mapping
// from field name to string value. Insertion order is preserved so a
// decode/encode round trip is byte-stable, which keeps backend diffs
// readable when a single device field is bound.
type Record struct {
	keys   []string
	values map[string]string
}

// NewRecord creates an empty license record
func NewRecord() *Record {
	return &Record{values: make(map[string]string)}
}

// DecodeRecord parses the flat key=value text format. Each line is split
// on the first '='; key and value are trimmed of surrounding whitespace.
// Lines without '=' are ignored. A duplicate key overwrites the value but
// keeps the key's first-seen position.
func DecodeRecord(text string) *Record {
	r := NewRecord()
	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		r.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}
	return r
}

// Encode serializes the record back to key=value lines in iteration order
func (r *Record) Encode() string {
	var b strings.Builder
	for i, key := range r.keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(r.values[key])
	}
	return b.String()
}

// Get returns the value for key, or the empty string when absent
func (r *Record) Get(key string) string {
	return r.values[key]
}

// Has reports whether key is present, even with an empty value
func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Set inserts or overwrites a field. New keys append; existing keys keep
// their position.
func (r *Record) Set(key, value string) {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Len returns the number of fields
func (r *Record) Len() int {
	return len(r.keys)
}

// Keys returns the field names in insertion order
func (r *Record) Keys() []string {
	keys := make([]string, len(r.keys))
	copy(keys, r.keys)
	return keys
}

// Fields returns a plain map copy of the record for response assembly
func (r *Record) Fields() map[string]string {
	fields := make(map[string]string, len(r.values))
	for k, v := range r.values {
		fields[k] = v
	}
	return fields
}
