package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Section is one named part of a Record.
type Section struct {
	Name    string
	Payload interface{}
	// Err holds the extractor failure when Payload is the section default.
	Err string
}

// Record is everything extracted from one item page.
//
// On disk a record is a single JSON object: the identifying fields, then one
// key per section in extraction order, then the names of sections that fell
// back to their default.
type Record struct {
	Identifier    string
	SourceLocator string
	Sections      []Section
	ExtractedAt   time.Time
}

// Reserved keys cannot be used as section names.
const (
	KeyIdentifier    = "identifier"
	KeySourceLocator = "source_locator"
	KeyExtractedAt   = "extracted_at"
	KeyFailed        = "failed_sections"
)

// Reserved reports whether name collides with a record field.
func Reserved(name string) bool {
	switch name {
	case KeyIdentifier, KeySourceLocator, KeyExtractedAt, KeyFailed:
		return true
	}
	return false
}

// Section returns the named section.
func (r *Record) Section(name string) (Section, bool) {
	for _, s := range r.Sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// Failed returns the sections that hold a default payload because their
// extractor failed.
func (r *Record) Failed() []string {
	out := []string{}
	for _, s := range r.Sections {
		if s.Err != "" {
			out = append(out, s.Name)
		}
	}
	return out
}

func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	write := func(key string, v interface{}) error {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(key)
		buf.Write(k)
		buf.WriteByte(':')
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("section %s: %w", key, err)
		}
		buf.Write(b)
		return nil
	}

	if err := write(KeyIdentifier, r.Identifier); err != nil {
		return nil, err
	}
	if err := write(KeySourceLocator, r.SourceLocator); err != nil {
		return nil, err
	}
	if err := write(KeyExtractedAt, r.ExtractedAt); err != nil {
		return nil, err
	}
	failed := map[string]string{}
	for _, s := range r.Sections {
		if err := write(s.Name, s.Payload); err != nil {
			return nil, err
		}
		if s.Err != "" {
			failed[s.Name] = s.Err
		}
	}
	if err := write(KeyFailed, failed); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON keeps section order. Payloads are left as json.RawMessage.
func (r *Record) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record: expected object")
	}

	out := Record{}
	failed := map[string]string{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("record field %s: %w", key, err)
		}
		switch key {
		case KeyIdentifier:
			err = json.Unmarshal(raw, &out.Identifier)
		case KeySourceLocator:
			err = json.Unmarshal(raw, &out.SourceLocator)
		case KeyExtractedAt:
			err = json.Unmarshal(raw, &out.ExtractedAt)
		case KeyFailed:
			err = json.Unmarshal(raw, &failed)
		default:
			out.Sections = append(out.Sections, Section{Name: key, Payload: raw})
		}
		if err != nil {
			return fmt.Errorf("record field %s: %w", key, err)
		}
	}
	for i := range out.Sections {
		out.Sections[i].Err = failed[out.Sections[i].Name]
	}
	*r = out
	return nil
}

// Decode unmarshals the named section payload into v. A missing section
// leaves v untouched.
func (r *Record) Decode(name string, v interface{}) error {
	s, ok := r.Section(name)
	if !ok {
		return nil
	}
	raw, ok := s.Payload.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(s.Payload); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, v)
}
