// Package mail defines the letter records kept in the archive and the draft
// field set shared by the incoming (extraction) and outgoing (generation)
// pipelines.
package mail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DocType distinguishes incoming from outgoing mail. The wire values are the
// ones the archive has always been written with.
type DocType string

const (
	Incoming DocType = "entrant"
	Outgoing DocType = "sortant"
)

// ParseDocType accepts the archive values and their English names.
// An empty string is Incoming.
func ParseDocType(s string) (DocType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "entrant", "incoming", "in":
		return Incoming, nil
	case "sortant", "outgoing", "out":
		return Outgoing, nil
	}
	return "", fmt.Errorf("unknown letter type %q", s)
}

// Label returns "incoming" or "outgoing".
func (t DocType) Label() string {
	if t == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// UnmarshalJSON treats anything that is not outgoing as incoming, the way
// the archive has always been read.
func (t *DocType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDocType(s)
	if err != nil {
		parsed = Incoming
	}
	*t = parsed
	return nil
}

// Fields is the text content of a letter, both as a draft and once archived.
type Fields struct {
	SenderService   string `json:"senderService"`
	ReceiverService string `json:"receiverService"`
	LetterNumber    string `json:"letterNumber"`
	Subject         string `json:"subject"`
	Date            string `json:"date"`
	Importance      string `json:"importance"`
	Body            string `json:"body"`
}

// Urgent reports whether the letter's importance classifies it as urgent.
func (f Fields) Urgent() bool {
	return IsUrgent(f.Importance)
}

// IsUrgent is a case-insensitive substring test for "urgent". Importance is
// free text; "Très Urgent" and "URGENT" both qualify.
func IsUrgent(importance string) bool {
	return strings.Contains(strings.ToLower(importance), "urgent")
}

// Record is a committed letter. ID and CreatedAt are assigned by the archive
// and never change afterwards.
type Record struct {
	ID   string  `json:"id"`
	Type DocType `json:"type"`
	Fields
	ImageData string    `json:"imageData,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON also accepts numeric ids, which older archives used.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	aux := struct {
		*plain
		ID json.RawMessage `json:"id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	r.ID = ""
	raw := bytes.TrimSpace(aux.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		return json.Unmarshal(raw, &r.ID)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("record id: %w", err)
	}
	r.ID = n.String()
	return nil
}

// Patch is a partial update of a record's text fields. Nil fields are left
// untouched.
type Patch struct {
	SenderService   *string `json:"senderService,omitempty"`
	ReceiverService *string `json:"receiverService,omitempty"`
	LetterNumber    *string `json:"letterNumber,omitempty"`
	Subject         *string `json:"subject,omitempty"`
	Date            *string `json:"date,omitempty"`
	Importance      *string `json:"importance,omitempty"`
	Body            *string `json:"body,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.SenderService == nil && p.ReceiverService == nil && p.LetterNumber == nil &&
		p.Subject == nil && p.Date == nil && p.Importance == nil && p.Body == nil
}

// Apply merges the patch into f.
func (p Patch) Apply(f *Fields) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&f.SenderService, p.SenderService)
	set(&f.ReceiverService, p.ReceiverService)
	set(&f.LetterNumber, p.LetterNumber)
	set(&f.Subject, p.Subject)
	set(&f.Date, p.Date)
	set(&f.Importance, p.Importance)
	set(&f.Body, p.Body)
}

// Summary is a record without its body and embedded image, for list views.
type Summary struct {
	ID           string    `json:"id"`
	Type         DocType   `json:"type"`
	LetterNumber string    `json:"letterNumber"`
	Subject      string    `json:"subject"`
	Date         string    `json:"date"`
	Importance   string    `json:"importance"`
	Urgent       bool      `json:"urgent"`
	Service      string    `json:"service"`
	HasImage     bool      `json:"hasImage"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ToSummary strips body and image. Service is the counterpart office: the
// receiver of outgoing mail, the sender of incoming mail.
func (r *Record) ToSummary() Summary {
	service := r.SenderService
	if r.Type == Outgoing {
		service = r.ReceiverService
	}
	return Summary{
		ID:           r.ID,
		Type:         r.Type,
		LetterNumber: r.LetterNumber,
		Subject:      r.Subject,
		Date:         r.Date,
		Importance:   r.Importance,
		Urgent:       r.Urgent(),
		Service:      service,
		HasImage:     r.ImageData != "",
		CreatedAt:    r.CreatedAt,
	}
}
