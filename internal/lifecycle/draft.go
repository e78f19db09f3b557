package lifecycle

import "github.com/courrier-mg/courrier/internal/mail"

// Pipeline names one of the two independent acquisition flows.
type Pipeline string

const (
	Incoming Pipeline = "incoming" // upload, extraction, review, commit
	Outgoing Pipeline = "outgoing" // parameters, generation, review, commit
)

// ParsePipeline accepts "incoming" or "outgoing".
func ParsePipeline(s string) (Pipeline, bool) {
	switch Pipeline(s) {
	case Incoming, Outgoing:
		return Pipeline(s), true
	}
	return "", false
}

func (p Pipeline) docType() mail.DocType {
	if p == Outgoing {
		return mail.Outgoing
	}
	return mail.Incoming
}

// Phase is where a pipeline's draft stands.
type Phase string

const (
	Idle               Phase = "idle"
	Uploading          Phase = "uploading"
	AwaitingExtraction Phase = "awaiting_extraction"
	AwaitingGeneration Phase = "awaiting_generation"
	ReviewReady        Phase = "review_ready"
	Failed             Phase = "failed"
)

// InFlight reports whether an external call is pending in this phase.
func (p Phase) InFlight() bool {
	return p == Uploading || p == AwaitingExtraction || p == AwaitingGeneration
}

// Draft is the transient state of one pipeline. It is never persisted and
// never carries an id or creation time.
type Draft struct {
	Pipeline Pipeline `json:"pipeline"`
	Phase    Phase    `json:"phase"`
	// Token identifies the current attempt. Responses from older attempts
	// are dropped.
	Token uint64 `json:"token"`
	// SourceName is the uploaded file name (incoming only).
	SourceName string `json:"sourceName,omitempty"`
	// Preview is the source image as a data URL (incoming only).
	Preview string      `json:"preview,omitempty"`
	Fields  mail.Fields `json:"fields"`
	Error   string      `json:"error,omitempty"`
}

func idleDraft(p Pipeline, token uint64) Draft {
	return Draft{Pipeline: p, Phase: Idle, Token: token}
}

// Event is delivered to listeners after every state change.
type Event struct {
	Pipeline Pipeline `json:"pipeline"`
	Draft    Draft    `json:"draft"`
	// Notice is a user-facing message: the failure text, or a confirmation.
	Notice string `json:"notice,omitempty"`
	// Record is set when the change was a successful commit.
	Record *mail.Record `json:"record,omitempty"`
}

// Listener receives events in the order the changes happened. A listener
// must not call controller methods that change state from inside the
// callback; reading with Snapshot is fine.
type Listener func(Event)

// PDF is a rendered letter ready to be offered as a download.
type PDF struct {
	Filename string `json:"filename"`
	Data     []byte `json:"-"`
}
