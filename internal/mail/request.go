package mail

import "strings"

// GenerationParams is what the outgoing pipeline sends to the generation
// service. Prompt is the free-text instruction for subject and body.
type GenerationParams struct {
	SenderService   string `json:"senderService"`
	ReceiverService string `json:"receiverService"`
	LetterNumber    string `json:"letterNumber"`
	Importance      string `json:"importance"`
	Prompt          string `json:"prompt"`
}

// Blob is an uploaded or derived file.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// IsImage reports whether the blob declares an image type.
func (b Blob) IsImage() bool {
	return strings.HasPrefix(b.mediaType(), "image/")
}

// IsPDF reports whether the blob declares the PDF type.
func (b Blob) IsPDF() bool {
	return b.mediaType() == "application/pdf"
}

func (b Blob) mediaType() string {
	mt, _, _ := strings.Cut(b.ContentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
