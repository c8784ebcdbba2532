package transcriber

import (
	"errors"
	"strings"
)

// ErrConnection indicates a stream setup or transport failure. The caller
// decides whether to restart; the client never retries on its own.
var ErrConnection = errors.New("transcription stream connection failed")

// FragmentKind distinguishes provisional from settled transcript pieces.
type FragmentKind string

const (
	// KindPartial marks a best-effort, revisable fragment.
	KindPartial FragmentKind = "partial"
	// KindFinal marks a settled fragment for a completed audio segment.
	KindFinal FragmentKind = "final"
)

// Fragment is one piece of transcribed text received from the remote
// service. Fragments arrive in receive order with no cadence guarantee and
// may restate content already delivered.
type Fragment struct {
	Kind       FragmentKind
	Text       string
	Confidence float64
}

// controlMessage is the wire shape of a server-to-client message on the
// stream: {type: connected|partial|final, id?, elements?}.
type controlMessage struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Elements []element `json:"elements,omitempty"`
}

// element is one token of a transcript fragment. Text elements are joined
// with spaces; punctuation attaches to the preceding token.
type element struct {
	Type       string   `json:"type"`
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// joinElements assembles fragment text from wire elements and averages the
// confidence scores that are present.
func joinElements(elements []element) (string, float64) {
	var b strings.Builder
	var confSum float64
	var confCount int

	for _, el := range elements {
		switch el.Type {
		case "text":
			if b.Len() > 0 {
				b.WriteString(" ")
			}
			b.WriteString(el.Value)
		case "punct":
			b.WriteString(el.Value)
		default:
			// Unknown element types are skipped rather than failing the
			// whole fragment.
			continue
		}
		if el.Confidence != nil {
			confSum += *el.Confidence
			confCount++
		}
	}

	confidence := 0.0
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}
	return b.String(), confidence
}
