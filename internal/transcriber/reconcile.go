package transcriber

import (
	"strings"
	"sync"
)

// DefaultOverlapWindow is the number of trailing words inspected when
// merging a partial fragment. Tunable, not an invariant.
const DefaultOverlapWindow = 3

// Reconciler merges overlapping, possibly redundant transcript fragments
// into a single growing string. The running text never shrinks except via
// Reset. The heuristic favors a stable human-readable transcript over
// byte-exact fidelity to the remote service's segmentation.
type Reconciler struct {
	mu     sync.Mutex
	window int
	text   string
}

// NewReconciler creates a reconciler with the given overlap window. Values
// below 1 fall back to the default.
func NewReconciler(window int) *Reconciler {
	if window < 1 {
		window = DefaultOverlapWindow
	}
	return &Reconciler{window: window}
}

// Text returns the current running transcript.
func (r *Reconciler) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

// Reset clears the running transcript for a new recording.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = ""
}

// Merge applies one fragment to the running transcript and returns the
// updated text.
func (r *Reconciler) Merge(frag Fragment) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	text := normalize(frag.Text)
	if text == "" {
		return r.text
	}

	switch frag.Kind {
	case KindFinal:
		r.mergeFinal(text)
	default:
		r.mergePartial(text)
	}

	r.text = normalize(r.text)
	return r.text
}

// mergeFinal folds a settled fragment in. A final already contained in the
// running text is a redundant echo and is ignored. Otherwise it replaces
// the overlapping tail of the running text.
func (r *Reconciler) mergeFinal(text string) {
	if r.text == "" {
		r.text = text
		return
	}
	if containsFold(r.text, text) {
		return
	}

	runWords := strings.Fields(r.text)
	newWords := strings.Fields(text)

	// Longest suffix of the running text that matches a prefix of the
	// final fragment; that tail is superseded by the settled segment.
	max := len(runWords)
	if len(newWords) < max {
		max = len(newWords)
	}
	for k := max; k >= 1; k-- {
		if wordsEqualFold(runWords[len(runWords)-k:], newWords[:k]) {
			r.text = strings.Join(runWords[:len(runWords)-k], " ") + " " + text
			return
		}
	}

	r.text = r.text + " " + text
}

// mergePartial folds a provisional fragment in by looking for overlap
// between its leading words and the trailing few words of the running
// text. Full duplicates are dropped.
func (r *Reconciler) mergePartial(text string) {
	if r.text == "" {
		r.text = text
		return
	}
	if containsFold(r.text, text) {
		return
	}

	runWords := strings.Fields(r.text)
	newWords := strings.Fields(text)

	max := r.window
	if len(runWords) < max {
		max = len(runWords)
	}
	if len(newWords) < max {
		max = len(newWords)
	}
	for k := max; k >= 1; k-- {
		if wordsEqualFold(runWords[len(runWords)-k:], newWords[:k]) {
			rest := newWords[k:]
			if len(rest) == 0 {
				// The partial restates the tail exactly.
				return
			}
			r.text = r.text + " " + strings.Join(rest, " ")
			return
		}
	}

	r.text = r.text + " " + text
}

// normalize collapses whitespace runs to single spaces and trims the ends.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// containsFold reports whether haystack contains needle, ignoring case.
func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// wordsEqualFold compares two word slices case-insensitively.
func wordsEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
