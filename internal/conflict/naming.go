package conflict

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultForkLabel is the parenthetical suffix of a forked copy.
const DefaultForkLabel = "conflicted copy"

// maxForkCandidates bounds the counter before falling back to a random suffix.
const maxForkCandidates = 1000

// Namer implements the fork naming rule:
//
//	report.docx                        -> report (conflicted copy).docx
//	report (conflicted copy).docx      -> report (conflicted copy 2).docx
//	report (3).docx                    -> report (conflicted copy).docx
//	.bashrc                            -> .bashrc (conflicted copy)
//
// Chosen names are reserved per destination folder until Release, so two
// forks in flight never pick the same name even before either is committed.
// Names are compared after NFC normalization and case folding, matching how
// the vendors treat collisions.
type Namer struct {
	label  string
	suffix *regexp.Regexp

	mu       sync.Mutex
	reserved map[string]map[string]struct{} // folder -> folded names
}

// NewNamer returns a namer using label, or DefaultForkLabel when empty.
func NewNamer(label string) *Namer {
	label = strings.TrimSpace(label)
	if label == "" {
		label = DefaultForkLabel
	}

	return &Namer{
		label:    label,
		suffix:   regexp.MustCompile(`^(.+?) \((?:` + regexp.QuoteMeta(label) + `(?: \d+)?|\d+)\)$`),
		reserved: make(map[string]map[string]struct{}),
	}
}

// Base returns the first fork candidate for name.
func (n *Namer) Base(name string) string {
	return n.candidate(name, 1)
}

// Reserve picks the first candidate for original that collides neither with
// siblings nor with a reservation already held for folderID, and reserves it.
func (n *Namer) Reserve(folderID, original string, siblings []string) string {
	taken := make(map[string]struct{}, len(siblings))
	for _, s := range siblings {
		taken[fold(s)] = struct{}{}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	held := n.reserved[folderID]
	if held == nil {
		held = make(map[string]struct{})
		n.reserved[folderID] = held
	}

	for i := 1; i <= maxForkCandidates; i++ {
		name := n.candidate(original, i)
		key := fold(name)

		if _, ok := taken[key]; ok {
			continue
		}

		if _, ok := held[key]; ok {
			continue
		}

		held[key] = struct{}{}

		return name
	}

	stem, ext := stemExt(n.strip(original))
	name := fmt.Sprintf("%s (%s %s)%s", stem, n.label, uuid.NewString()[:8], ext)
	held[fold(name)] = struct{}{}

	return name
}

// Release drops a reservation once the vendor write has committed or failed.
func (n *Namer) Release(folderID, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	held := n.reserved[folderID]
	delete(held, fold(name))

	if len(held) == 0 {
		delete(n.reserved, folderID)
	}
}

func (n *Namer) candidate(original string, i int) string {
	stem, ext := stemExt(n.strip(original))

	if i <= 1 {
		return fmt.Sprintf("%s (%s)%s", stem, n.label, ext)
	}

	return fmt.Sprintf("%s (%s %d)%s", stem, n.label, i, ext)
}

// strip removes an existing fork or numeric suffix from the stem so a fork
// of a fork does not grow "(conflicted copy) (conflicted copy)".
func (n *Namer) strip(name string) string {
	stem, ext := stemExt(name)

	if m := n.suffix.FindStringSubmatch(stem); m != nil {
		return m[1] + ext
	}

	return name
}

// stemExt splits a filename into stem and extension. A dotfile whose only dot
// is the leading one has no extension.
func stemExt(name string) (string, string) {
	if strings.HasPrefix(name, ".") && strings.Count(name, ".") == 1 {
		return name, ""
	}

	ext := path.Ext(name)

	return name[:len(name)-len(ext)], ext
}

func fold(name string) string {
	return cases.Fold().String(norm.NFC.String(name))
}
