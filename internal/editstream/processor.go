package editstream

import (
	"github.com/workspace/editor-bridge/internal/workspace"
)

// LineProcessor consumes one line of model output at a time against the
// current document state and finalises any trailing edit region on Finish.
type LineProcessor interface {
	ProcessLine(line string) error
	Finish() error
}

// Range is a zero-based half-open line range within a document.
type Range struct {
	StartLine int `json:"startLine"`
	EndLine   int `json:"endLine"`
}

// lineReplacer is the default line processor: it collects streamed lines
// and, on Finish, produces a single replacement edit covering either the
// bound selection range or the whole document.
type lineReplacer struct {
	doc        workspace.Document
	selection  *Range
	pending    *PendingEditSet
	direct     bool
	trackingID string

	collected []string
	processed int
}

// newLineReplacer binds a processor to one open edit operation.
func newLineReplacer(doc workspace.Document, selection *Range, pending *PendingEditSet, direct bool, trackingID string) *lineReplacer {
	return &lineReplacer{
		doc:        doc,
		selection:  selection,
		pending:    pending,
		direct:     direct,
		trackingID: trackingID,
	}
}

func (p *lineReplacer) ProcessLine(line string) error {
	p.collected = append(p.collected, line)
	p.processed++
	return nil
}

func (p *lineReplacer) Finish() error {
	start, end := p.bounds()

	if p.direct {
		lines := p.doc.Lines()
		replaced := make([]string, 0, len(lines)-(end-start)+len(p.collected))
		replaced = append(replaced, lines[:start]...)
		replaced = append(replaced, p.collected...)
		replaced = append(replaced, lines[end:]...)
		p.doc.SetLines(replaced)
		return nil
	}

	p.pending.Append(Edit{
		Path:      p.doc.Path(),
		StartLine: start,
		EndLine:   end,
		Lines:     p.collected,
		Label:     p.trackingID,
	})
	return nil
}

// bounds clamps the selection to the current document. No selection means
// the whole document.
func (p *lineReplacer) bounds() (int, int) {
	total := len(p.doc.Lines())
	if p.selection == nil {
		return 0, total
	}
	start := p.selection.StartLine
	end := p.selection.EndLine
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}
