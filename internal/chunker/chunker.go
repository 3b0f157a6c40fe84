// Package chunker splits a session's messages into overlapping, code-block-safe
// chunks sized for embedding. Chunks target a configured token budget, carry an
// overlap tail into their successor, and never cut a fenced code block.
package chunker

import (
	"strings"
	"time"

	"github.com/forkdex/forkdex/internal/memory"
	"github.com/forkdex/forkdex/pkg/types"
)

// pieceHeadroom keeps individual pieces below the hard cap so a chunk always
// has room for the overlap carry and the join separators.
const pieceHeadroom = 8

// Options controls chunk sizing. Zero values fall back to the defaults.
type Options struct {
	TargetTokens  int // preferred chunk size (default 750)
	OverlapTokens int // tail carried into the next chunk (default 150)
	MaxTokens     int // hard cap per chunk (default 1000)
}

func (o Options) withDefaults() Options {
	if o.TargetTokens <= 0 {
		o.TargetTokens = 750
	}
	if o.OverlapTokens <= 0 {
		o.OverlapTokens = 150
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 1000
	}
	if o.MaxTokens < o.TargetTokens {
		o.MaxTokens = o.TargetTokens
	}
	if o.OverlapTokens >= o.TargetTokens {
		o.OverlapTokens = o.TargetTokens / 5
	}
	return o
}

// EstimateTokens approximates the token count of text using the 4-chars-per-
// token heuristic, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// piece is a splittable fragment of one message. Oversized messages are broken
// into pieces at paragraph and line boundaries before accumulation, so a piece
// always fits inside the cap.
type piece struct {
	msgIdx    int
	text      string
	tokens    int
	assistant bool // true when this piece ends an assistant message
}

// Chunk splits messages into chunks per the options. Empty input yields no
// chunks. Chunk indices are dense from zero; message ranges of adjacent chunks
// overlap by the carried tail and never gap. No chunk exceeds MaxTokens.
func Chunk(sessionID, project string, messages []types.Message, opts Options) []types.Chunk {
	opts = opts.withDefaults()
	pieces := explode(messages, opts.MaxTokens-pieceHeadroom)
	if len(pieces) == 0 {
		return nil
	}

	var (
		chunks   []types.Chunk
		buf      []piece
		tokens   int // running budget: piece tokens plus one per join separator
		fresh    int // pieces appended since the last flush (carry-back excluded)
		lastTail *piece // final piece of the previously flushed chunk
	)

	sumCost := func(ps []piece) int {
		total := 0
		for i, p := range ps {
			total += p.tokens
			if i > 0 {
				total++
			}
		}
		return total
	}

	flush := func() {
		if fresh == 0 || len(buf) == 0 {
			return
		}
		chunks = append(chunks, build(sessionID, project, len(chunks), buf, messages))

		tail := buf[len(buf)-1]
		lastTail = &tail
		buf = overlapTail(buf, opts.OverlapTokens)
		tokens = sumCost(buf)
		fresh = 0
	}

	for _, p := range pieces {
		cost := p.tokens
		if len(buf) > 0 {
			cost++ // join separator
		}

		if tokens+cost > opts.MaxTokens {
			flush()
			// The carry itself may still crowd out a large piece: shed carry
			// pieces from the front until it fits. Pieces are capped below
			// MaxTokens, so this always terminates with room to spare.
			for len(buf) > 0 && sumCost(buf)+p.tokens+1 > opts.MaxTokens {
				buf = buf[1:]
			}
			if len(buf) == 0 && lastTail != nil {
				// Keep a sliver of the previous chunk so adjacent message
				// ranges still overlap. Always fits: pieces carry headroom.
				sliver := tailText(lastTail.text, 1)
				buf = append(buf, piece{msgIdx: lastTail.msgIdx, text: sliver, tokens: EstimateTokens(sliver)})
			}
			tokens = sumCost(buf)
			cost = p.tokens
			if len(buf) > 0 {
				cost++
			}
		}

		buf = append(buf, p)
		tokens += cost
		fresh++

		if tokens < opts.TargetTokens {
			continue
		}
		// At or past the target. Hold the chunk open while a code fence is
		// unclosed, and prefer to break right after an assistant reply, up to
		// the hard cap.
		if tokens < opts.MaxTokens-pieceHeadroom && (fenceOpen(buf) || !p.assistant) {
			continue
		}
		flush()
	}
	flush()

	return chunks
}

// build assembles one chunk from the buffered pieces.
func build(sessionID, project string, index int, buf []piece, messages []types.Message) types.Chunk {
	var sb strings.Builder
	first, last := buf[0].msgIdx, buf[0].msgIdx
	for i, p := range buf {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.text)
		if p.msgIdx < first {
			first = p.msgIdx
		}
		if p.msgIdx > last {
			last = p.msgIdx
		}
	}
	text := sb.String()

	var ts time.Time
	for i := first; i <= last && i < len(messages); i++ {
		if messages[i].Timestamp.After(ts) {
			ts = messages[i].Timestamp
		}
	}

	return types.Chunk{
		SessionID:    sessionID,
		Index:        index,
		Text:         text,
		TokenCount:   EstimateTokens(text),
		Project:      project,
		Timestamp:    ts,
		FirstMessage: first,
		LastMessage:  last,
		MemoryTypes:  memory.ExtractTypes(text),
	}
}

// overlapTail selects the trailing pieces carried into the next chunk, bounded
// by overlapTokens. At least a sliver of the final piece is always carried so
// adjacent message ranges overlap rather than gap.
func overlapTail(buf []piece, overlapTokens int) []piece {
	total := 0
	start := len(buf)
	for i := len(buf) - 1; i >= 0; i-- {
		cost := buf[i].tokens
		if i < len(buf)-1 {
			cost++
		}
		if total+cost > overlapTokens {
			break
		}
		total += cost
		start = i
	}
	if start < len(buf) {
		carry := make([]piece, len(buf)-start)
		copy(carry, buf[start:])
		for i := range carry {
			carry[i].assistant = false
		}
		return carry
	}

	// The final piece alone exceeds the overlap budget: carry a trimmed tail
	// of its text instead.
	lastP := buf[len(buf)-1]
	tail := tailText(lastP.text, overlapTokens)
	return []piece{{msgIdx: lastP.msgIdx, text: tail, tokens: EstimateTokens(tail)}}
}

// tailText returns roughly the last n tokens of text, broken on a word
// boundary and never beginning inside a fenced code block.
func tailText(text string, tokens int) string {
	chars := tokens * 4
	if len(text) <= chars {
		return text
	}
	tail := text[len(text)-chars:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	// If the window lands inside a code block, keep only the text after the
	// block's closing fence.
	if strings.Count(tail, "```")%2 != 0 {
		if at := strings.LastIndex(tail, "```"); at >= 0 {
			after := tail[at:]
			if nl := strings.Index(after, "\n"); nl >= 0 {
				tail = strings.TrimLeft(after[nl+1:], "\n")
			} else {
				tail = ""
			}
		}
	}
	if strings.TrimSpace(tail) == "" {
		tail = lastLine(text)
	}
	return tail
}

// lastLine returns the final non-empty line of text.
func lastLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return text
}

// fenceOpen reports whether the buffered text ends inside an unclosed fenced
// code block.
func fenceOpen(buf []piece) bool {
	open := false
	for _, p := range buf {
		for _, line := range strings.Split(p.text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				open = !open
			}
		}
	}
	return open
}

// explode converts messages to pieces, splitting any message larger than
// maxTokens at paragraph boundaries, then line boundaries. Fenced code blocks
// are treated as indivisible paragraphs.
func explode(messages []types.Message, maxTokens int) []piece {
	var pieces []piece
	for idx, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		assistant := msg.Role == types.RoleAssistant

		if EstimateTokens(text) <= maxTokens {
			pieces = append(pieces, piece{msgIdx: idx, text: text, tokens: EstimateTokens(text), assistant: assistant})
			continue
		}

		parts := splitOversized(text, maxTokens)
		for i, part := range parts {
			pieces = append(pieces, piece{
				msgIdx:    idx,
				text:      part,
				tokens:    EstimateTokens(part),
				assistant: assistant && i == len(parts)-1,
			})
		}
	}
	return pieces
}

// splitOversized breaks text into fragments of at most maxTokens each,
// preferring paragraph boundaries, then lines, then a hard character cut.
// Paragraph detection keeps fenced code blocks whole.
func splitOversized(text string, maxTokens int) []string {
	paragraphs := splitParagraphs(text)

	var out []string
	var cur strings.Builder
	curTokens := 0

	emit := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}

	for _, para := range paragraphs {
		pt := EstimateTokens(para)
		if curTokens+pt+1 > maxTokens {
			emit()
		}
		if pt > maxTokens {
			out = append(out, splitLines(para, maxTokens)...)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
			curTokens++
		}
		cur.WriteString(para)
		curTokens += pt
	}
	emit()
	return out
}

// splitParagraphs splits on blank lines, never inside a fenced code block.
func splitParagraphs(text string) []string {
	var (
		paras []string
		cur   []string
		open  bool
	)
	flushPara := func() {
		if len(cur) > 0 {
			paras = append(paras, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			open = !open
			cur = append(cur, line)
			continue
		}
		if strings.TrimSpace(line) == "" && !open {
			flushPara()
			continue
		}
		cur = append(cur, line)
	}
	flushPara()
	return paras
}

// splitLines splits an oversized paragraph at line boundaries, hard-cutting a
// single line that alone exceeds the cap.
func splitLines(para string, maxTokens int) []string {
	maxChars := maxTokens * 4

	var out []string
	var cur strings.Builder
	emit := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(para, "\n") {
		if EstimateTokens(line) > maxTokens {
			emit()
			for len(line) > maxChars {
				out = append(out, line[:maxChars])
				line = line[maxChars:]
			}
			if line != "" {
				out = append(out, line)
			}
			continue
		}
		if EstimateTokens(cur.String())+EstimateTokens(line)+1 > maxTokens {
			emit()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)
	}
	emit()
	return out
}
