package ingest

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order, coarsest first.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into chunks of at most Size characters, preferring to
// break on paragraph, then line, then word boundaries. Consecutive chunks
// share up to Overlap characters.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter creates a splitter with the default separators.
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split returns the chunks of text.
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.Separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	sep := ""
	var rest []string
	for i, candidate := range separators {
		if candidate == "" {
			break
		}
		if strings.Contains(text, candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var out, small []string
	for _, piece := range splitKeep(text, sep) {
		if runeLen(piece) < s.Size {
			small = append(small, piece)
			continue
		}
		if len(small) > 0 {
			out = append(out, s.merge(small)...)
			small = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(small) > 0 {
		out = append(out, s.merge(small)...)
	}
	return out
}

// merge packs pieces into chunks up to Size, carrying Overlap characters of
// trailing pieces into the next chunk.
func (s *Splitter) merge(pieces []string) []string {
	var out, cur []string
	total := 0
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.Size && len(cur) > 0 {
			if doc := strings.TrimSpace(strings.Join(cur, "")); doc != "" {
				out = append(out, doc)
			}
			for total > s.Overlap || (total+n > s.Size && total > 0) {
				total -= runeLen(cur[0])
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(cur, "")); doc != "" {
		out = append(out, doc)
	}
	return out
}

// splitKeep splits on sep, keeping each separator at the start of the piece
// that follows it. An empty sep splits into characters.
func splitKeep(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, len(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = sep + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
