package outbound

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AzielCF/az-wap-connector/core/config"
)

// Splitter breaks long replies into chat-sized bubbles.
type Splitter struct {
	Enabled      bool
	MaxLength    int
	MinChunkSize int
	Delimiter    string
}

func NewSplitter(cfg config.SendConfig) *Splitter {
	return &Splitter{
		Enabled:      cfg.SplitEnabled,
		MaxLength:    cfg.MaxChunkLength,
		MinChunkSize: cfg.MinChunkSize,
		Delimiter:    cfg.Delimiter,
	}
}

// Split returns the chunks to send, in order. Disabled or short texts come back as one chunk.
func (s *Splitter) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.Enabled || s.MaxLength <= 0 {
		return []string{text}
	}

	parts := []string{text}
	if s.Delimiter != "" && strings.Contains(text, s.Delimiter) {
		parts = strings.Split(text, s.Delimiter)
	}

	var chunks []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if runeLen(part) <= s.MaxLength {
			chunks = append(chunks, part)
			continue
		}
		chunks = append(chunks, s.pack(part)...)
	}
	return s.mergeSmall(chunks)
}

// pack splits one oversized part by paragraph, then sentence, then character.
func (s *Splitter) pack(part string) []string {
	var out []string
	add := func(c string) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	for _, para := range SplitParagraphs(part, s.MaxLength) {
		if runeLen(para) <= s.MaxLength {
			add(para)
			continue
		}
		for _, sentence := range SplitSentences(para, s.MaxLength) {
			if runeLen(sentence) <= s.MaxLength {
				add(sentence)
				continue
			}
			for _, piece := range SplitCharacters(sentence, s.MaxLength) {
				add(piece)
			}
		}
	}
	return out
}

func (s *Splitter) mergeSmall(chunks []string) []string {
	if s.MinChunkSize <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if len(out) > 0 && runeLen(c) < s.MinChunkSize {
			prev := out[len(out)-1]
			if runeLen(prev)+1+runeLen(c) <= s.MaxLength {
				out[len(out)-1] = prev + "\n" + c
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// SplitParagraphs packs "\n\n"-separated paragraphs greedily into chunks of at
// most max runes. strings.Join(chunks, "\n\n") == text. A single paragraph
// longer than max is returned as its own chunk.
func SplitParagraphs(text string, max int) []string {
	if text == "" {
		return nil
	}
	const sep = "\n\n"
	paras := strings.Split(text, sep)
	var chunks []string
	cur, curLen, has := "", 0, false
	for _, p := range paras {
		pl := runeLen(p)
		if has && curLen+2+pl <= max {
			cur += sep + p
			curLen += 2 + pl
			continue
		}
		if has {
			chunks = append(chunks, cur)
		}
		cur, curLen, has = p, pl, true
	}
	if has {
		chunks = append(chunks, cur)
	}
	return chunks
}

// SplitSentences packs sentences greedily into chunks of at most max runes.
// Each sentence keeps its terminator and trailing whitespace, so
// strings.Join(chunks, "") == text.
func SplitSentences(text string, max int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	cur := ""
	for _, sentence := range sentences(text) {
		if cur != "" && runeLen(cur)+runeLen(sentence) > max {
			chunks = append(chunks, cur)
			cur = ""
		}
		cur += sentence
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// sentences cuts after . ! ? (and any closing run of them) plus the whitespace that follows.
func sentences(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminator(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && isTerminator(runes[j]) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			i = j - 1
			continue
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		out = append(out, string(runes[start:j]))
		start = j
		i = j - 1
	}
	if start < len(runes) {
		out = append(out, string(runes[start:]))
	}
	return out
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitCharacters cuts text into chunks of at most max runes, breaking after
// the last whitespace in the window when there is one. strings.Join(chunks, "") == text.
func SplitCharacters(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > max {
		cut := max
		for k := max; k > max/2; k-- {
			if unicode.IsSpace(runes[k-1]) {
				cut = k
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
