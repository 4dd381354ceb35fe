// Package chunker splits long replies into Telegram-sized messages while
// preserving structure. Split points are tried in priority order:
// paragraph, code fence boundary, sentence, line, word, hard cut.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// TelegramLimit is Telegram's hard message length ceiling
	TelegramLimit = 4096

	// DefaultMaxSize leaves margin for part headers and fence closers
	DefaultMaxSize = 4000

	minMaxSize = 100
)

const fence = "```"

// Chunker splits text into chunks of at most MaxSize bytes
type Chunker struct {
	maxSize int
}

// New creates a chunker. Sizes outside [100, TelegramLimit] are clamped.
func New(maxSize int) *Chunker {
	if maxSize <= 0 || maxSize > TelegramLimit {
		maxSize = DefaultMaxSize
	}
	if maxSize < minMaxSize {
		maxSize = minMaxSize
	}
	return &Chunker{maxSize: maxSize}
}

// MaxSize reports the configured chunk ceiling
func (c *Chunker) MaxSize() int { return c.maxSize }

// Chunk splits text. Short text comes back as a single chunk untouched;
// multi-chunk output gets "[Part i/n]" headers, and a chunk that ends
// inside a code fence is closed there and reopened in the next chunk.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.maxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= c.maxSize {
			chunks = append(chunks, remaining)
			break
		}
		pos := c.findSplitPoint(remaining)
		chunk := strings.TrimRight(remaining[:pos], " \t\n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[pos:], " \t\n")
	}

	chunks = recloseFences(chunks)

	if len(chunks) > 1 {
		total := len(chunks)
		for i, chunk := range chunks {
			chunks[i] = fmt.Sprintf("[Part %d/%d]\n%s", i+1, total, chunk)
		}
	}
	return chunks
}

// recloseFences closes a code fence left open at a chunk boundary and
// reopens it at the start of the following chunk
func recloseFences(chunks []string) []string {
	open := false
	for i, chunk := range chunks {
		if open {
			chunk = fence + "\n" + chunk
		}
		if strings.Count(chunk, fence)%2 != 0 {
			open = true
			chunk = chunk + "\n" + fence
		} else {
			open = false
		}
		chunks[i] = chunk
	}
	return chunks
}

func (c *Chunker) findSplitPoint(text string) int {
	maxPos := c.maxSize

	// Paragraph boundary, if it lands in the second half
	if para := strings.LastIndex(text[:maxPos], "\n\n"); para > maxPos/2 {
		return para + 2
	}

	if codeEnd := findFenceBoundary(text, maxPos); codeEnd > 0 {
		return codeEnd
	}

	if sentence := findSentenceBoundary(text, maxPos); sentence > maxPos/2 {
		return sentence
	}

	if line := strings.LastIndexByte(text[:maxPos], '\n'); line > maxPos/3 {
		return line + 1
	}

	if word := strings.LastIndexByte(text[:maxPos], ' '); word > maxPos/4 {
		return word + 1
	}

	// Hard cut, stepped back to a rune boundary
	for maxPos > 0 && !utf8.RuneStart(text[maxPos]) {
		maxPos--
	}
	return maxPos
}

// findSentenceBoundary returns the position just past the last sentence
// end within maxPos, or -1
func findSentenceBoundary(text string, maxPos int) int {
	patterns := []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}
	best := -1
	for _, p := range patterns {
		if pos := strings.LastIndex(text[:maxPos], p); pos > best {
			best = pos
		}
	}
	if best > 0 {
		return best + 2
	}
	return -1
}

// findFenceBoundary returns the position after the last complete code
// block within maxPos, or 0 when no complete block fits
func findFenceBoundary(text string, maxPos int) int {
	window := text[:maxPos]
	var positions []int
	for idx := 0; ; {
		rel := strings.Index(window[idx:], fence)
		if rel < 0 {
			break
		}
		positions = append(positions, idx+rel)
		idx += rel + len(fence)
	}
	if len(positions) < 2 {
		return 0
	}

	// Walk closing fences from the end, keeping pairs intact
	for i := len(positions) - 1; i > 0; i -= 2 {
		closeEnd := positions[i] + len(fence)
		if closeEnd > maxPos {
			continue
		}
		if nl := strings.IndexByte(text[closeEnd:], '\n'); nl >= 0 && closeEnd+nl+1 <= maxPos {
			return closeEnd + nl + 1
		}
		return closeEnd
	}
	return 0
}
