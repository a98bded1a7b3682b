// Package chunker splits long text into bounded segments for synthesis.
package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antoniostano/narrate/internal/conversion"
)

const DefaultMaxChunkSize = 4000

type Options struct {
	// MaxChunkSize bounds each segment, in characters.
	MaxChunkSize int
	// Lookback is how far back from the hard limit a boundary is searched for.
	Lookback int
}

func (o Options) normalized() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.Lookback <= 0 || o.Lookback > o.MaxChunkSize {
		o.Lookback = o.MaxChunkSize / 4
	}
	if o.Lookback < 1 {
		o.Lookback = 1
	}
	return o
}

// Validate checks text against the submission limits without chunking it.
func Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", conversion.ErrInvalidInput)
	}
	if n := len([]rune(text)); n > conversion.MaxTextLength {
		return fmt.Errorf("%w: text has %d characters, limit is %d", conversion.ErrInvalidInput, n, conversion.MaxTextLength)
	}
	return nil
}

// Chunk splits text into contiguous segments no longer than MaxChunkSize,
// each carrying at least one non-space character. Cuts prefer the end of a
// sentence, then a word break, then a hard cut. Whitespace following a cut
// stays with the preceding segment, so the segment texts concatenate back to
// text exactly, except for whitespace that cannot sit next to speech within
// the bound: most of a run that cannot fit before the next spoken rune, and
// trailing whitespace past the last window, are dropped.
func Chunk(text string, opts Options) ([]conversion.Segment, error) {
	if err := Validate(text); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	r := []rune(text)
	last := lastNonSpace(r)
	var pieces []string
	for start := 0; start <= last; {
		// The segment must reach its first spoken rune within the bound.
		// An overlong run is cut down to the lookback so speech keeps room.
		if lead := firstNonSpace(r, start) - start; lead > opts.MaxChunkSize-1 {
			start += lead - min(opts.Lookback, opts.MaxChunkSize-1)
		}
		end := start + opts.MaxChunkSize
		if end > last {
			// All remaining speech fits; trailing whitespace past the
			// window is dropped.
			if end > len(r) {
				end = len(r)
			}
			pieces = append(pieces, string(r[start:end]))
			break
		}
		cut := findCut(r, start, end, opts.Lookback, firstNonSpace(r, start))
		pieces = append(pieces, string(r[start:cut]))
		start = cut
	}

	segments := make([]conversion.Segment, len(pieces))
	for i, p := range pieces {
		segments[i] = conversion.Segment{
			Index:  i,
			Text:   p,
			Status: conversion.SegmentQueued,
		}
	}
	return segments, nil
}

func firstNonSpace(r []rune, from int) int {
	for i := from; i < len(r); i++ {
		if !unicode.IsSpace(r[i]) {
			return i
		}
	}
	return len(r)
}

func lastNonSpace(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if !unicode.IsSpace(r[i]) {
			return i
		}
	}
	return -1
}

// findCut returns the exclusive end of the segment starting at start, given
// the hard limit end. The cut always lands after speech, the first non-space
// rune of the segment.
func findCut(r []rune, start, end, lookback, speech int) int {
	lo := end - lookback
	if lo < speech {
		lo = speech
	}
	for c := end; c > lo; c-- {
		if cutAfterWhitespace(r, c, end) && sentenceEndsBefore(r, start, c) {
			return c
		}
	}
	for c := end; c > lo; c-- {
		if cutAfterWhitespace(r, c, end) {
			return c
		}
	}
	return end
}

// cutAfterWhitespace reports whether c sits right after a whitespace run.
func cutAfterWhitespace(r []rune, c, end int) bool {
	if !unicode.IsSpace(r[c-1]) {
		return false
	}
	return c == end || c >= len(r) || !unicode.IsSpace(r[c])
}

// sentenceEndsBefore reports whether the whitespace run ending at c closes a
// sentence or a paragraph.
func sentenceEndsBefore(r []rune, start, c int) bool {
	k := c - 1
	newlines := 0
	for k >= start && unicode.IsSpace(r[k]) {
		if r[k] == '\n' {
			newlines++
		}
		k--
	}
	if newlines >= 2 {
		return true
	}
	for k >= start && isCloser(r[k]) {
		k--
	}
	return k >= start && isTerminator(r[k])
}

func isTerminator(c rune) bool {
	switch c {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	default:
		return false
	}
}

func isCloser(c rune) bool {
	switch c {
	case '"', '\'', ')', ']', '}', '»', '”', '’':
		return true
	default:
		return false
	}
}
