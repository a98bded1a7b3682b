package conversion

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("conversion not found")
	ErrTerminalState     = errors.New("conversion already in terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAssembly          = errors.New("assembly failed")
)

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the job to next, stamping lifecycle timestamps.
// Any move out of a terminal state fails with ErrTerminalState.
func (j *Job) TransitionTo(next Status, now time.Time) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, j.ID, j.Status)
	}
	if !CanTransition(j.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	j.UpdatedAt = now
	if next == StatusProcessing && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if next.Terminal() {
		t := now
		j.EndedAt = &t
		start := j.CreatedAt
		if j.StartedAt != nil {
			start = *j.StartedAt
		}
		j.Timings.TotalMS = now.Sub(start).Milliseconds()
	}
	return nil
}

// Fail transitions to failed and records info as the cause.
func (j *Job) Fail(info ErrorInfo, now time.Time) error {
	if err := j.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	j.Error = &info
	return nil
}

// NewJob builds a pending job from already chunked segments.
func NewJob(title, text string, voice Voice, segments []Segment, now time.Time) Job {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle(text)
	}
	segs := make([]Segment, len(segments))
	for i, seg := range segments {
		seg.Index = i
		seg.Status = SegmentQueued
		seg.AudioRef = ""
		seg.Attempts = 0
		seg.Error = ""
		segs[i] = seg
	}
	return Job{
		ID:         uuid.NewString(),
		Title:      title,
		SourceText: text,
		Voice:      voice,
		Status:     StatusPending,
		Segments:   segs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ValidateTitle enforces the title length limit.
func ValidateTitle(title string) error {
	if len([]rune(strings.TrimSpace(title))) > MaxTitleLength {
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidInput, MaxTitleLength)
	}
	return nil
}

// DefaultTitle derives a title from the first words of text.
func DefaultTitle(text string) string {
	const maxWords = 8
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	title := strings.Join(words, " ")
	r := []rune(title)
	if len(r) > 64 {
		title = string(r[:64])
	}
	if title == "" {
		return "Untitled conversion"
	}
	return title
}
