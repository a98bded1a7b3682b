package conversion

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type SegmentStatus string

const (
	SegmentQueued   SegmentStatus = "queued"
	SegmentInFlight SegmentStatus = "in_flight"
	SegmentDone     SegmentStatus = "done"
	SegmentFailed   SegmentStatus = "failed"
)

type Voice string

const (
	VoiceAlloy   Voice = "alloy"
	VoiceEcho    Voice = "echo"
	VoiceFable   Voice = "fable"
	VoiceOnyx    Voice = "onyx"
	VoiceNova    Voice = "nova"
	VoiceShimmer Voice = "shimmer"
)

var voices = []Voice{VoiceAlloy, VoiceEcho, VoiceFable, VoiceOnyx, VoiceNova, VoiceShimmer}

// Voices returns the supported voice names in display order.
func Voices() []Voice {
	out := make([]Voice, len(voices))
	copy(out, voices)
	return out
}

// ParseVoice normalizes v and rejects names outside the supported set.
func ParseVoice(v string) (Voice, error) {
	name := Voice(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range voices {
		if name == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported voice %q", ErrInvalidInput, v)
}

const (
	// MaxTextLength is counted in characters (runes), not bytes.
	MaxTextLength  = 100000
	MaxTitleLength = 256
)

type Segment struct {
	Index    int           `json:"index"`
	Text     string        `json:"text"`
	Status   SegmentStatus `json:"status"`
	AudioRef string        `json:"audio_ref,omitempty"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// ErrorInfo records the first fatal cause of a failed job. SegmentIndex is -1
// when the failure is not tied to a segment (assembly, store outage).
type ErrorInfo struct {
	SegmentIndex int    `json:"segment_index"`
	Code         string `json:"code"`
	Detail       string `json:"detail"`
}

type Timings struct {
	ChunkingMS  int64 `json:"chunking_ms"`
	SynthesisMS int64 `json:"synthesis_ms"`
	AssemblyMS  int64 `json:"assembly_ms"`
	TotalMS     int64 `json:"total_ms"`
}

type Job struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	SourceText string     `json:"source_text"`
	Voice      Voice      `json:"voice"`
	Status     Status     `json:"status"`
	Segments   []Segment  `json:"segments"`
	Progress   float64    `json:"progress"`
	ResultRef  string     `json:"result_ref,omitempty"`
	Error      *ErrorInfo `json:"error,omitempty"`
	Timings    Timings    `json:"timings"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (j Job) Clone() Job {
	out := j
	if j.Segments != nil {
		out.Segments = make([]Segment, len(j.Segments))
		copy(out.Segments, j.Segments)
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		out.EndedAt = &t
	}
	return out
}

func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

func (j Job) DoneCount() int {
	n := 0
	for _, seg := range j.Segments {
		if seg.Status == SegmentDone {
			n++
		}
	}
	return n
}

// RecomputeProgress sets Progress to 100 * done / total.
func (j *Job) RecomputeProgress() {
	j.Progress = ProgressPercent(j.DoneCount(), len(j.Segments))
}

func ProgressPercent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return 100 * float64(done) / float64(total)
}

// DisplayProgress rounds p to two decimals for API responses.
func DisplayProgress(p float64) float64 {
	return math.Round(p*100) / 100
}

// Summary is a Job without its source text and segment bodies.
type Summary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Voice        Voice      `json:"voice"`
	Status       Status     `json:"status"`
	Progress     float64    `json:"progress"`
	SegmentCount int        `json:"segment_count"`
	SegmentsDone int        `json:"segments_done"`
	TextLength   int        `json:"text_length"`
	HasResult    bool       `json:"has_result"`
	Error        *ErrorInfo `json:"error,omitempty"`
	Timings      Timings    `json:"timings"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

func (j Job) Summary() Summary {
	s := Summary{
		ID:           j.ID,
		Title:        j.Title,
		Voice:        j.Voice,
		Status:       j.Status,
		Progress:     DisplayProgress(j.Progress),
		SegmentCount: len(j.Segments),
		SegmentsDone: j.DoneCount(),
		TextLength:   len([]rune(j.SourceText)),
		HasResult:    j.ResultRef != "",
		Timings:      j.Timings,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		EndedAt:      j.EndedAt,
	}
	if j.Error != nil {
		e := *j.Error
		s.Error = &e
	}
	return s
}
