// Package audio merges per-segment audio into one container.
package audio

import (
	"errors"
	"fmt"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatMP3     Format = "mp3"
	FormatWAV     Format = "wav"
)

var ErrMixedFormats = errors.New("audio parts use different formats")

func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func (f Format) Extension() string {
	if f == FormatUnknown {
		return "bin"
	}
	return string(f)
}

// Detect sniffs the container of b.
func Detect(b []byte) Format {
	if len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE" {
		return FormatWAV
	}
	if len(b) >= 3 && string(b[0:3]) == "ID3" {
		return FormatMP3
	}
	if _, ok := parseMP3Header(b); ok {
		return FormatMP3
	}
	return FormatUnknown
}

// Merge joins parts, in the given order, into one stream of their shared
// container format.
func Merge(parts [][]byte) ([]byte, Format, error) {
	if len(parts) == 0 {
		return nil, FormatUnknown, errors.New("audio: nothing to merge")
	}
	format := Detect(parts[0])
	for i, p := range parts[1:] {
		if f := Detect(p); f != format {
			return nil, FormatUnknown, fmt.Errorf("%w: part %d is %q, part 0 is %q", ErrMixedFormats, i+1, f, format)
		}
	}
	var (
		out []byte
		err error
	)
	switch format {
	case FormatWAV:
		out, err = MergeWAV(parts)
	case FormatMP3:
		out, err = MergeMP3(parts)
	default:
		return nil, FormatUnknown, errors.New("audio: unrecognized container")
	}
	if err != nil {
		return nil, FormatUnknown, err
	}
	return out, format, nil
}
