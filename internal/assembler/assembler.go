// Package assembler merges the audio of completed segments into the final
// artifact.
package assembler

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/blob"
	"github.com/antoniostano/narrate/internal/conversion"
)

type Assembler struct {
	blobs blob.Store
}

func New(blobs blob.Store) *Assembler {
	return &Assembler{blobs: blobs}
}

// Assemble loads every segment's audio in index order, merges it, and stores
// the result. It fails with conversion.ErrAssembly unless every segment is
// done and has audio.
func (a *Assembler) Assemble(ctx context.Context, segments []conversion.Segment) (string, audio.Format, error) {
	ctx, span := otel.Tracer("narrate/assembler").Start(ctx, "assemble")
	defer span.End()
	span.SetAttributes(attribute.Int("segments", len(segments)))

	if len(segments) == 0 {
		return "", audio.FormatUnknown, fmt.Errorf("%w: no segments", conversion.ErrAssembly)
	}
	ordered := make([]conversion.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	parts := make([][]byte, len(ordered))
	for i, seg := range ordered {
		if seg.Status != conversion.SegmentDone || seg.AudioRef == "" {
			return "", audio.FormatUnknown, fmt.Errorf("%w: segment %d has no audio", conversion.ErrAssembly, seg.Index)
		}
		data, err := a.blobs.Get(ctx, seg.AudioRef)
		if err != nil {
			return "", audio.FormatUnknown, fmt.Errorf("%w: load segment %d: %v", conversion.ErrAssembly, seg.Index, err)
		}
		parts[i] = data
	}

	merged, format, err := audio.Merge(parts)
	if err != nil {
		return "", audio.FormatUnknown, fmt.Errorf("%w: %v", conversion.ErrAssembly, err)
	}
	ref, err := a.blobs.Put(ctx, merged)
	if err != nil {
		return "", audio.FormatUnknown, fmt.Errorf("%w: store artifact: %v", conversion.ErrAssembly, err)
	}
	span.SetAttributes(attribute.String("format", string(format)), attribute.Int("bytes", len(merged)))
	return ref, format, nil
}
