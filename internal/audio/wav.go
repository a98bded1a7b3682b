package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	fmtChunk := make([]byte, 16)
	binary.LittleEndian.PutUint16(fmtChunk[0:], audioFormat)
	binary.LittleEndian.PutUint16(fmtChunk[2:], numChannels)
	binary.LittleEndian.PutUint32(fmtChunk[4:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(fmtChunk[8:], uint32(sampleRate*numChannels*bitsPerSample/8))
	binary.LittleEndian.PutUint16(fmtChunk[12:], numChannels*bitsPerSample/8)
	binary.LittleEndian.PutUint16(fmtChunk[14:], bitsPerSample)
	return writeWAV(out, fmtChunk, pcm)
}

func writeWAV(out io.Writer, fmtChunk, data []byte) error {
	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	riffSize := uint32(4 + 8 + len(fmtChunk) + len(fmtChunk)%2 + 8 + len(data))
	if err := binary.Write(w, binary.LittleEndian, riffSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(fmtChunk))); err != nil {
		return err
	}
	if _, err := w.Write(fmtChunk); err != nil {
		return err
	}
	if len(fmtChunk)%2 == 1 {
		if err := w.WriteByte(0); err != nil {
			return err
		}
	}

	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// wavParts is the fmt chunk body and the sample data of a WAV stream.
type wavParts struct {
	fmt  []byte
	data []byte
}

// parseWAV extracts the fmt and data chunks. A data chunk whose declared
// size overruns the buffer (streamed output) is clamped to what is present.
func parseWAV(b []byte) (wavParts, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return wavParts{}, errNotWAV
	}
	var out wavParts
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			out.fmt = b[body : body+size]
		case "data":
			out.data = b[body : body+size]
		}
		pos = body + size + size%2
	}
	if out.fmt == nil {
		return wavParts{}, fmt.Errorf("wav: missing fmt chunk")
	}
	if out.data == nil {
		return wavParts{}, fmt.Errorf("wav: missing data chunk")
	}
	return out, nil
}

// MergeWAV concatenates the sample data of parts, which must share one
// fmt chunk, into a single WAV stream.
func MergeWAV(parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, errors.New("wav: nothing to merge")
	}
	var (
		fmtChunk []byte
		data     bytes.Buffer
	)
	for i, p := range parts {
		parsed, err := parseWAV(p)
		if err != nil {
			return nil, fmt.Errorf("wav part %d: %w", i, err)
		}
		if i == 0 {
			fmtChunk = parsed.fmt
		} else if !bytes.Equal(fmtChunk, parsed.fmt) {
			return nil, fmt.Errorf("wav part %d: sample format differs from part 0", i)
		}
		data.Write(parsed.data)
	}
	var out bytes.Buffer
	if err := writeWAV(&out, fmtChunk, data.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
