package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// Bitrates in kbps indexed by [table][bitrate index].
var mp3Bitrates = [5][16]int{
	{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0}, // MPEG1 layer I
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0},    // MPEG1 layer II
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},     // MPEG1 layer III
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0},    // MPEG2/2.5 layer I
	{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},         // MPEG2/2.5 layer II, III
}

var mp3SampleRates = [4][3]int{
	{11025, 12000, 8000},  // MPEG2.5
	{0, 0, 0},             // reserved
	{22050, 24000, 16000}, // MPEG2
	{44100, 48000, 32000}, // MPEG1
}

type mp3Header struct {
	version  int // 3 MPEG1, 2 MPEG2, 0 MPEG2.5
	layer    int // 1, 2 or 3
	mono     bool
	frameLen int
}

func parseMP3Header(b []byte) (mp3Header, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return mp3Header{}, false
	}
	version := int(b[1]>>3) & 0x3
	layerBits := int(b[1]>>1) & 0x3
	bitrateIdx := int(b[2] >> 4)
	srIdx := int(b[2]>>2) & 0x3
	padding := int(b[2]>>1) & 0x1
	if version == 1 || layerBits == 0 || bitrateIdx == 0 || bitrateIdx == 15 || srIdx == 3 {
		return mp3Header{}, false
	}
	layer := 4 - layerBits

	var table int
	if version == 3 {
		table = layer - 1
	} else if layer == 1 {
		table = 3
	} else {
		table = 4
	}
	bitrate := mp3Bitrates[table][bitrateIdx] * 1000
	sampleRate := mp3SampleRates[version][srIdx]

	var frameLen int
	switch {
	case layer == 1:
		frameLen = (12*bitrate/sampleRate + padding) * 4
	case layer == 3 && version != 3:
		frameLen = 72*bitrate/sampleRate + padding
	default:
		frameLen = 144*bitrate/sampleRate + padding
	}
	if frameLen < 4 {
		return mp3Header{}, false
	}
	return mp3Header{
		version:  version,
		layer:    layer,
		mono:     b[3]>>6 == 0x3,
		frameLen: frameLen,
	}, true
}

// isVBRHeaderFrame reports whether frame carries a Xing/Info or VBRI tag
// instead of audio.
func isVBRHeaderFrame(frame []byte, h mp3Header) bool {
	side := 32
	switch {
	case h.version == 3 && h.mono:
		side = 17
	case h.version != 3 && h.mono:
		side = 9
	case h.version != 3:
		side = 17
	}
	if off := 4 + side; len(frame) >= off+4 {
		tag := string(frame[off : off+4])
		if tag == "Xing" || tag == "Info" {
			return true
		}
	}
	return len(frame) >= 40 && string(frame[36:40]) == "VBRI"
}

// stripID3 removes a leading ID3v2 tag and a trailing ID3v1 tag.
func stripID3(b []byte) []byte {
	if len(b) >= 10 && string(b[0:3]) == "ID3" {
		size := int(b[6]&0x7F)<<21 | int(b[7]&0x7F)<<14 | int(b[8]&0x7F)<<7 | int(b[9]&0x7F)
		skip := 10 + size
		if b[5]&0x10 != 0 {
			skip += 10
		}
		if skip > len(b) {
			skip = len(b)
		}
		b = b[skip:]
	}
	if len(b) >= 128 && string(b[len(b)-128:len(b)-125]) == "TAG" {
		b = b[:len(b)-128]
	}
	return b
}

// mp3Frames returns the audio frames of b with tags and VBR header frames
// removed. Bytes between frames that do not parse as a frame are skipped.
func mp3Frames(b []byte) ([]byte, int) {
	b = stripID3(b)
	var out bytes.Buffer
	frames := 0
	first := true
	for pos := 0; pos+4 <= len(b); {
		h, ok := parseMP3Header(b[pos:])
		if !ok || pos+h.frameLen > len(b) {
			pos++
			continue
		}
		frame := b[pos : pos+h.frameLen]
		if !(first && isVBRHeaderFrame(frame, h)) {
			out.Write(frame)
			frames++
		}
		first = false
		pos += h.frameLen
	}
	return out.Bytes(), frames
}

// MergeMP3 concatenates the audio frames of parts in order.
func MergeMP3(parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, errors.New("mp3: nothing to merge")
	}
	var out bytes.Buffer
	for i, p := range parts {
		frames, n := mp3Frames(p)
		if n == 0 {
			return nil, fmt.Errorf("mp3 part %d: no audio frames", i)
		}
		out.Write(frames)
	}
	return out.Bytes(), nil
}
