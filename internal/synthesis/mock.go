package synthesis

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/conversion"
)

const mockSampleRate = 16000

// MockClient renders a short tone per segment as WAV. Length grows with the
// text so merged output is audibly ordered; pitch depends on the voice.
type MockClient struct {
	// MillisPerRune sets output duration; zero means 2ms.
	MillisPerRune int
}

func NewMockClient() *MockClient {
	return &MockClient{MillisPerRune: 2}
}

func (m *MockClient) Synthesize(ctx context.Context, text string, voice conversion.Voice) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	per := m.MillisPerRune
	if per <= 0 {
		per = 2
	}
	ms := len([]rune(text)) * per
	if ms < 50 {
		ms = 50
	}
	samples := mockSampleRate * ms / 1000
	freq := voiceFrequency(voice)

	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.2 * math.Sin(2*math.Pi*freq*float64(i)/mockSampleRate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return audio.EncodeWAVPCM16LE(pcm, mockSampleRate)
}

func voiceFrequency(v conversion.Voice) float64 {
	for i, known := range conversion.Voices() {
		if known == v {
			return 220 + float64(i)*55
		}
	}
	return 440
}
