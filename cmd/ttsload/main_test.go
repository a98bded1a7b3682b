package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/narrate/internal/app"
	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/config"
	"github.com/antoniostano/narrate/internal/observability"
)

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	gotPCM, gotSR, err := decodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	gotPCM, gotSR, err := decodeWAVPCM16(encodeWAV16Stereo(stereo, 24000))
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", gotSR)
	}
	if len(gotPCM) != 4 {
		t.Fatalf("len(gotPCM) = %d, want 4", len(gotPCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func encodeWAV16Stereo(stereoPCM []byte, sampleRate int) []byte {
	dataSize := uint32(len(stereoPCM))
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36)+dataSize)
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, dataSize)
	b.Write(stereoPCM)
	return b.Bytes()
}

func TestParseFlagsDefaultsAndValidation(t *testing.T) {
	cfg, err := parseFlags(flag.NewFlagSet("ttsload", flag.ContinueOnError), []string{"-base-url", "http://localhost:9000/", "-poll-ms", "1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", cfg.baseURL)
	assert.Equal(t, 20*time.Millisecond, cfg.pollInterval)
	assert.Equal(t, defaultText, cfg.text)

	_, err = parseFlags(flag.NewFlagSet("ttsload", flag.ContinueOnError), []string{"-runs", "0"})
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	_, err = parseFlags(flag.NewFlagSet("ttsload", flag.ContinueOnError), []string{"-file", empty})
	assert.Error(t, err)
}

func TestWSURLForConversion(t *testing.T) {
	got, err := wsURLForConversion("https://tts.example.com/base", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://tts.example.com/base/conversion/abc/progress/ws", got)

	_, err = wsURLForConversion("ftp://tts.example.com", "abc")
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, 30.0, percentile(sorted, 0.5))
	assert.Equal(t, 50.0, percentile(sorted, 0.95))
	assert.Equal(t, 0.0, percentile(nil, 0.5))
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.SynthesisProvider = "mock"
	cfg.BlobBackend = "memory"
	cfg.MetricsNamespace = "test_ttsload"
	cfg.MaxChunkSize = 200

	res, err := app.Build(context.Background(), cfg, observability.DiscardLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(res.API.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = res.Service.Shutdown(context.Background())
		_ = res.Cleanup()
	})
	return srv.URL
}

func TestRunAgainstServer(t *testing.T) {
	base := startServer(t)
	outDir := t.TempDir()

	for _, useWS := range []bool{false, true} {
		cfg := options{
			baseURL:      base,
			title:        "load",
			voice:        "nova",
			text:         strings.Repeat("A calm sentence about nothing much. ", 20),
			runs:         3,
			concurrency:  2,
			pollInterval: 20 * time.Millisecond,
			useWS:        useWS,
			runTimeout:   30 * time.Second,
			outDir:       outDir,
			verbose:      true,
		}
		var out bytes.Buffer
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := run(ctx, cfg, &out)
		cancel()
		require.NoError(t, err)
		assert.Contains(t, out.String(), "runs=3 completed=3 cancelled=0 failed=0")
		assert.Contains(t, out.String(), "realtime_factor=")
	}

	files, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, files, 6)
}

func TestRunReportsSubmitErrors(t *testing.T) {
	base := startServer(t)
	cfg := options{
		baseURL:      base,
		text:         "x",
		voice:        "not-a-voice",
		runs:         1,
		concurrency:  1,
		pollInterval: 20 * time.Millisecond,
		runTimeout:   5 * time.Second,
	}
	err := run(context.Background(), cfg, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}
