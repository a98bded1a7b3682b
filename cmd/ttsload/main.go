package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/narrate/internal/audio"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/protocol"
)

type options struct {
	baseURL      string
	title        string
	voice        string
	text         string
	runs         int
	concurrency  int
	pollInterval time.Duration
	useWS        bool
	cancelAfter  time.Duration
	runTimeout   time.Duration
	outDir       string
	verbose      bool
}

type runResult struct {
	ID           string
	Segments     int
	Status       conversion.Status
	Submit       time.Duration
	Total        time.Duration
	Bytes        int
	Format       audio.Format
	AudioSeconds float64
}

const defaultText = "The lighthouse keeper climbed the stairs every evening. " +
	"He counted the steps out loud, one hundred and twelve of them, and at the top he lit the lamp. " +
	"Ships far out at sea saw the beam sweep across the water and knew where the rocks were. " +
	"Nobody ever thanked him, and he never expected it."

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ttsload: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ttsload: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var file string
	var pollMS, cancelMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "narrated base URL")
	fs.StringVar(&file, "file", "", "text file to convert (defaults to a short built-in passage)")
	fs.StringVar(&cfg.title, "title", "ttsload", "conversion title")
	fs.StringVar(&cfg.voice, "voice", "alloy", "voice name")
	fs.IntVar(&cfg.runs, "runs", 1, "number of conversions to submit")
	fs.IntVar(&cfg.concurrency, "concurrency", 1, "conversions in flight at once")
	fs.IntVar(&pollMS, "poll-ms", 250, "progress poll interval in milliseconds")
	fs.BoolVar(&cfg.useWS, "ws", false, "follow progress over the websocket instead of polling")
	fs.IntVar(&cancelMS, "cancel-after-ms", 0, "cancel each conversion after this many milliseconds (0 disables)")
	fs.DurationVar(&cfg.runTimeout, "run-timeout", 10*time.Minute, "timeout per conversion")
	fs.StringVar(&cfg.outDir, "out", "", "directory to write downloaded audio to (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-run progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.runs <= 0 {
		return options{}, fmt.Errorf("runs must be > 0")
	}
	if cfg.concurrency <= 0 {
		return options{}, fmt.Errorf("concurrency must be > 0")
	}
	if pollMS < 20 {
		pollMS = 20
	}
	if cancelMS < 0 {
		cancelMS = 0
	}
	if cfg.runTimeout < time.Second {
		cfg.runTimeout = time.Second
	}
	cfg.pollInterval = time.Duration(pollMS) * time.Millisecond
	cfg.cancelAfter = time.Duration(cancelMS) * time.Millisecond

	if file = strings.TrimSpace(file); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return options{}, fmt.Errorf("read text file: %w", err)
		}
		cfg.text = string(data)
	} else {
		cfg.text = defaultText
	}
	if strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("text is empty")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	client := &http.Client{Timeout: 2 * time.Minute}
	results := make([]runResult, cfg.runs)

	var printMu sync.Mutex
	logf := func(format string, args ...any) {
		if !cfg.verbose {
			return
		}
		printMu.Lock()
		defer printMu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for i := 0; i < cfg.runs; i++ {
		g.Go(func() error {
			runCtx, cancel := context.WithTimeout(gctx, cfg.runTimeout)
			defer cancel()
			res, err := runOne(runCtx, client, cfg, i)
			if err != nil {
				return fmt.Errorf("run %d: %w", i+1, err)
			}
			results[i] = res
			logf("ttsload: run %d/%d id=%s status=%s segments=%d total=%s bytes=%d\n",
				i+1, cfg.runs, res.ID, res.Status, res.Segments, res.Total.Round(time.Millisecond), res.Bytes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	printSummary(out, results)
	return nil
}

func runOne(ctx context.Context, client *http.Client, cfg options, n int) (runResult, error) {
	start := time.Now()
	created, err := submit(ctx, client, cfg, n)
	if err != nil {
		return runResult{}, fmt.Errorf("submit: %w", err)
	}
	res := runResult{ID: created.ID, Segments: created.Segments, Submit: time.Since(start)}

	if cfg.cancelAfter > 0 {
		timer := time.AfterFunc(cfg.cancelAfter, func() {
			_ = cancelConversion(context.Background(), client, cfg.baseURL, created.ID)
		})
		defer timer.Stop()
	}

	var final protocol.Progress
	if cfg.useWS {
		final, err = followWS(ctx, cfg.baseURL, created.ID)
	} else {
		final, err = poll(ctx, client, cfg.baseURL, created.ID, cfg.pollInterval)
	}
	if err != nil {
		return runResult{}, fmt.Errorf("follow progress: %w", err)
	}
	res.Status = final.Status
	if final.Status != conversion.StatusCompleted {
		res.Total = time.Since(start)
		return res, nil
	}

	data, err := download(ctx, client, cfg.baseURL, created.ID)
	if err != nil {
		return runResult{}, fmt.Errorf("download: %w", err)
	}
	res.Total = time.Since(start)
	res.Bytes = len(data)
	res.Format = audio.Detect(data)
	if res.Format == audio.FormatWAV {
		if pcm, sampleRate, err := decodeWAVPCM16(data); err == nil && sampleRate > 0 {
			res.AudioSeconds = float64(len(pcm)) / float64(sampleRate*2)
		}
	}
	if cfg.outDir != "" {
		name := fmt.Sprintf("%s/%s.%s", strings.TrimRight(cfg.outDir, "/"), created.ID, res.Format.Extension())
		if err := os.WriteFile(name, data, 0o644); err != nil {
			return runResult{}, fmt.Errorf("write artifact: %w", err)
		}
	}
	return res, nil
}

func submit(ctx context.Context, client *http.Client, cfg options, n int) (protocol.CreateConversionResponse, error) {
	title := cfg.title
	if cfg.runs > 1 {
		title = fmt.Sprintf("%s %d", cfg.title, n+1)
	}
	payload, err := json.Marshal(protocol.CreateConversionRequest{Title: title, Text: cfg.text, Voice: cfg.voice})
	if err != nil {
		return protocol.CreateConversionResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/conversions", bytes.NewReader(payload))
	if err != nil {
		return protocol.CreateConversionResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := do(client, req, 1<<20)
	if err != nil {
		return protocol.CreateConversionResponse{}, err
	}
	if status != http.StatusCreated {
		return protocol.CreateConversionResponse{}, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	var out protocol.CreateConversionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return protocol.CreateConversionResponse{}, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return protocol.CreateConversionResponse{}, fmt.Errorf("missing id in response")
	}
	return out, nil
}

func poll(ctx context.Context, client *http.Client, baseURL, id string, every time.Duration) (protocol.Progress, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/conversion/"+url.PathEscape(id)+"/progress", nil)
		if err != nil {
			return protocol.Progress{}, err
		}
		body, status, err := do(client, req, 1<<20)
		if err != nil {
			return protocol.Progress{}, err
		}
		if status != http.StatusOK {
			return protocol.Progress{}, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
		}
		msg, err := protocol.ParseProgress(body)
		if err != nil {
			return protocol.Progress{}, err
		}
		if msg.Status.Terminal() {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return protocol.Progress{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func followWS(ctx context.Context, baseURL, id string) (protocol.Progress, error) {
	wsURL, err := wsURLForConversion(baseURL, id)
	if err != nil {
		return protocol.Progress{}, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return protocol.Progress{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var last protocol.Progress
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if last.Status.Terminal() && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return last, nil
			}
			if ctx.Err() != nil {
				return protocol.Progress{}, ctx.Err()
			}
			return protocol.Progress{}, err
		}
		msg, err := protocol.ParseProgress(data)
		if err != nil {
			continue
		}
		last = msg
		if msg.Status.Terminal() {
			return msg, nil
		}
	}
}

func cancelConversion(ctx context.Context, client *http.Client, baseURL, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/conversion/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	body, status, err := do(client, req, 1<<20)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

func download(ctx context.Context, client *http.Client, baseURL, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/conversion/"+url.PathEscape(id)+"/download", nil)
	if err != nil {
		return nil, err
	}
	body, status, err := do(client, req, 1<<30)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 {
		return nil, errors.New("empty artifact")
	}
	return body, nil
}

func do(client *http.Client, req *http.Request, limit int64) ([]byte, int, error) {
	res, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, 0, err
	}
	return body, res.StatusCode, nil
}

func wsURLForConversion(baseURL, id string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/conversion/" + url.PathEscape(id) + "/progress/ws"
	return u.String(), nil
}

func printSummary(out io.Writer, results []runResult) {
	var totals []float64
	counts := map[conversion.Status]int{}
	var audioSeconds, wallSeconds float64
	for _, r := range results {
		counts[r.Status]++
		if r.Status != conversion.StatusCompleted {
			continue
		}
		totals = append(totals, float64(r.Total.Milliseconds()))
		if r.AudioSeconds > 0 {
			audioSeconds += r.AudioSeconds
			wallSeconds += r.Total.Seconds()
		}
	}
	sort.Float64s(totals)

	fmt.Fprintf(out, "ttsload: runs=%d completed=%d cancelled=%d failed=%d\n",
		len(results), counts[conversion.StatusCompleted], counts[conversion.StatusCancelled], counts[conversion.StatusFailed])
	if len(totals) > 0 {
		fmt.Fprintf(out, "ttsload: total_ms p50=%.0f p95=%.0f max=%.0f\n",
			percentile(totals, 0.50), percentile(totals, 0.95), totals[len(totals)-1])
	}
	if wallSeconds > 0 {
		fmt.Fprintf(out, "ttsload: audio_seconds=%.2f realtime_factor=%.2f\n", audioSeconds, audioSeconds/wallSeconds)
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = chunk
		}
		off += size
		if size%2 == 1 {
			off++
		}
	}
	if !haveFmt {
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	}
	if audioFormat != 1 || bitsPerSamp != 16 {
		return nil, 0, fmt.Errorf("unsupported wav encoding format=%d bits=%d", audioFormat, bitsPerSamp)
	}
	if channels == 0 {
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	}
	if channels == 1 {
		return pcmData[:len(pcmData)&^1], sampleRate, nil
	}

	// Downmix to mono so duration math only needs one frame size.
	frameBytes := int(channels) * 2
	frameCount := len(pcmData) / frameBytes
	mono := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		base := i * frameBytes
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2 : base+ch*2+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
