package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/aio-2030/aio-gateway/internal/audio"
	"github.com/aio-2030/aio-gateway/internal/env"
	"github.com/aio-2030/aio-gateway/internal/voice"
	"github.com/aio-2030/aio-gateway/internal/ws"
)

type benchResult struct {
	success  bool
	serverMs float64
	roundMs  float64
	endpoint string
	err      string
}

func runBench(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("bench", pflag.ContinueOnError)
	gateway := fs.String("gateway", env.Str("AIO_GATEWAY_WS", defaultGateway), "gateway recording WebSocket URL")
	concurrency := fs.IntP("concurrency", "c", 10, "number of concurrent sessions")
	duration := fs.DurationP("duration", "d", 30*time.Second, "test duration")
	audioDir := fs.String("audio-dir", "", "directory with sample audio files (synthetic audio if empty)")
	slice := fs.Duration("slice", voice.DefaultSlice, "capture slice length")
	if err := fs.Parse(args); err != nil {
		return err
	}

	files, err := findAudioFiles(*audioDir)
	if err != nil || len(files) == 0 {
		path, synthErr := writeSyntheticAudio(3 * time.Second)
		if synthErr != nil {
			return synthErr
		}
		defer os.Remove(path)
		files = []string{path}
	}

	fmt.Fprintf(stdout, "Bench: %d concurrent sessions for %s\n", *concurrency, *duration)
	fmt.Fprintf(stdout, "Gateway: %s | Files: %d\n\n", *gateway, len(files))

	results := bench(ctx, *gateway, files, *slice, *concurrency, *duration)
	printSummary(stdout, results)
	return nil
}

func bench(ctx context.Context, gateway string, files []string, slice time.Duration, concurrency int, duration time.Duration) []benchResult {
	var mu sync.Mutex
	var results []benchResult
	var wg sync.WaitGroup

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				src := voice.FileSource{Path: files[rand.Intn(len(files))], Slice: slice}
				r := benchOne(ctx, gateway, src)
				if ctx.Err() != nil && !r.success {
					return
				}
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return results
}

func benchOne(ctx context.Context, gateway string, src voice.FileSource) benchResult {
	res, err := streamFile(ctx, gateway, src, func(ws.Event) {})
	if err != nil {
		return benchResult{err: err.Error()}
	}
	return benchResult{
		success:  true,
		serverMs: res.done.LatencyMs,
		roundMs:  res.roundMs,
		endpoint: res.done.Endpoint,
	}
}

// writeSyntheticAudio renders a 440Hz tone with a little noise as a 16kHz
// mono WAV file.
func writeSyntheticAudio(dur time.Duration) (string, error) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	n := int(dur.Seconds() * float64(f.SampleRate))
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / float64(f.SampleRate)
		samples[i] = float32(math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05)
	}
	out, err := os.CreateTemp("", "aio-bench-*.wav")
	if err != nil {
		return "", fmt.Errorf("synthetic audio: %w", err)
	}
	defer out.Close()
	if _, err = out.Write(audio.EncodeWAV(samples, f)); err != nil {
		return "", fmt.Errorf("synthetic audio: %w", err)
	}
	return out.Name(), nil
}

var audioExts = map[string]bool{".wav": true, ".mp3": true, ".pcm": true, ".ulaw": true, ".alaw": true, ".webm": true, ".ogg": true}

func findAudioFiles(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && audioExts[filepath.Ext(e.Name())] {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

func printSummary(w io.Writer, results []benchResult) {
	var succeeded, failed int
	var serverAll, roundAll []float64
	errs := map[string]int{}
	endpoints := map[string]int{}

	for _, r := range results {
		if !r.success {
			failed++
			errs[r.err]++
			continue
		}
		succeeded++
		serverAll = append(serverAll, r.serverMs)
		roundAll = append(roundAll, r.roundMs)
		endpoints[r.endpoint]++
	}

	fmt.Fprintf(w, "\n=== Bench Results ===\n")
	fmt.Fprintf(w, "Sessions completed: %d\n", succeeded)
	fmt.Fprintf(w, "Sessions failed:    %d\n", failed)
	for msg, n := range errs {
		fmt.Fprintf(w, "  %4d  %s\n", n, msg)
	}

	if len(serverAll) == 0 {
		fmt.Fprintln(w, "No successful sessions to report latency")
		return
	}
	for ep, n := range endpoints {
		fmt.Fprintf(w, "Endpoint %-20s %d\n", ep, n)
	}

	fmt.Fprintf(w, "\n%-8s %8s %8s %8s\n", "Latency", "p50", "p95", "p99")
	fmt.Fprintf(w, "%-8s %6.0fms %6.0fms %6.0fms\n", "Server", percentile(serverAll, 50), percentile(serverAll, 95), percentile(serverAll, 99))
	fmt.Fprintf(w, "%-8s %6.0fms %6.0fms %6.0fms\n", "Stop→done", percentile(roundAll, 50), percentile(roundAll, 95), percentile(roundAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	return data[max(0, min(idx, len(data)-1))]
}
