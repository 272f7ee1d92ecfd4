// Soak test runner for long-duration regulator testing.
//
// This tool drives a session through the request dispatcher with synthetic
// media, alternating between a congested and a drained downstream, and
// checks that the recommended bitrates stay inside their bands while memory
// stays bounded over extended periods (up to 24 hours or more).
//
// Usage:
//
//	go run ./cmd/soak -duration 24h
//	go run ./cmd/soak -duration 1h -engine loopback
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/pion/rtp"

	"github.com/thesyncim/turnx/pkg/abr"
	"github.com/thesyncim/turnx/pkg/engine"
	_ "github.com/thesyncim/turnx/pkg/engine/loopback"
	_ "github.com/thesyncim/turnx/pkg/engine/rtprelay"
	"github.com/thesyncim/turnx/pkg/runloop"
	"github.com/thesyncim/turnx/pkg/session"
	"github.com/thesyncim/turnx/pkg/wire"
)

const (
	frameSize             = 1200 // bytes
	framesPerTick         = 3
	phaseTicks            = 500 // ticks per congested or drained phase
	statusIntervalMinutes = 5
	soakIdent             = 1
)

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Duration         time.Duration
	TotalFrames      int
	TotalCycles      int
	FinalAudio       uint64
	FinalVideo       uint64
	PeakHeapMB       float64
	TotalGCCycles    uint32
	SuspiciousEvents int
	Status           string
}

func main() {
	duration := flag.Duration("duration", 24*time.Hour, "Test duration (e.g., 1h, 24h)")
	interval := flag.Duration("interval", 20*time.Millisecond, "Time between request bursts")
	engineName := flag.String("engine", "rtp", "Media engine backend (rtp or loopback)")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	fmt.Printf("turnx Soak Test Runner\n")
	fmt.Printf("======================\n")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Engine:   %s\n", *engineName)
	fmt.Printf("Pprof:    http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down gracefully...\n", sig)
		cancel()
	}()

	eng, err := engine.Open(*engineName, engine.Options{})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	result := runSoakTest(ctx, eng, *duration, *interval)
	printSummary(result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

// soakDriver plays the host against an in-process dispatcher.
type soakDriver struct {
	dispatcher *runloop.Dispatcher
	rtpFrames  bool
	seq        uint16
	timestamp  uint32
	payload    []byte
}

func (d *soakDriver) call(req wire.Message) (wire.Message, error) {
	reply, _, err := d.dispatcher.Dispatch(req)
	if err != nil {
		return wire.Message{}, err
	}
	if reply.Command == wire.CmdError {
		return reply, fmt.Errorf("%s: %s", req.Command, reply.Frame(1))
	}
	return reply, nil
}

// frame returns one synthetic video frame.
func (d *soakDriver) frame() ([]byte, error) {
	if !d.rtpFrames {
		return d.payload, nil
	}
	d.seq++
	d.timestamp += 3000
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: d.seq,
			Timestamp:      d.timestamp,
			SSRC:           0x12345678,
			Marker:         true,
		},
		Payload: d.payload,
	}
	return pkt.Marshal()
}

// bitrates decodes the audio and video kbps of an observe reply.
func bitrates(reply wire.Message) (audio, video uint64, err error) {
	if audio, err = wire.ParseUint64(reply.Frame(0)); err != nil {
		return 0, 0, fmt.Errorf("audio bitrate: %w", err)
	}
	if video, err = wire.ParseUint64(reply.Frame(1)); err != nil {
		return 0, 0, fmt.Errorf("video bitrate: %w", err)
	}
	return audio, video, nil
}

func runSoakTest(ctx context.Context, eng engine.Engine, duration, interval time.Duration) SoakResult {
	tuning := abr.DefaultTuning()
	sessions := session.NewRegistry(eng, &tuning, nil)
	defer sessions.HaltAll()

	d := &soakDriver{
		dispatcher: runloop.NewDispatcher(sessions, nil),
		rtpFrames:  eng.Name() == "rtp",
		payload:    make([]byte, frameSize),
	}

	result := SoakResult{Status: "PASS"}
	fail := func(elapsed time.Duration, format string, args ...any) {
		fmt.Printf("[%s] ERROR: %s\n", formatDuration(elapsed), fmt.Sprintf(format, args...))
		result.SuspiciousEvents++
		result.Status = "FAIL"
	}

	if _, err := d.call(wire.Message{Command: wire.CmdSessionCreate, Ident: soakIdent}); err != nil {
		fail(0, "create session: %v", err)
		return result
	}

	var memStats runtime.MemStats
	startTime := time.Now()
	lastStatusTime := startTime
	statusInterval := time.Duration(statusIntervalMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fmt.Printf("[%s] Starting soak test...\n", formatDuration(time.Duration(0)))

	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(startTime)
			return result

		case now := <-ticker.C:
			elapsed := now.Sub(startTime)
			if elapsed >= duration {
				result.Duration = elapsed
				return result
			}

			frames := make([][]byte, framesPerTick)
			for i := range frames {
				frame, err := d.frame()
				if err != nil {
					fail(elapsed, "build frame: %v", err)
					return result
				}
				frames[i] = frame
			}
			if _, err := d.call(wire.Message{Command: wire.CmdVideoSend, Ident: soakIdent, Frames: frames}); err != nil {
				fail(elapsed, "send: %v", err)
				return result
			}
			result.TotalFrames += len(frames)

			// Drained phases deliver everything; congested phases deliver
			// one frame per tick so the backlog grows.
			limit := uint64(1)
			if (tick/phaseTicks)%2 == 1 {
				limit = uint64(framesPerTick * 2)
			}
			if _, err := d.call(wire.Message{Command: wire.CmdVideoReceive, Ident: soakIdent, Frames: [][]byte{wire.Uint64(limit)}}); err != nil {
				fail(elapsed, "receive: %v", err)
				return result
			}

			reply, err := d.call(wire.Message{Command: wire.CmdQualityObserve, Ident: soakIdent})
			if err != nil {
				fail(elapsed, "observe: %v", err)
				return result
			}
			result.TotalCycles += 3

			audio, video, err := bitrates(reply)
			if err != nil {
				fail(elapsed, "observe reply: %v", err)
				return result
			}
			result.FinalAudio, result.FinalVideo = audio, video
			if !tuning.AudioBand.Contains(int(audio)) {
				fail(elapsed, "audio bitrate %d outside %s", audio, tuning.AudioBand)
			}
			if !tuning.VideoBand.Contains(int(video)) {
				fail(elapsed, "video bitrate %d outside %s", video, tuning.VideoBand)
			}

			if now.Sub(lastStatusTime) >= statusInterval {
				lastStatusTime = now
				runtime.ReadMemStats(&memStats)

				heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
				if heapMB > result.PeakHeapMB {
					result.PeakHeapMB = heapMB
				}
				result.TotalGCCycles = memStats.NumGC

				fmt.Printf("[%s] Frames: %d, Audio: %d kbps, Video: %d kbps, HeapAlloc: %.2f MB, NumGC: %d\n",
					formatDuration(elapsed),
					result.TotalFrames,
					audio,
					video,
					heapMB,
					memStats.NumGC)

				if heapMB > 100 {
					fail(elapsed, "memory limit exceeded: %.2f MB", heapMB)
				}
			}
		}
	}
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Duration:          %v\n", result.Duration.Round(time.Second))
	fmt.Printf("Total frames:      %d\n", result.TotalFrames)
	fmt.Printf("Total cycles:      %d\n", result.TotalCycles)
	fmt.Printf("Final audio:       %d kbps\n", result.FinalAudio)
	fmt.Printf("Final video:       %d kbps\n", result.FinalVideo)
	fmt.Printf("Peak HeapAlloc:    %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("Total GC cycles:   %d\n", result.TotalGCCycles)
	fmt.Printf("Suspicious events: %d\n", result.SuspiciousEvents)
	fmt.Printf("Status:            %s\n", result.Status)
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - No panics:              %s\n", checkMark(true))
	fmt.Printf("  - Bitrates within band:   %s\n", checkMark(result.SuspiciousEvents == 0))
	fmt.Printf("  - Peak memory < 100 MB:   %s\n", checkMark(result.PeakHeapMB < 100))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
