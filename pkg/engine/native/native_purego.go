//go:build darwin || linux

package native

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/thesyncim/turnx/pkg/engine"
)

// library holds the resolved entry points of one loaded libturnx_engine.
type library struct {
	path   string
	handle uintptr

	create     func(track, minKbps, maxKbps, startKbps, fifoDepth int32, ssrc uint32, deadlineMs int32) uint64
	setBitrate func(h uint64, kbps int32) int32
	push       func(h uint64, data uintptr, length int32) int32
	pop        func(h uint64, out uintptr, capacity int32) int32
	pending    func(h uint64) int32
	destroy    func(h uint64)
	lastError  func() uintptr
}

var (
	librariesMu sync.Mutex
	libraries   = map[string]*library{}
)

func open(opts engine.Options) (engine.Engine, error) {
	lib, err := loadLibrary(opts.LibraryPath)
	if err != nil {
		return nil, err
	}
	log := opts.Logger.With(zap.String("component", "native-engine"))
	log.Info("engine library loaded", zap.String("path", lib.path))
	return &Engine{lib: lib, log: log}, nil
}

// loadLibrary loads libturnx_engine. An explicit path is the only candidate
// tried; otherwise the standard search paths are walked in order.
func loadLibrary(explicit string) (*library, error) {
	librariesMu.Lock()
	defer librariesMu.Unlock()

	paths := []string{explicit}
	if explicit == "" {
		paths = libraryPaths()
	}

	var lastErr error
	for _, path := range paths {
		if lib, ok := libraries[path]; ok {
			return lib, nil
		}
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		lib := &library{path: path, handle: handle}
		if err := lib.bind(); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		libraries[path] = lib
		return lib, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: load %s: %v", engine.ErrUnavailable, libraryName(), lastErr)
	}
	return nil, fmt.Errorf("%w: %s not found", engine.ErrUnavailable, libraryName())
}

func (l *library) bind() error {
	symbols := []struct {
		fptr any
		name string
	}{
		{&l.create, "turnx_engine_create"},
		{&l.setBitrate, "turnx_engine_set_bitrate"},
		{&l.push, "turnx_engine_push"},
		{&l.pop, "turnx_engine_pop"},
		{&l.pending, "turnx_engine_pending"},
		{&l.destroy, "turnx_engine_destroy"},
		{&l.lastError, "turnx_engine_last_error"},
	}
	for _, s := range symbols {
		sym, err := purego.Dlsym(l.handle, s.name)
		if err != nil {
			return fmt.Errorf("missing symbol %s: %w", s.name, err)
		}
		purego.RegisterFunc(s.fptr, sym)
	}
	return nil
}

// errorString returns the library's last error message.
func (l *library) errorString() string {
	msg := goStringFromPtr(l.lastError())
	if msg == "" {
		return "unknown error"
	}
	return msg
}

func libraryName() string {
	if runtime.GOOS == "darwin" {
		return "libturnx_engine.dylib"
	}
	return "libturnx_engine.so"
}

func libraryPaths() []string {
	libName := libraryName()

	var paths []string
	if envPath := os.Getenv("TURNX_ENGINE_LIB"); envPath != "" {
		paths = append(paths, envPath)
	}
	if envPath := os.Getenv("TURNX_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "..", "build", libName),
			filepath.Join(wd, "..", "..", "build", libName),
		)
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

// goStringFromPtr converts a NUL-terminated C string to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := (*byte)(unsafe.Pointer(ptr))
	var length int
	for length < 1024 && *(*byte)(unsafe.Add(unsafe.Pointer(p), length)) != 0 {
		length++
	}
	return strings.Clone(unsafe.String(p, length))
}

// Engine is the native backend.
type Engine struct {
	lib *library
	log *zap.Logger
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

// CreatePipeline implements engine.Engine.
func (e *Engine) CreatePipeline(cfg engine.PipelineConfig) (engine.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	start := startBitrate(cfg)
	h := e.lib.create(
		int32(cfg.Track),
		int32(cfg.MinRate),
		int32(cfg.MaxRate),
		int32(start),
		int32(cfg.FIFODepth),
		cfg.SSRC,
		int32(FrameDeadline.Milliseconds()),
	)
	if h == 0 {
		return nil, fmt.Errorf("create %s pipeline: %s", cfg.Track, e.lib.errorString())
	}

	e.log.Debug("pipeline created",
		zap.Stringer("track", cfg.Track),
		zap.Int("start_kbps", start))
	return &Pipeline{
		lib:    e.lib,
		log:    e.log.With(zap.Stringer("track", cfg.Track)),
		handle: h,
		buf:    make([]byte, 64*1024),
	}, nil
}

// Pipeline is a handle to one pipeline inside the native library.
type Pipeline struct {
	lib    *library
	log    *zap.Logger
	handle uint64
	buf    []byte
}

// SetBitrate implements engine.Pipeline.
func (p *Pipeline) SetBitrate(kbps int) error {
	if p.handle == 0 {
		return engine.ErrClosed
	}
	if p.lib.setBitrate(p.handle, int32(kbps)) < 0 {
		return fmt.Errorf("%w: %d kbps: %s", engine.ErrBitrateRejected, kbps, p.lib.errorString())
	}
	return nil
}

// Push implements engine.Pipeline.
func (p *Pipeline) Push(frame []byte) error {
	if p.handle == 0 {
		return engine.ErrClosed
	}
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", engine.ErrInvalidFrame)
	}
	rc := p.lib.push(p.handle, uintptr(unsafe.Pointer(&frame[0])), int32(len(frame)))
	runtime.KeepAlive(frame)
	if rc < 0 {
		return errors.New("push: " + p.lib.errorString())
	}
	return nil
}

// Pop implements engine.Pipeline. When the next frame does not fit the
// library reports its size without dequeuing it, and the buffer is grown.
func (p *Pipeline) Pop() ([]byte, bool) {
	if p.handle == 0 {
		return nil, false
	}
	for {
		n := p.lib.pop(p.handle, uintptr(unsafe.Pointer(&p.buf[0])), int32(len(p.buf)))
		switch {
		case n < 0:
			p.log.Warn("pop failed", zap.String("error", p.lib.errorString()))
			return nil, false
		case n == 0:
			return nil, false
		case int(n) > len(p.buf):
			p.buf = make([]byte, n)
		default:
			out := make([]byte, n)
			copy(out, p.buf[:n])
			return out, true
		}
	}
}

// Pending implements engine.Pipeline.
func (p *Pipeline) Pending() int {
	if p.handle == 0 {
		return 0
	}
	return max(int(p.lib.pending(p.handle)), 0)
}

// Close implements engine.Pipeline.
func (p *Pipeline) Close() error {
	if p.handle == 0 {
		return nil
	}
	p.lib.destroy(p.handle)
	p.handle = 0
	return nil
}
