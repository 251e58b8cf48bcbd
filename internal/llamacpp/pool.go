package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"medlens/internal/device"
	"medlens/internal/vlm"
)

// launch describes what to run for one artifact directory.
type launch struct {
	weights string
	mmproj  string
	opts    vlm.LoadOptions
}

type procInfo struct {
	cmd     *exec.Cmd
	baseURL string
	ready   bool
	pid     int
	done    chan struct{} // closed when the process exits
	waitErr error         // valid after done is closed
}

// serverPool spawns one llama-server per artifact directory and keeps it
// running until stopped.
type serverPool struct {
	opts       Options
	log        zerolog.Logger
	httpClient *http.Client

	spawnMu sync.Mutex // serializes process creation

	mu       sync.Mutex
	procs    map[string]*procInfo // key: artifact dir
	launches map[string]launch
}

func newServerPool(opts Options, log zerolog.Logger) *serverPool {
	// Timeout=0: every call carries a context deadline instead.
	return &serverPool{
		opts:       opts,
		log:        log,
		httpClient: &http.Client{Timeout: 0},
		procs:      make(map[string]*procInfo),
		launches:   make(map[string]launch),
	}
}

// register records what to run for dir. A running process started with a
// different launch is stopped so the next ensure restarts it.
func (p *serverPool) register(dir string, s launch) {
	p.mu.Lock()
	old, had := p.launches[dir]
	p.launches[dir] = s
	p.mu.Unlock()
	if had && old != s {
		_ = p.stop(dir)
	}
}

// isHealthy lists models through the OpenAI-compatible endpoint.
func (p *serverPool) isHealthy(ctx context.Context, baseURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL + "/v1"
	cfg.HTTPClient = p.httpClient
	_, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
	return err == nil
}

func (p *serverPool) args(s launch, host string, port int) []string {
	args := []string{
		"-m", s.weights,
		"--host", host,
		"--port", fmt.Sprint(port),
	}
	if s.mmproj != "" {
		args = append(args, "--mmproj", s.mmproj)
	}
	ngl := 0
	if s.opts.Device.IsAccelerator() {
		ngl = 999
	}
	args = append(args, "-ngl", fmt.Sprint(ngl))
	kv := "f32"
	if s.opts.Precision == device.FP16 {
		kv = "f16"
	}
	args = append(args, "--cache-type-k", kv, "--cache-type-v", kv)
	if p.opts.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(p.opts.CtxSize))
	}
	if p.opts.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(p.opts.Threads))
	}
	return append(args, p.opts.ExtraArgs...)
}

// ensure starts (or returns the existing) server for dir and waits for
// readiness. A start in progress is not tied to ctx: a caller that gives up
// leaves the server coming up for the next one.
func (p *serverPool) ensure(ctx context.Context, dir string) (string, error) {
	p.mu.Lock()
	if pi := p.procs[dir]; pi != nil && pi.ready {
		base := pi.baseURL
		p.mu.Unlock()
		if p.isHealthy(ctx, base, time.Second) {
			return base, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.log.Warn().Str("dir", dir).Str("url", base).Msg("llama-server unhealthy, restarting")
		_ = p.stop(dir)
		p.mu.Lock()
	}
	s, ok := p.launches[dir]
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no model weights registered for %s", dir)
	}

	type started struct {
		base string
		err  error
	}
	ch := make(chan started, 1)
	go func() {
		base, err := p.spawn(dir, s)
		ch <- started{base, err}
	}()
	select {
	case r := <-ch:
		return r.base, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// spawn starts the server for dir unless another caller already did, and
// waits until it answers or the ready timeout passes.
func (p *serverPool) spawn(dir string, s launch) (string, error) {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()
	// another caller may have finished spawning while we waited
	p.mu.Lock()
	if pi := p.procs[dir]; pi != nil && pi.ready {
		base := pi.baseURL
		p.mu.Unlock()
		return base, nil
	}
	p.mu.Unlock()

	host := strings.TrimSpace(p.opts.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	var port int
	var err error
	if p.opts.PortStart > 0 && p.opts.PortEnd >= p.opts.PortStart {
		port, err = pickPortInRange(host, p.opts.PortStart, p.opts.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return "", err
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	cmd := exec.Command(p.opts.bin(), p.args(s, host, port)...)
	// stderr tail is included when the process dies before readiness
	stderr := newTailBuffer(stderrTail)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	p.log.Info().Str("dir", dir).Int("pid", pid).Int("port", port).Str("device", string(s.opts.Device)).Msg("llama-server started")

	pi := &procInfo{cmd: cmd, baseURL: baseURL, pid: pid, done: make(chan struct{})}
	p.mu.Lock()
	p.procs[dir] = pi
	p.mu.Unlock()

	go func() {
		pi.waitErr = cmd.Wait()
		close(pi.done)
	}()

	deadline := time.Now().Add(p.opts.readyTimeout())
	for {
		if time.Now().After(deadline) {
			p.forget(dir)
			_ = cmd.Process.Kill()
			return "", fmt.Errorf("llama-server not ready in time: %s", baseURL)
		}
		select {
		case <-pi.done:
			p.forget(dir)
			if pi.waitErr != nil {
				return "", fmt.Errorf("llama-server exited early: %v; stderr tail: %s", pi.waitErr, stderr.String())
			}
			return "", fmt.Errorf("llama-server exited before ready: %s", baseURL)
		default:
		}
		if p.isHealthy(context.Background(), baseURL, time.Second) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	p.mu.Lock()
	pi.ready = true
	p.mu.Unlock()
	p.log.Info().Str("dir", dir).Int("pid", pid).Str("url", baseURL).Msg("llama-server ready")
	return baseURL, nil
}

// stderrTail is how much llama-server stderr is kept for error reports.
const stderrTail = 4096

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer { return &tailBuffer{max: max} }

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(b)
	if n >= t.max {
		t.buf = append(t.buf[:0], b[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func (p *serverPool) forget(dir string) {
	p.mu.Lock()
	delete(p.procs, dir)
	p.mu.Unlock()
}

// stop terminates the server for dir, if any: SIGTERM, then kill after 2s.
func (p *serverPool) stop(dir string) error {
	p.mu.Lock()
	pi := p.procs[dir]
	delete(p.procs, dir)
	p.mu.Unlock()
	if pi == nil || pi.cmd == nil || pi.cmd.Process == nil {
		return nil
	}
	_ = pi.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-pi.done:
	case <-time.After(2 * time.Second):
		_ = pi.cmd.Process.Kill()
		<-pi.done
	}
	p.log.Info().Str("dir", dir).Int("pid", pi.pid).Msg("llama-server stopped")
	return nil
}

// stopAll terminates every managed server. Best effort.
func (p *serverPool) stopAll() {
	p.mu.Lock()
	dirs := make([]string, 0, len(p.procs))
	for d := range p.procs {
		dirs = append(dirs, d)
	}
	p.mu.Unlock()
	for _, d := range dirs {
		_ = p.stop(d)
	}
}

// info returns the pid and base URL of the server for dir.
func (p *serverPool) info(dir string) (pid int, baseURL string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pi := p.procs[dir]; pi != nil {
		return pi.pid, pi.baseURL, true
	}
	return 0, "", false
}

func pickPortInRange(host string, start, end int) (int, error) {
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.New("unexpected listener address")
	}
	return addr.Port, nil
}
