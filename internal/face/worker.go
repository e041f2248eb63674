package face

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// Frame layout spoken by encoder subprocesses:
//
//	request:  [uint32 length][image bytes]           written to stdin
//	response: [uint32 length][status byte][payload]  read from fd 3
//
// A status 0 payload is [uint32 faces] followed, per face, by
// [4 x float32 bbox][float32 det score][uint32 dim][dim x float32 embedding].
// Status 1 and 2 payloads are UTF-8 messages; 1 means the image was unreadable.
const (
	statusOK           byte = 0
	statusDecodeFailed byte = 1
	statusFailed       byte = 2

	maxFrameSize = 64 << 20
	maxEmbedDim  = 4096
	stderrTail   = 4096
)

var errWorkerClosed = errors.New("encoder worker is closed")

// tailBuffer keeps the last stderrTail bytes written by a subprocess.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTail {
		b.buf = b.buf[len(b.buf)-stderrTail:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf))
}

// WorkerProcess is a single encoder subprocess.
type WorkerProcess struct {
	ID       int
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cmd    *exec.Cmd
	stderr *tailBuffer
	mu     sync.Mutex
	closed bool

	broken    atomic.Bool
	abortOnce sync.Once
}

// StartWorkerProcess launches command with a side-channel pipe as fd 3 for responses,
// so anything the worker prints to stdout cannot corrupt the frame stream.
func StartWorkerProcess(id int, command string, args ...string) (*WorkerProcess, error) {
	cmd := exec.Command(command, args...)
	stderr := &tailBuffer{}
	cmd.Stderr = stderr

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end from here on.
	w.Close()

	return &WorkerProcess{
		ID:       id,
		Stdin:    stdin,
		DataPipe: r,
		cmd:      cmd,
		stderr:   stderr,
	}, nil
}

// Communicate sends one request frame and reads one response frame.
func (w *WorkerProcess) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errWorkerClosed
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.wrapPipeError("write request header", err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.wrapPipeError("write request body", err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.wrapPipeError("read response header", err)
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxFrameSize {
		return nil, fmt.Errorf("worker %d: invalid response length %d", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.wrapPipeError("read response body", err)
	}
	return respBody, nil
}

// wrapPipeError attaches whatever the worker printed to stderr, which usually explains a crash.
func (w *WorkerProcess) wrapPipeError(op string, err error) error {
	if w.stderr != nil {
		if tail := w.stderr.String(); tail != "" {
			return fmt.Errorf("worker %d: %s: %w (stderr: %s)", w.ID, op, err, tail)
		}
	}
	return fmt.Errorf("worker %d: %s: %w", w.ID, op, err)
}

// Encode sends data to the worker and parses the detected faces.
// A pipe or framing error, or ctx ending before the reply, kills the process:
// its stream can no longer be trusted to line up with requests.
func (w *WorkerProcess) Encode(ctx context.Context, data []byte) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.Communicate(data)
		done <- reply{body, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			w.abort()
			return nil, out.err
		}
		return parseWorkerResponse(out.body)
	case <-ctx.Done():
		w.abort()
		return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	}
}

// Broken reports whether the worker was killed and needs replacing.
func (w *WorkerProcess) Broken() bool {
	return w.broken.Load()
}

// abort kills the process and closes its pipes, unblocking a pending Communicate.
func (w *WorkerProcess) abort() {
	w.abortOnce.Do(func() {
		w.broken.Store(true)
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
		w.Stdin.Close()
		w.DataPipe.Close()
	})
}

// Close stops the worker and waits for it to exit.
func (w *WorkerProcess) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.Stdin.Close()
	w.DataPipe.Close()
	if w.cmd == nil {
		return nil
	}
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("worker %d exited: %w", w.ID, err)
	}
	return nil
}

func parseWorkerResponse(body []byte) ([]Face, error) {
	if len(body) == 0 {
		return nil, errors.New("empty worker response")
	}

	status, payload := body[0], body[1:]
	switch status {
	case statusOK:
	case statusDecodeFailed:
		return nil, NewDecodeError(string(payload), nil)
	case statusFailed:
		return nil, fmt.Errorf("worker failed: %s", payload)
	default:
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	r := bytes.NewReader(payload)
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}

	faces := make([]Face, 0, count)
	for i := range int(count) {
		var box [4]float32
		var score float32
		var dim uint32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("read bbox of face %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &score); err != nil {
			return nil, fmt.Errorf("read score of face %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
			return nil, fmt.Errorf("read dim of face %d: %w", i, err)
		}
		if dim == 0 || dim > maxEmbedDim {
			return nil, fmt.Errorf("face %d has invalid dimension %d", i, dim)
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("read embedding of face %d: %w", i, err)
		}
		for _, v := range vec {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("face %d embedding contains non-finite values", i)
			}
		}
		faces = append(faces, Face{
			Index:     i,
			Embedding: vec,
			BBox:      []float64{float64(box[0]), float64(box[1]), float64(box[2]), float64(box[3])},
			DetScore:  float64(score),
		})
	}
	return faces, nil
}

// SpawnFunc starts the worker that takes slot id.
type SpawnFunc func(id int) (*WorkerProcess, error)

// WorkerPool spreads Encode calls over a fixed set of worker processes.
// Broken workers are replaced through spawn before their slot is reused.
type WorkerPool struct {
	spawn SpawnFunc
	idle  chan *WorkerProcess

	mu      sync.Mutex
	workers []*WorkerProcess
}

// StartWorkerPool launches size workers running command.
func StartWorkerPool(size int, command string, args ...string) (*WorkerPool, error) {
	if size < 1 {
		size = 1
	}
	spawn := func(id int) (*WorkerProcess, error) {
		return StartWorkerProcess(id, command, args...)
	}
	workers := make([]*WorkerProcess, 0, size)
	for i := range size {
		w, err := spawn(i)
		if err != nil {
			for _, started := range workers {
				started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return NewWorkerPool(workers, spawn), nil
}

// NewWorkerPool wraps already running workers. spawn may be nil, in which case
// broken workers stay in their slot and fail every later request.
func NewWorkerPool(workers []*WorkerProcess, spawn SpawnFunc) *WorkerPool {
	idle := make(chan *WorkerProcess, len(workers))
	for _, w := range workers {
		idle <- w
	}
	return &WorkerPool{spawn: spawn, idle: idle, workers: workers}
}

// Encode waits for an idle worker and encodes data with it.
func (p *WorkerPool) Encode(ctx context.Context, data []byte) ([]Face, error) {
	var w *WorkerProcess
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for encoder worker: %w", ctx.Err())
	}
	// a failed earlier replacement is retried here
	if w.Broken() {
		w = p.replace(w)
	}
	defer func() {
		if w.Broken() {
			w = p.replace(w)
		}
		p.idle <- w
	}()

	return w.Encode(ctx, data)
}

// replace stops old and starts a worker for its slot. It returns old when no
// replacement could be started.
func (p *WorkerPool) replace(old *WorkerProcess) *WorkerProcess {
	_ = old.Close()
	if p.spawn == nil {
		return old
	}
	w, err := p.spawn(old.ID)
	if err != nil {
		return old
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.workers {
		if cur == old {
			p.workers[i] = w
		}
	}
	return w
}

// Close stops all workers.
func (p *WorkerPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, w := range p.workers {
		if w.Broken() {
			_ = w.Close()
			continue
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
