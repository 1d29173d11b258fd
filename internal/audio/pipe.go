package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeviceToken is replaced by the requested device selector in capture commands.
const DeviceToken = "{device}"

// PipeConfig configures external capture and playback processes. Both
// commands exchange raw mono PCM16LE on stdout and stdin.
type PipeConfig struct {
	CaptureCommand  []string
	PlaybackCommand []string
	// CaptureRate is the rate the capture command produces. Zero means SampleRate.
	CaptureRate int
	// SampleRate is the wire rate of frames handed to the frame callback and to Play.
	SampleRate    int
	FrameDuration time.Duration
}

// PipeAdapter implements Adapter with external processes such as ffmpeg and ffplay.
type PipeAdapter struct {
	cfg     PipeConfig
	logger  *zap.Logger
	speaker *pipeSpeaker
	queue   *PlaybackQueue
}

// NewPipeAdapter returns an adapter. The playback process starts on first use.
func NewPipeAdapter(cfg PipeConfig, logger *zap.Logger) *PipeAdapter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = cfg.SampleRate
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	speaker := &pipeSpeaker{argv: cfg.PlaybackCommand, logger: logger}
	return &PipeAdapter{
		cfg:     cfg,
		logger:  logger,
		speaker: speaker,
		queue:   NewPlaybackQueue(speaker, FrameBytes(cfg.SampleRate, cfg.FrameDuration), logger),
	}
}

// StartCapture launches the capture command for device.
func (a *PipeAdapter) StartCapture(ctx context.Context, device string, onFrame FrameFunc) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(a.cfg.CaptureCommand) == 0 {
		return nil, &DeviceAccessError{Device: device, Err: errors.New("no capture command configured")}
	}
	argv := expandDevice(a.cfg.CaptureCommand, device)
	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DeviceAccessError{Device: device, Err: err}
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, &DeviceAccessError{Device: device, Err: err}
	}

	var rs *Resampler
	if a.cfg.CaptureRate != a.cfg.SampleRate {
		rs, err = NewResampler(a.cfg.CaptureRate, a.cfg.SampleRate)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, fmt.Errorf("capture resampler: %w", err)
		}
	}

	c := &pipeCapture{cmd: cmd, done: make(chan struct{})}
	go c.pump(stdout, FrameBytes(a.cfg.CaptureRate, a.cfg.FrameDuration), rs, onFrame, a.logger)
	a.logger.Info("audio capture started", zap.String("device", device), zap.Int("sample_rate", a.cfg.CaptureRate))
	return c, nil
}

// Play queues a frame for playback.
func (a *PipeAdapter) Play(pcm []byte) {
	a.queue.Enqueue(pcm)
}

// ClearPlayback discards queued audio.
func (a *PipeAdapter) ClearPlayback() {
	if dropped := a.queue.Clear(); dropped > 0 {
		a.logger.Debug("playback cleared", zap.Int("frames", dropped))
	}
}

// Close stops playback and the playback process.
func (a *PipeAdapter) Close() error {
	a.queue.Close()
	return a.speaker.Close()
}

func expandDevice(argv []string, device string) []string {
	if device == "" {
		device = "default"
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, DeviceToken, device)
	}
	return out
}

type pipeCapture struct {
	cmd  *exec.Cmd
	once sync.Once
	done chan struct{}
}

func (c *pipeCapture) pump(r io.Reader, frameBytes int, rs *Resampler, onFrame FrameFunc, logger *zap.Logger) {
	defer close(c.done)
	defer rs.Close()
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Debug("audio capture ended", zap.Error(err))
			}
			return
		}
		frame := buf
		if rs != nil {
			out, err := rs.Process(buf)
			if err != nil {
				logger.Warn("capture resample failed", zap.Error(err))
				continue
			}
			frame = out
		}
		if len(frame) > 0 {
			onFrame(frame)
		}
	}
}

// Stop kills the capture process and waits for the reader to finish.
func (c *pipeCapture) Stop() error {
	c.once.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.done
		_ = c.cmd.Wait()
	})
	return nil
}

type pipeSpeaker struct {
	argv   []string
	logger *zap.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (s *pipeSpeaker) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.argv) == 0 {
		return len(p), nil
	}
	if s.stdin == nil {
		if err := s.startLocked(); err != nil {
			return 0, err
		}
	}
	n, err := s.stdin.Write(p)
	if err != nil {
		s.closeLocked()
	}
	return n, err
}

func (s *pipeSpeaker) startLocked() error {
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open playback stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.logger.Debug("playback process started", zap.String("command", s.argv[0]))
	return nil
}

func (s *pipeSpeaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *pipeSpeaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
}
