// Package virtualinput maintains the FFmpeg pipeline that feeds the
// virtual camera (v4l2 loopback) and the virtual microphone (PulseAudio
// sink). At most one pipeline is alive at a time.
package virtualinput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentdesk/workstation/lib/logger"
	"github.com/agentdesk/workstation/lib/scaletozero"
)

const (
	defaultWidth     = 1280
	defaultHeight    = 720
	defaultFrameRate = 30

	stateIdle    = "idle"
	stateRunning = "running"
	statePaused  = "paused"

	// A child that dies within this window after spawn is treated as a
	// failed start rather than a runtime exit.
	spawnSurvival = 300 * time.Millisecond

	termWait = 5 * time.Second
)

var (
	ErrMissingSources    = errors.New("either video or audio source must be provided")
	ErrVideoURLRequired  = errors.New("video URL must be provided when video source is set")
	ErrAudioURLRequired  = errors.New("audio URL must be provided when audio source is set")
	ErrVideoTypeRequired = errors.New("video source type is required")
	ErrAudioTypeRequired = errors.New("audio source type is required")
	ErrUnsupportedVideo  = errors.New("unsupported video format for realtime ingest")
	ErrUnsupportedAudio  = errors.New("unsupported audio format for realtime ingest")

	ErrPauseWithoutSession = errors.New("no active virtual input session to pause")
	ErrNoConfigToResume    = errors.New("no virtual input configuration to resume")
)

// SourceType enumerates supported input kinds.
type SourceType string

const (
	SourceTypeStream SourceType = "stream"
	SourceTypeFile   SourceType = "file"
	SourceTypeSocket SourceType = "socket"
	SourceTypeWebRTC SourceType = "webrtc"
)

// MediaSource is one audio or video input definition.
type MediaSource struct {
	Type SourceType
	URL  string
	// Loop replays the input forever. File sources only.
	Loop bool
	// Format hints the container for socket and WebRTC feeds
	// (mpegts/mp3 for sockets, ivf/ogg for WebRTC).
	Format string
}

// Config describes the desired pipeline.
type Config struct {
	Video     *MediaSource
	Audio     *MediaSource
	Width     int
	Height    int
	FrameRate int
}

// Status is a snapshot of the session.
type Status struct {
	State            string
	VideoDevice      string
	AudioSink        string
	MicrophoneSource string
	Video            *MediaSource
	Audio            *MediaSource
	Width            int
	Height           int
	FrameRate        int
	StartedAt        *time.Time
	LastError        string
	Ingest           *IngestStatus
}

// IngestEndpoint tells callers where to push realtime media.
type IngestEndpoint struct {
	Protocol string
	Format   string
	Path     string
}

// IngestStatus surfaces the active ingest endpoints, when any.
type IngestStatus struct {
	Video *IngestEndpoint
	Audio *IngestEndpoint
}

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	FFmpegPath       string
	VideoDevice      string
	AudioSink        string
	MicrophoneSource string
	PipesDir         string
	Width            int
	Height           int
	FrameRate        int
}

// Manager owns the FFmpeg child and the session state machine.
type Manager struct {
	mu sync.Mutex

	ffmpegPath       string
	videoDevice      string
	audioSink        string
	microphoneSource string
	pipesDir         string

	defaultWidth     int
	defaultHeight    int
	defaultFrameRate int

	cmd            *exec.Cmd
	exited         chan struct{}
	processGroupID int
	lastError      string
	lastCfg        *Config
	state          string
	startedAt      *time.Time
	videoPipe      string
	audioPipe      string
	ingest         *IngestStatus
	videoKeepalive *os.File
	audioKeepalive *os.File

	ctrl          scaletozero.Controller
	stz           *scaletozero.Oncer
	scaleDisabled bool
	command       func(name string, arg ...string) *exec.Cmd
}

// NewManager builds a Manager. Each pipeline start wraps the controller
// in a fresh one-shot guard so enable/disable cannot double-fire across
// the explicit-stop and child-exit paths.
func NewManager(opts Options, ctrl scaletozero.Controller) *Manager {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.VideoDevice == "" {
		opts.VideoDevice = "/dev/video20"
	}
	if opts.AudioSink == "" {
		opts.AudioSink = "virtmic_sink"
	}
	if opts.MicrophoneSource == "" {
		opts.MicrophoneSource = "virtmic"
	}
	if opts.PipesDir == "" {
		opts.PipesDir = "/tmp/virtual-inputs"
	}
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = defaultHeight
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	if ctrl == nil {
		ctrl = scaletozero.NewNoopController()
	}

	return &Manager{
		ffmpegPath:       opts.FFmpegPath,
		videoDevice:      opts.VideoDevice,
		audioSink:        opts.AudioSink,
		microphoneSource: opts.MicrophoneSource,
		pipesDir:         opts.PipesDir,
		defaultWidth:     opts.Width,
		defaultHeight:    opts.Height,
		defaultFrameRate: opts.FrameRate,
		state:            stateIdle,
		ctrl:             ctrl,
		stz:              scaletozero.NewOncer(ctrl),
		command:          exec.Command,
	}
}

// Configure starts (or restarts) the pipeline with the provided sources.
// When startPaused is true, black frames and silence are fed instead of
// the real inputs.
func (m *Manager) Configure(ctx context.Context, cfg Config, startPaused bool) (Status, error) {
	log := logger.FromContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	normalized, err := m.normalizeConfig(cfg)
	if err != nil {
		return m.statusLocked(), err
	}

	if err := m.stopLocked(ctx); err != nil {
		return m.statusLocked(), err
	}

	if normalized.Video != nil {
		if err := m.ensureVideoDevice(ctx); err != nil {
			return m.statusLocked(), err
		}
	}
	if err := m.ensurePulseDevices(ctx); err != nil {
		return m.statusLocked(), err
	}
	m.setDefaultPulseDevices(ctx)

	m.killAllFFmpeg()

	m.ingest = buildIngestStatus(normalized)
	m.videoPipe = ""
	m.audioPipe = ""
	if needsVideoPipe(normalized) {
		if err := preparePipe(normalized.Video.URL); err != nil {
			return m.statusLocked(), err
		}
		m.videoPipe = normalized.Video.URL
	}
	if needsAudioPipe(normalized) {
		if err := preparePipe(normalized.Audio.URL); err != nil {
			return m.statusLocked(), err
		}
		m.audioPipe = normalized.Audio.URL
	}

	args, err := m.buildFFmpegArgs(normalized, startPaused)
	if err != nil {
		return m.statusLocked(), err
	}

	// Keepalives must be open before FFmpeg touches the FIFOs, otherwise
	// its open can block waiting for a peer.
	m.openPipeKeepalivesLocked(ctx, normalized, startPaused)

	if err := m.startFFmpegLocked(ctx, args); err != nil {
		m.closePipeKeepalivesLocked()
		return m.statusLocked(), err
	}

	m.lastCfg = &normalized
	if startPaused {
		m.state = statePaused
	} else {
		m.state = stateRunning
	}
	now := time.Now()
	m.startedAt = &now
	m.lastError = ""

	log.Info("virtual inputs started", "state", m.state,
		"video_device", m.videoDevice, "audio_sink", m.audioSink)
	return m.statusLocked(), nil
}

// Pause swaps the live inputs for black frames and silence while the
// devices keep producing valid data.
func (m *Manager) Pause(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCfg == nil {
		return m.statusLocked(), ErrPauseWithoutSession
	}
	if m.state == statePaused {
		return m.statusLocked(), nil
	}
	return m.restartLocked(ctx, true)
}

// Resume restarts the last configuration with live inputs.
func (m *Manager) Resume(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastCfg == nil {
		return m.statusLocked(), ErrNoConfigToResume
	}
	if m.state == stateRunning {
		return m.statusLocked(), nil
	}
	return m.restartLocked(ctx, false)
}

func (m *Manager) restartLocked(ctx context.Context, paused bool) (Status, error) {
	if err := m.stopLocked(ctx); err != nil {
		return m.statusLocked(), err
	}
	m.killAllFFmpeg()
	m.setDefaultPulseDevices(ctx)

	args, err := m.buildFFmpegArgs(*m.lastCfg, paused)
	if err != nil {
		return m.statusLocked(), err
	}
	m.openPipeKeepalivesLocked(ctx, *m.lastCfg, paused)
	if err := m.startFFmpegLocked(ctx, args); err != nil {
		m.closePipeKeepalivesLocked()
		return m.statusLocked(), err
	}

	now := time.Now()
	m.startedAt = &now
	if paused {
		m.state = statePaused
	} else {
		m.state = stateRunning
	}
	m.lastError = ""
	return m.statusLocked(), nil
}

// Stop terminates any running pipeline and clears the session. Stopping
// an idle manager is a no-op.
func (m *Manager) Stop(ctx context.Context) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.stopLocked(ctx); err != nil {
		return m.statusLocked(), err
	}
	if err := m.ensureNoFFmpeg(); err != nil {
		m.lastError = err.Error()
		return m.statusLocked(), err
	}
	m.state = stateIdle
	m.startedAt = nil
	m.lastError = ""
	m.lastCfg = nil
	m.videoPipe = ""
	m.audioPipe = ""
	m.ingest = nil
	return m.statusLocked(), nil
}

// Status returns the current snapshot.
func (m *Manager) Status(_ context.Context) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	status := Status{
		State:            m.state,
		VideoDevice:      m.videoDevice,
		AudioSink:        m.audioSink,
		MicrophoneSource: m.microphoneSource,
		LastError:        m.lastError,
		Width:            m.defaultWidth,
		Height:           m.defaultHeight,
		FrameRate:        m.defaultFrameRate,
		StartedAt:        m.startedAt,
		Ingest:           m.ingest,
	}
	if m.lastCfg != nil {
		status.Width = m.lastCfg.Width
		status.Height = m.lastCfg.Height
		status.FrameRate = m.lastCfg.FrameRate
		status.Video = cloneSource(m.lastCfg.Video)
		status.Audio = cloneSource(m.lastCfg.Audio)
	}
	return status
}

func (m *Manager) normalizeConfig(cfg Config) (Config, error) {
	if cfg.Video == nil && cfg.Audio == nil {
		return Config{}, ErrMissingSources
	}

	if cfg.Video != nil {
		cfg.Video.Type = normalizeSourceType(cfg.Video.Type)
		if cfg.Video.Type == "" {
			return Config{}, ErrVideoTypeRequired
		}
		if cfg.Video.URL == "" && cfg.Video.Type != SourceTypeSocket && cfg.Video.Type != SourceTypeWebRTC {
			return Config{}, ErrVideoURLRequired
		}
	}
	if cfg.Audio != nil {
		cfg.Audio.Type = normalizeSourceType(cfg.Audio.Type)
		if cfg.Audio.Type == "" {
			return Config{}, ErrAudioTypeRequired
		}
		if cfg.Audio.URL == "" && cfg.Audio.Type != SourceTypeSocket && cfg.Audio.Type != SourceTypeWebRTC {
			return Config{}, ErrAudioURLRequired
		}
	}

	out := cfg
	out.Video = m.normalizeSource(cfg.Video, true)
	out.Audio = m.normalizeSource(cfg.Audio, false)
	if err := validateRealtimeFormat(out.Video, true); err != nil {
		return Config{}, err
	}
	if err := validateRealtimeFormat(out.Audio, false); err != nil {
		return Config{}, err
	}
	if out.Width <= 0 {
		out.Width = m.defaultWidth
	}
	if out.Height <= 0 {
		out.Height = m.defaultHeight
	}
	if out.FrameRate <= 0 {
		out.FrameRate = m.defaultFrameRate
	}
	return out, nil
}

func (m *Manager) normalizeSource(src *MediaSource, isVideo bool) *MediaSource {
	if src == nil {
		return nil
	}
	out := *src
	if out.Type != SourceTypeSocket && out.Type != SourceTypeWebRTC {
		return &out
	}
	if out.URL == "" {
		if isVideo {
			out.URL = filepath.Join(m.pipesDir, "video.pipe")
		} else {
			out.URL = filepath.Join(m.pipesDir, "audio.pipe")
		}
	}
	if out.Format == "" {
		switch {
		case out.Type == SourceTypeSocket && isVideo:
			out.Format = "mpegts"
		case out.Type == SourceTypeSocket:
			out.Format = "mp3"
		case isVideo:
			out.Format = "ivf"
		default:
			out.Format = "ogg"
		}
	}
	return &out
}

func (m *Manager) stopLocked(ctx context.Context) error {
	m.closePipeKeepalivesLocked()
	if m.cmd == nil {
		if m.processGroupID > 0 {
			m.killAllFFmpeg()
			if !processGroupAlive(m.processGroupID) {
				m.processGroupID = 0
			}
		}
		return nil
	}
	defer m.enableScaleToZero(ctx)

	pid := m.cmd.Process.Pid
	if !processAlive(pid) {
		m.cmd = nil
		m.exited = nil
		m.state = stateIdle
		if !processGroupAlive(m.processGroupID) {
			m.processGroupID = 0
		}
		return nil
	}

	pgid, _ := syscall.Getpgid(pid)
	if pgid > 0 {
		m.processGroupID = pgid
	}
	killGroupOrPID(pgid, pid, syscall.SIGTERM)

	waitDone := make(chan struct{})
	go func() {
		if m.exited != nil {
			<-m.exited
		}
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(termWait):
		killGroupOrPID(pgid, pid, syscall.SIGKILL)
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
		}
	}

	if processAlive(pid) || processGroupAlive(m.processGroupID) {
		m.killAllFFmpeg()
	}

	m.cmd = nil
	m.exited = nil
	m.state = stateIdle
	if !processGroupAlive(m.processGroupID) {
		m.processGroupID = 0
	}
	return nil
}

func processAlive(pid int) bool {
	return pid > 0 && syscall.Kill(pid, 0) == nil
}

func processGroupAlive(pgid int) bool {
	return pgid > 0 && syscall.Kill(-pgid, 0) == nil
}

func killGroupOrPID(pgid, pid int, sig syscall.Signal) {
	if pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	if pid > 0 {
		_ = syscall.Kill(pid, sig)
	}
}

func (m *Manager) killAllFFmpeg() {
	if m.processGroupID > 0 {
		killGroupOrPID(m.processGroupID, 0, syscall.SIGTERM)
	}
	m.killOwnedFFmpegProcesses()
	time.Sleep(150 * time.Millisecond)
	if m.processGroupID > 0 {
		killGroupOrPID(m.processGroupID, 0, syscall.SIGKILL)
	}
	m.killOwnedFFmpegProcesses()
}

func (m *Manager) ensureNoFFmpeg() error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.killAllFFmpeg()
		if !m.ownedFFmpegRunning() {
			m.processGroupID = 0
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("virtual input ffmpeg processes still running after stop")
		}
		time.Sleep(150 * time.Millisecond)
	}
}

func (m *Manager) ownedFFmpegRunning() bool {
	if processGroupAlive(m.processGroupID) {
		return true
	}
	procs, err := m.ownedFFmpegProcesses()
	return err == nil && len(procs) > 0
}

type ffmpegProcess struct {
	pid     int
	cmdline string
}

// ownedFFmpegProcesses lists ffmpeg processes whose command line touches
// one of our devices or pipes. Other ffmpeg instances on the host are
// left alone.
func (m *Manager) ownedFFmpegProcesses() ([]ffmpegProcess, error) {
	cmd := m.command("pgrep", "-a", "ffmpeg")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var out []ffmpegProcess
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 2)
		pid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		cmdline := ""
		if len(parts) > 1 {
			cmdline = parts[1]
		}
		if m.isOwnedFFmpegCommand(cmdline) {
			out = append(out, ffmpegProcess{pid: pid, cmdline: cmdline})
		}
	}
	return out, nil
}

func (m *Manager) killOwnedFFmpegProcesses() {
	procs, err := m.ownedFFmpegProcesses()
	if err != nil || len(procs) == 0 {
		return
	}
	for _, proc := range procs {
		pgid, _ := syscall.Getpgid(proc.pid)
		killGroupOrPID(pgid, proc.pid, syscall.SIGTERM)
	}
	time.Sleep(100 * time.Millisecond)
	for _, proc := range procs {
		pgid, _ := syscall.Getpgid(proc.pid)
		killGroupOrPID(pgid, proc.pid, syscall.SIGKILL)
	}
}

func (m *Manager) isOwnedFFmpegCommand(cmdline string) bool {
	for _, marker := range []string{m.videoDevice, m.audioSink, m.microphoneSource, m.pipesDir} {
		if marker != "" && strings.Contains(cmdline, marker) {
			return true
		}
	}
	return false
}

// ensureVideoDevice loads v4l2loopback when the device node is missing
// and waits for it to appear.
func (m *Manager) ensureVideoDevice(ctx context.Context) error {
	if _, err := os.Stat(m.videoDevice); err == nil {
		return nil
	}

	videoNr, err := parseVideoNumber(m.videoDevice)
	if err != nil {
		return fmt.Errorf("invalid video device path: %w", err)
	}

	args := []string{
		"v4l2loopback",
		fmt.Sprintf("video_nr=%d", videoNr),
		"card_label=Virtual Camera",
		"exclusive_caps=1",
	}
	cmd := m.command("modprobe", args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to load v4l2loopback: %w: %s", err, strings.TrimSpace(buf.String()))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for {
		if _, err := os.Stat(m.videoDevice); err == nil {
			_ = os.Chmod(m.videoDevice, 0o666)
			return nil
		}
		select {
		case <-waitCtx.Done():
			return errors.New("v4l2loopback device did not appear after modprobe")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (m *Manager) ensurePulseDevices(_ context.Context) error {
	pulseEnv := append(os.Environ(), fmt.Sprintf("PULSE_SERVER=%s", os.Getenv("PULSE_SERVER")))

	check := func(kind, name string) error {
		listCmd := m.command("pactl", "list", "short", kind)
		listCmd.Env = pulseEnv
		out, err := listCmd.Output()
		if err != nil {
			return fmt.Errorf("failed to query pulseaudio %s: %w", kind, err)
		}
		if !strings.Contains(string(out), name) {
			return fmt.Errorf("pulseaudio %s %s not found", strings.TrimSuffix(kind, "s"), name)
		}
		return nil
	}

	if err := check("sinks", m.audioSink); err != nil {
		return err
	}
	return check("sources", m.microphoneSource)
}

func (m *Manager) setDefaultPulseDevices(ctx context.Context) {
	if m.microphoneSource == "" {
		return
	}
	pulseEnv := append(os.Environ(), fmt.Sprintf("PULSE_SERVER=%s", os.Getenv("PULSE_SERVER")))
	cmd := m.command("pactl", "set-default-source", m.microphoneSource)
	cmd.Env = pulseEnv
	if err := cmd.Run(); err != nil {
		logger.FromContext(ctx).Warn("failed to set default pulseaudio source",
			"err", err, "source", m.microphoneSource)
	}
}

func (m *Manager) buildFFmpegArgs(cfg Config, paused bool) ([]string, error) {
	var (
		args     []string
		videoIdx = -1
		audioIdx = -1
	)
	args = append(args, "-hide_banner", "-loglevel", "warning", "-nostdin", "-fflags", "+genpts", "-threads", "2", "-y")

	// Build inputs and track their indexes for the -map selectors.
	if paused {
		if cfg.Video != nil {
			videoIdx = 0
			args = append(args,
				"-f", "lavfi", "-re", "-i",
				fmt.Sprintf("color=size=%dx%d:rate=%d:color=black", cfg.Width, cfg.Height, cfg.FrameRate),
			)
		}
		if cfg.Audio != nil {
			audioIdx = videoIdx + 1
			args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
		}
	} else {
		if cfg.Video != nil {
			videoIdx = 0
			args = append(args, buildInputArgs(cfg.Video)...)
		}
		if cfg.Audio != nil {
			if sourcesShared(cfg) {
				audioIdx = videoIdx
			} else {
				audioIdx = videoIdx + 1
				args = append(args, buildInputArgs(cfg.Audio)...)
			}
		}
	}

	if cfg.Video != nil && videoIdx == -1 {
		return nil, errors.New("video mapping requested without input")
	}
	if cfg.Audio != nil && audioIdx == -1 {
		return nil, errors.New("audio mapping requested without input")
	}

	if cfg.Video != nil {
		args = append(args,
			"-map", fmt.Sprintf("%d:v:0", videoIdx),
			"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
				cfg.Width, cfg.Height, cfg.Width, cfg.Height),
			"-pix_fmt", "yuv420p",
			"-r", strconv.Itoa(cfg.FrameRate),
			"-f", "v4l2",
			m.videoDevice,
		)
	}

	if cfg.Audio != nil {
		args = append(args,
			"-map", fmt.Sprintf("%d:a:0", audioIdx),
			"-ac", "2",
			"-ar", "48000",
			"-f", "pulse",
			m.audioSink,
		)
	}

	return args, nil
}

func buildInputArgs(src *MediaSource) []string {
	var parts []string
	if src == nil {
		return parts
	}
	if src.Type == SourceTypeStream {
		parts = append(parts, "-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "2")
	}
	parts = append(parts, "-thread_queue_size", "64")
	if src.Type == SourceTypeFile {
		parts = append(parts, "-re")
		if src.Loop {
			parts = append(parts, "-stream_loop", "-1")
		}
	}
	if (src.Type == SourceTypeSocket || src.Type == SourceTypeWebRTC) && src.Format != "" {
		parts = append(parts, "-f", src.Format)
	}
	parts = append(parts, "-i", src.URL)
	return parts
}

// sourcesShared reports whether video and audio come from the same
// input. URL, type and loop flag must all agree.
func sourcesShared(cfg Config) bool {
	if cfg.Video == nil || cfg.Audio == nil {
		return false
	}
	return cfg.Video.URL == cfg.Audio.URL &&
		cfg.Video.Type == cfg.Audio.Type &&
		cfg.Video.Loop == cfg.Audio.Loop
}

func needsVideoPipe(cfg Config) bool {
	return cfg.Video != nil && (cfg.Video.Type == SourceTypeSocket || cfg.Video.Type == SourceTypeWebRTC)
}

func needsAudioPipe(cfg Config) bool {
	return cfg.Audio != nil && (cfg.Audio.Type == SourceTypeSocket || cfg.Audio.Type == SourceTypeWebRTC)
}

func buildIngestStatus(cfg Config) *IngestStatus {
	var status IngestStatus
	if needsVideoPipe(cfg) {
		status.Video = &IngestEndpoint{
			Protocol: string(cfg.Video.Type),
			Format:   cfg.Video.Format,
			Path:     cfg.Video.URL,
		}
	}
	if needsAudioPipe(cfg) {
		status.Audio = &IngestEndpoint{
			Protocol: string(cfg.Audio.Type),
			Format:   cfg.Audio.Format,
			Path:     cfg.Audio.URL,
		}
	}
	if status.Audio == nil && status.Video == nil {
		return nil
	}
	return &status
}

func normalizeSourceType(t SourceType) SourceType {
	switch strings.TrimSpace(strings.ToLower(string(t))) {
	case string(SourceTypeStream):
		return SourceTypeStream
	case string(SourceTypeFile):
		return SourceTypeFile
	case string(SourceTypeSocket):
		return SourceTypeSocket
	case string(SourceTypeWebRTC):
		return SourceTypeWebRTC
	default:
		return t
	}
}

func validateRealtimeFormat(src *MediaSource, isVideo bool) error {
	if src == nil {
		return nil
	}
	switch src.Type {
	case SourceTypeSocket:
		if isVideo && src.Format != "mpegts" {
			return fmt.Errorf("%w: expected mpegts for socket video, got %s", ErrUnsupportedVideo, src.Format)
		}
		if !isVideo && src.Format != "mp3" {
			return fmt.Errorf("%w: expected mp3 for socket audio, got %s", ErrUnsupportedAudio, src.Format)
		}
	case SourceTypeWebRTC:
		if isVideo && src.Format != "ivf" {
			return fmt.Errorf("%w: expected ivf for webrtc video, got %s", ErrUnsupportedVideo, src.Format)
		}
		if !isVideo && src.Format != "ogg" {
			return fmt.Errorf("%w: expected ogg for webrtc audio, got %s", ErrUnsupportedAudio, src.Format)
		}
	}
	return nil
}

func preparePipe(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_ = os.Remove(path)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("create fifo %s: %w", path, err)
	}
	return nil
}

func (m *Manager) closePipeKeepalivesLocked() {
	if m.videoKeepalive != nil {
		_ = m.videoKeepalive.Close()
		m.videoKeepalive = nil
	}
	if m.audioKeepalive != nil {
		_ = m.audioKeepalive.Close()
		m.audioKeepalive = nil
	}
}

func (m *Manager) openPipeKeepalivesLocked(ctx context.Context, cfg Config, paused bool) {
	log := logger.FromContext(ctx)
	m.closePipeKeepalivesLocked()

	if paused {
		return
	}

	if needsVideoPipe(cfg) && m.videoPipe != "" {
		f, err := OpenPipeReadWriter(m.videoPipe, DefaultPipeOpenTimeout)
		if err != nil {
			log.Warn("failed to open keepalive for video pipe", "err", err, "path", m.videoPipe)
		} else {
			m.videoKeepalive = f
		}
	}
	if needsAudioPipe(cfg) && m.audioPipe != "" {
		f, err := OpenPipeReadWriter(m.audioPipe, DefaultPipeOpenTimeout)
		if err != nil {
			log.Warn("failed to open keepalive for audio pipe", "err", err, "path", m.audioPipe)
		} else {
			m.audioKeepalive = f
		}
	}
}

func (m *Manager) startFFmpegLocked(ctx context.Context, args []string) error {
	m.stz = scaletozero.NewOncer(m.ctrl)
	if err := m.stz.Disable(ctx); err != nil {
		return fmt.Errorf("failed to disable scale-to-zero: %w", err)
	}
	m.scaleDisabled = true

	cmd := m.command(m.ffmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var buf bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	env := os.Environ()
	if m.audioSink != "" {
		env = append(env, fmt.Sprintf("PULSE_SINK=%s", m.audioSink))
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		m.enableScaleToZero(ctx)
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	m.processGroupID = cmd.Process.Pid
	exited := make(chan struct{})
	m.cmd = cmd
	m.exited = exited

	// Watcher. Closes exited before taking the lock so Stop (which waits
	// on exited while holding the lock) never stalls until its timeout.
	go func() {
		err := cmd.Wait()
		close(exited)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cmd != cmd {
			// A newer pipeline owns the session; Stop already cleaned up
			// this one.
			return
		}
		if err != nil && m.state != stateIdle {
			m.lastError = fmt.Sprintf("ffmpeg exited: %v: %s", err, strings.TrimSpace(buf.String()))
			m.state = stateIdle
			m.startedAt = nil
		}
		m.cmd = nil
		m.processGroupID = 0
		m.closePipeKeepalivesLocked()
		m.enableScaleToZero(context.Background())
	}()

	select {
	case <-time.After(spawnSurvival):
		return nil
	case <-exited:
		m.enableScaleToZero(ctx)
		return fmt.Errorf("ffmpeg exited immediately: %s", strings.TrimSpace(buf.String()))
	}
}

func (m *Manager) enableScaleToZero(ctx context.Context) {
	if m.scaleDisabled {
		_ = m.stz.Enable(context.WithoutCancel(ctx))
		m.scaleDisabled = false
	}
}

func parseVideoNumber(path string) (int, error) {
	return strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "video"))
}

func cloneSource(src *MediaSource) *MediaSource {
	if src == nil {
		return nil
	}
	out := *src
	return &out
}
