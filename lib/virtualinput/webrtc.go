package virtualinput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// WebRTCIngestor accepts SDP offers and forwards the received tracks
// into the FIFOs the FFmpeg pipeline reads. Video (VP8/VP9) goes
// through an IVF writer, audio (Opus) through an OGG writer. At most
// one peer connection is active; a new offer or Clear tears down the
// previous one.
type WebRTCIngestor struct {
	mu     sync.Mutex
	config *ingestTargets

	pc     *webrtc.PeerConnection
	cancel context.CancelFunc

	videoMirror io.Writer
	audioMirror io.Writer
}

type ingestTargets struct {
	videoPath   string
	videoFormat string
	audioPath   string
	audioFormat string
}

func NewWebRTCIngestor() *WebRTCIngestor {
	return &WebRTCIngestor{}
}

// Configure sets the target pipes and formats for subsequent offers.
func (w *WebRTCIngestor) Configure(videoPath, videoFormat, audioPath, audioFormat string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = &ingestTargets{
		videoPath:   videoPath,
		videoFormat: videoFormat,
		audioPath:   audioPath,
		audioFormat: audioFormat,
	}
}

// Clear tears down any active connection and drops the targets.
func (w *WebRTCIngestor) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teardownLocked()
	w.config = nil
}

func (w *WebRTCIngestor) teardownLocked() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.pc != nil {
		_ = w.pc.Close()
		w.pc = nil
	}
}

// SetMirrors installs optional tee writers that receive a copy of the
// incoming media alongside the pipes.
func (w *WebRTCIngestor) SetMirrors(video io.Writer, audio io.Writer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.videoMirror = video
	w.audioMirror = audio
}

// HandleOffer negotiates a peer connection and starts the forwarders.
// Forwarders outlive the request context; they stop when the connection
// dies or the ingestor is cleared.
func (w *WebRTCIngestor) HandleOffer(ctx context.Context, offerSDP string) (string, error) {
	runCtx := context.WithoutCancel(ctx)

	w.mu.Lock()
	cfg := w.config
	if cfg == nil {
		w.mu.Unlock()
		return "", fmt.Errorf("webrtc ingest not configured")
	}
	if cfg.videoPath == "" && cfg.audioPath == "" {
		w.mu.Unlock()
		return "", fmt.Errorf("webrtc ingest paths not configured")
	}
	w.teardownLocked()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		w.mu.Unlock()
		return "", fmt.Errorf("failed to create peerconnection: %w", err)
	}
	forwardCtx, cancel := context.WithCancel(runCtx)
	w.pc = pc
	w.cancel = cancel
	w.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			cancel()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			if cfg.videoPath != "" {
				_ = w.forwardVideo(forwardCtx, cfg, track)
			}
		case webrtc.RTPCodecTypeAudio:
			if cfg.audioPath != "" {
				_ = w.forwardAudio(forwardCtx, cfg, track)
			}
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{SDP: offerSDP, Type: webrtc.SDPTypeOffer}); err != nil {
		cancel()
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cancel()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		cancel()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		cancel()
		return "", fmt.Errorf("local description missing")
	}
	return local.SDP, nil
}

func (w *WebRTCIngestor) forwardVideo(ctx context.Context, cfg *ingestTargets, track *webrtc.TrackRemote) error {
	if cfg.videoFormat != "" && cfg.videoFormat != "ivf" {
		return fmt.Errorf("unsupported video format %s", cfg.videoFormat)
	}
	codec := track.Codec().MimeType
	if codec != webrtc.MimeTypeVP8 && codec != webrtc.MimeTypeVP9 {
		return fmt.Errorf("unsupported video codec %s", codec)
	}

	out, err := OpenPipeWriter(cfg.videoPath, DefaultPipeOpenTimeout)
	if err != nil {
		return err
	}
	defer out.Close()

	w.mu.Lock()
	mirror := w.videoMirror
	w.mu.Unlock()

	target := io.Writer(out)
	if mirror != nil {
		target = io.MultiWriter(out, mirror)
	}

	writer, err := ivfwriter.NewWith(target)
	if err != nil {
		return fmt.Errorf("create ivf writer: %w", err)
	}
	defer writer.Close()

	return pumpRTP(ctx, track, writer.WriteRTP)
}

func (w *WebRTCIngestor) forwardAudio(ctx context.Context, cfg *ingestTargets, track *webrtc.TrackRemote) error {
	if cfg.audioFormat != "" && cfg.audioFormat != "ogg" {
		return fmt.Errorf("unsupported audio format %s", cfg.audioFormat)
	}
	if track.Codec().MimeType != webrtc.MimeTypeOpus {
		return fmt.Errorf("unsupported audio codec %s", track.Codec().MimeType)
	}

	out, err := OpenPipeWriter(cfg.audioPath, DefaultPipeOpenTimeout)
	if err != nil {
		return err
	}
	defer out.Close()

	w.mu.Lock()
	mirror := w.audioMirror
	w.mu.Unlock()

	target := io.Writer(out)
	if mirror != nil {
		target = io.MultiWriter(out, mirror)
	}

	writer, err := oggwriter.NewWith(target, track.Codec().ClockRate, track.Codec().Channels)
	if err != nil {
		return fmt.Errorf("create ogg writer: %w", err)
	}
	defer writer.Close()

	return pumpRTP(ctx, track, writer.WriteRTP)
}

func pumpRTP(ctx context.Context, track *webrtc.TrackRemote, write func(*rtp.Packet) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := write(pkt); err != nil {
			return err
		}
	}
}
