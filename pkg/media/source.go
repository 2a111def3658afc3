// Package media is the local audio source of the voice chat.
package media

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyhop/voicemesh/pkg/config"
	"github.com/keyhop/voicemesh/pkg/logger"
	oss "github.com/keyhop/voicemesh/pkg/os"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrAlreadyAcquired  = errors.New("media is already acquired")
)

// Source owns the local audio capture.
// It can be acquired only once.
type Source struct {
	conf config.Audio
	log  *logger.Logger

	acquired atomic.Bool
	muted    atomic.Bool

	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticSample
	capture capture
	lock    *oss.Flock
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSource(conf config.Audio, log *logger.Logger) *Source {
	if conf.Frame <= 0 {
		conf.Frame = 20
	}
	return &Source{conf: conf, log: log.Extend(log.With().Str("m", "media"))}
}

// Acquire opens the capture device and starts sending audio into the track.
// Without a device it sends silence.
func (s *Source) Acquire(ctx context.Context) ([]webrtc.TrackLocal, error) {
	if !s.acquired.CompareAndSwap(false, true) {
		return nil, ErrAlreadyAcquired
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	device := s.conf.Device
	lock, err := oss.NewFileLock(filepath.Join(s.lockDir(), lockName(device)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if ok, err := lock.TryLock(); err != nil || !ok {
		return nil, fmt.Errorf("%w: device [%v] is busy", ErrMediaUnavailable, device)
	}

	var c capture = silence{frame: s.frame()}
	if device != "" {
		if c, err = newOggCapture(device); err != nil {
			_ = lock.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "voice")
	if err != nil {
		_ = c.close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	s.mu.Lock()
	s.track, s.capture, s.lock = track, c, lock
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(track, c, s.done)
	s.log.Info().Str("device", deviceName(device)).Msg("Audio capture is on")
	return []webrtc.TrackLocal{track}, nil
}

// pump writes captured frames into the track at the capture pace.
func (s *Source) pump(track *webrtc.TrackLocalStaticSample, c capture, done chan struct{}) {
	defer s.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-timer.C:
		}
		frame, duration, err := c.next()
		if err != nil {
			s.log.Error().Err(err).Msg("Audio capture has stopped")
			return
		}
		if duration <= 0 {
			duration = s.frame()
		}
		if s.muted.Load() {
			frame = silenceFrame
		}
		if err = track.WriteSample(media.Sample{Data: frame, Duration: duration}); err != nil {
			s.log.Error().Err(err).Msg("Audio write fail")
		}
		timer.Reset(duration)
	}
}

// SetMuted switches outgoing audio to silence without renegotiation.
func (s *Source) SetMuted(muted bool) {
	if s.muted.Swap(muted) != muted {
		s.log.Debug().Bool("muted", muted).Msg("Mute")
	}
}

func (s *Source) Muted() bool    { return s.muted.Load() }
func (s *Source) Acquired() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.track != nil }

// Tracks returns the tracks of acquired media or nothing.
func (s *Source) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return []webrtc.TrackLocal{s.track}
}

func (s *Source) Close() error {
	s.mu.Lock()
	done, c, lock := s.done, s.capture, s.lock
	s.done, s.capture, s.lock = nil, nil, nil
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	close(done)
	s.wg.Wait()
	err := c.close()
	if e := lock.Unlock(); err == nil {
		err = e
	}
	s.log.Debug().Msg("Audio capture is off")
	return err
}

func (s *Source) frame() time.Duration { return time.Duration(s.conf.Frame) * time.Millisecond }

func (s *Source) lockDir() string {
	if s.conf.LockDir != "" {
		return s.conf.LockDir
	}
	return filepath.Join(os.TempDir(), "voicemesh")
}

func lockName(device string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(device))
	return fmt.Sprintf("audio-%08x.lock", h.Sum32())
}

func deviceName(device string) string {
	if device == "" {
		return "silence"
	}
	return device
}
