// Package segment turns a live audio stream and a continuous speech
// recognizer into a sequence of interim/final transcript events, and
// slices the raw audio into clips aligned to each final boundary.
package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panyeroa1/realtime-orbit/language"
)

// ErrCapabilityUnavailable is returned by Start when the recognition
// capability does not exist on this platform. It is fatal to the
// feature, not to the app.
var ErrCapabilityUnavailable = errors.New("speech recognition unavailable")

// ErrAccessDenied is surfaced once when capture permission is revoked
// mid-session. Listening stops; there is no silent retry.
var ErrAccessDenied = errors.New("capture access denied")

// Result is one recognition event from the underlying capability.
// Interim results replace the previous interim text; a final result
// closes out the current utterance.
type Result struct {
	Text    string
	IsFinal bool
}

// Recognizer is the external continuous speech recognition capability.
// Implementations deliver a non-terminating stream of results until
// Stop. SetLocale takes effect on the next recognition cycle without a
// capture restart.
type Recognizer interface {
	Start(locale string) error
	SetLocale(locale string)
	Results() <-chan Result
	Errors() <-chan error
	Stop() error
}

// Source is the captured audio stream feeding clip slicing. It mirrors
// a media-capture track: register the callback before Start.
type Source interface {
	Start() error
	Stop() error
	OnAudio(fn func(samples []float32))
	SampleRate() int
}

// Clip is the raw audio captured between two final boundaries.
type Clip struct {
	Samples    []float32
	SampleRate int
	DurationMs int64
	HasSpeech  bool
}

// Event is one transcript event. Clip is set only on final events.
type Event struct {
	Text    string
	IsFinal bool
	Clip    *Clip
}

// Config holds segmenter tuning.
type Config struct {
	VADThreshold float32
	MinSpeechDur time.Duration
}

// DefaultConfig returns the default segmenter configuration.
func DefaultConfig() Config {
	return Config{
		VADThreshold: 0.015,
		MinSpeechDur: 300 * time.Millisecond,
	}
}

// Segmenter coordinates the recognizer and the clip buffer. It emits
// events and errors on channels and has no network side effects.
type Segmenter struct {
	rec Recognizer
	src Source

	mu      sync.Mutex
	vad     *VAD
	clip    *ClipBuffer
	running bool

	events chan Event
	errs   chan error
	cancel context.CancelFunc
}

// New creates a segmenter over the given source and recognizer.
func New(src Source, rec Recognizer, cfg Config) *Segmenter {
	if cfg.VADThreshold == 0 {
		cfg.VADThreshold = 0.015
	}
	if cfg.MinSpeechDur == 0 {
		cfg.MinSpeechDur = 300 * time.Millisecond
	}

	s := &Segmenter{
		rec:    rec,
		src:    src,
		vad:    NewVAD(cfg.VADThreshold, cfg.MinSpeechDur),
		clip:   NewClipBuffer(src.SampleRate()),
		events: make(chan Event, 16),
		errs:   make(chan error, 4),
	}
	src.OnAudio(s.handleAudio)
	return s
}

// Start begins continuous listening. languageHint selects the
// recognition locale; unmapped languages fall back to the default.
func (s *Segmenter) Start(ctx context.Context, languageHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("already running")
	}

	locale := language.RecognitionLocale(languageHint)
	if err := s.rec.Start(locale); err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return err
		}
		return fmt.Errorf("start recognizer: %w", err)
	}

	if err := s.src.Start(); err != nil {
		_ = s.rec.Stop()
		return fmt.Errorf("start capture: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.vad.Reset()
	s.clip.Clear()
	s.running = true

	go s.pump(ctx)

	slog.Info("segmenter started", "locale", locale)
	return nil
}

// SetLanguage changes the recognition locale. Takes effect on the next
// recognition cycle; capture keeps running.
func (s *Segmenter) SetLanguage(languageHint string) {
	s.rec.SetLocale(language.RecognitionLocale(languageHint))
}

// Stop ends listening and closes the event channels.
func (s *Segmenter) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if s.cancel != nil {
		s.cancel()
	}
	if err := s.src.Stop(); err != nil {
		slog.Error("stop capture", "error", err)
	}
	if err := s.rec.Stop(); err != nil {
		slog.Error("stop recognizer", "error", err)
	}

	slog.Info("segmenter stopped")
	return nil
}

// Events returns a read-only channel of transcript events.
func (s *Segmenter) Events() <-chan Event {
	return s.events
}

// Errors returns a read-only channel of segmenter errors.
func (s *Segmenter) Errors() <-chan error {
	return s.errs
}

// IsRunning reports whether the segmenter is listening.
func (s *Segmenter) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// handleAudio receives captured samples from the source.
func (s *Segmenter) handleAudio(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.vad.Process(samples)
	s.clip.Append(samples)
}

// pump forwards recognition results as events, slicing a clip at each
// final boundary.
func (s *Segmenter) pump(ctx context.Context) {
	defer close(s.events)
	defer close(s.errs)

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-s.rec.Errors():
			if !ok {
				return
			}
			if errors.Is(err, ErrAccessDenied) {
				s.sendError(err)
				go func() { _ = s.Stop() }()
				return
			}
			s.sendError(err)
		case res, ok := <-s.rec.Results():
			if !ok {
				return
			}
			if res.IsFinal {
				s.finalize(res.Text)
			} else {
				s.send(Event{Text: res.Text})
			}
		}
	}
}

// finalize emits a final event together with the clip captured since
// the previous boundary. The buffer resets under the same lock that
// appends samples, so capture resumes into a new clip without a gap.
func (s *Segmenter) finalize(text string) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	samples := s.clip.Extract()
	durMs := int64(float64(len(samples)) / float64(s.src.SampleRate()) * 1000)
	hasSpeech := s.vad.SawSpeech()
	s.vad.Reset()
	s.mu.Unlock()

	if text == "" {
		return
	}

	ev := Event{Text: text, IsFinal: true}
	if len(samples) > 0 {
		ev.Clip = &Clip{
			Samples:    samples,
			SampleRate: s.src.SampleRate(),
			DurationMs: durMs,
			HasSpeech:  hasSpeech,
		}
	}
	s.send(ev)
}

// send delivers an event without blocking the pump.
func (s *Segmenter) send(ev Event) {
	select {
	case s.events <- ev:
	default:
		// Channel full, skip
	}
}

func (s *Segmenter) sendError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
