// Package call coordinates one active call session: routing utterances
// to translation, captions, and audio playback, and handling
// waiting-room admission.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panyeroa1/realtime-orbit/audiocodec"
	"github.com/panyeroa1/realtime-orbit/bus"
	"github.com/panyeroa1/realtime-orbit/internal/types"
	"github.com/panyeroa1/realtime-orbit/playback"
	"github.com/panyeroa1/realtime-orbit/segment"
	"github.com/panyeroa1/realtime-orbit/translate"
)

const (
	// CaptionTTL is how long an unreplaced caption stays visible.
	CaptionTTL = 8 * time.Second

	// speakingWindow keeps the remote speaking indicator visible after
	// a translation completes.
	speakingWindow = 2 * time.Second

	// selfSpeakingWindow is the shorter indicator window for the local
	// speaker's own utterance.
	selfSpeakingWindow = 1500 * time.Millisecond

	// synthSampleRate is the PCM rate of synthesized audio payloads.
	synthSampleRate = 24000
)

// Bus is the realtime channel surface the session needs.
type Bus interface {
	Subscribe(ctx context.Context, groupID string) (<-chan types.Message, error)
	Unsubscribe()
	Publish(ctx context.Context, msg types.Message) error
}

// Recorder persists voice samples, best-effort. Failures never reach
// the conversational pipeline.
type Recorder interface {
	Save(ctx context.Context, userID, text string, clip *segment.Clip)
}

// Historian appends conversational messages to the local call log.
type Historian interface {
	Append(msg types.Message) error
}

// Detector guesses an utterance's language from its text.
type Detector interface {
	Detect(text string) (string, bool)
}

// Config assembles a session.
type Config struct {
	Local      types.User
	Group      types.Group
	Translator translate.Translator
	Bus        Bus
	Queue      *playback.Queue
	Recorder   Recorder  // Optional
	Historian  Historian // Optional
	Detector   Detector  // Optional

	DefaultVoice string
	SpeakerOn    bool

	// OnCaption observes every caption-slot change (nil on expiry).
	OnCaption func(*types.LiveCaption)
	// OnSpeaking observes speaking-indicator changes ("" on clear).
	OnSpeaking func(userID string)
	// OnGuests observes pendingGuests changes.
	OnGuests func(guests []types.User)
	// OnAdmitted fires when this participant is admitted from the
	// waiting room.
	OnAdmitted func()
}

// Session owns the per-call shared state: the single caption slot, the
// speaking indicator, pending guests, and the locally muted set. All of
// it is torn down atomically by End.
type Session struct {
	cfg        Config
	translator translate.Translator
	queue      *playback.Queue

	mu             sync.Mutex
	group          types.Group
	active         bool
	inCall         bool // false while in the waiting room
	speakerOn      bool
	selfVoiceMuted bool
	directVoice    bool
	caption        *types.LiveCaption
	captionTimer   *time.Timer
	speakingUserID string
	speakingTimer  *time.Timer
	pendingGuests  []types.User
	muted          map[string]struct{}
	seen           map[string]struct{}
	utterances     int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession creates a session. Start must be called to subscribe.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Translator == nil {
		return nil, fmt.Errorf("translator required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("playback queue required")
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = "Fenrir"
	}

	return &Session{
		cfg:        cfg,
		translator: cfg.Translator,
		queue:      cfg.Queue,
		group:      cfg.Group,
		speakerOn:  cfg.SpeakerOn,
		muted:      make(map[string]struct{}),
		seen:       make(map[string]struct{}),
	}, nil
}

// Start subscribes to the session channel. Members enter the call
// directly; non-members knock and wait for admission.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel
	s.active = true
	s.inCall = s.group.Member(s.cfg.Local.ID) != nil
	inCall := s.inCall
	groupID := s.group.ID
	s.mu.Unlock()

	msgs, err := s.cfg.Bus.Subscribe(ctx, groupID)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe: %w", err)
	}

	if !inCall {
		if err := s.knock(ctx); err != nil {
			slog.Warn("knock failed", "error", err)
		}
	}

	go s.run(ctx, msgs)

	slog.Info("call session started", "group", groupID, "in_call", inCall)
	return nil
}

func (s *Session) run(ctx context.Context, msgs <-chan types.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.HandleMessage(msg)
		}
	}
}

// knock announces this non-member to current members.
func (s *Session) knock(ctx context.Context) error {
	text, err := bus.KnockText(s.cfg.Local)
	if err != nil {
		return err
	}
	return s.cfg.Bus.Publish(ctx, types.Message{
		GroupID:          s.group.ID,
		SenderID:         s.cfg.Local.ID,
		Text:             text,
		ClientMessageID:  uuid.NewString(),
		OriginalLanguage: s.cfg.Local.Language,
		SentAt:           time.Now().UnixMilli(),
	})
}

// HandleMessage dispatches one delivered record: system control text is
// routed to admission logic, everything else is a conversational
// utterance.
func (s *Session) HandleMessage(msg types.Message) {
	if ctl, ok := bus.ParseControl(msg.Text); ok {
		s.handleControl(ctl)
		return
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	// At-least-once delivery: a redelivered utterance is a no-op.
	if _, dup := s.seen[msg.ClientMessageID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[msg.ClientMessageID] = struct{}{}
	s.utterances++
	isSelf := msg.SenderID == s.cfg.Local.ID
	s.mu.Unlock()

	// Older clients omit the language; classify from the text so the
	// call log stays complete.
	if msg.OriginalLanguage == "" && s.cfg.Detector != nil {
		if name, ok := s.cfg.Detector.Detect(msg.Text); ok {
			msg.OriginalLanguage = name
		}
	}

	if s.cfg.Historian != nil {
		if err := s.cfg.Historian.Append(msg); err != nil {
			slog.Warn("history append failed", "error", err)
		}
	}

	if isSelf {
		s.handleSelfEcho(msg)
		return
	}
	s.handleRemote(msg)
}

// handleControl applies knock/admit system messages.
func (s *Session) handleControl(ctl bus.Control) {
	switch ctl.Kind {
	case bus.ControlKnock:
		s.mu.Lock()
		// Knocks are shown to in-call members only.
		if !s.active || !s.inCall || ctl.Guest.ID == s.cfg.Local.ID {
			s.mu.Unlock()
			return
		}
		for _, g := range s.pendingGuests {
			if g.ID == ctl.Guest.ID {
				s.mu.Unlock()
				return
			}
		}
		s.pendingGuests = append(s.pendingGuests, ctl.Guest)
		guests := s.guestsLocked()
		s.mu.Unlock()
		s.notifyGuests(guests)

	case bus.ControlAdmit:
		s.mu.Lock()
		if !s.active || s.inCall || ctl.UserID != s.cfg.Local.ID {
			s.mu.Unlock()
			return
		}
		s.inCall = true
		s.mu.Unlock()
		slog.Info("admitted to call", "group", s.group.ID)
		if s.cfg.OnAdmitted != nil {
			s.cfg.OnAdmitted()
		}
	}
}

// handleSelfEcho processes the echo of the local user's own utterance:
// immediate caption, optional self-voice synthesis, no duplicate
// caption from the round trip.
func (s *Session) handleSelfEcho(msg types.Message) {
	s.showCaption(msg.SenderID, msg.Text, "")

	s.mu.Lock()
	wantVoice := !s.selfVoiceMuted && !msg.IsDirect
	ctx := s.ctx
	s.mu.Unlock()
	if !wantVoice {
		return
	}

	go func() {
		res, err := s.translator.TranslateAndSpeak(ctx, msg.Text, s.cfg.Local.Language, true, s.voiceFor(s.cfg.Local.ID))
		if err != nil {
			slog.Warn("self-voice translation failed", "error", err)
			return
		}
		if res.AudioData == nil {
			return
		}
		s.enqueueAudio(msg.SenderID, res.AudioData)
	}()
}

// handleRemote translates a remote utterance into the local user's
// language and feeds caption and playback. Captions are never blocked
// by translation failure.
func (s *Session) handleRemote(msg types.Message) {
	s.setSpeaking(msg.SenderID)
	voice := s.voiceFor(msg.SenderID)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		res, err := s.translator.TranslateAndSpeak(ctx, msg.Text, s.cfg.Local.Language, true, voice)

		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if !active {
			// Call ended while the request was in flight.
			return
		}

		if err != nil {
			slog.Warn("translation failed, captioning original", "sender", msg.SenderID, "error", err)
			s.showCaption(msg.SenderID, msg.Text, "")
		} else {
			s.showCaption(msg.SenderID, msg.Text, res.TranslatedText)
			if res.AudioData != nil {
				s.enqueueAudio(msg.SenderID, res.AudioData)
			}
		}
		s.holdSpeaking(msg.SenderID, speakingWindow)
	}()
}

// HandleTranscript consumes one segmenter event for the local speaker:
// interim events update the self caption; final events are broadcast
// as utterances and optionally self-voiced and persisted.
func (s *Session) HandleTranscript(ev segment.Event) {
	if !ev.IsFinal {
		if ev.Text != "" {
			s.showCaption(s.cfg.Local.ID, ev.Text, "")
		}
		return
	}
	s.HandleFinalTranscript(ev.Text, ev.Clip)
}

// HandleFinalTranscript broadcasts a finalized local utterance.
func (s *Session) HandleFinalTranscript(text string, clip *segment.Clip) {
	if text == "" {
		return
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	directVoice := s.directVoice
	groupID := s.group.ID
	s.mu.Unlock()

	s.setSpeaking(s.cfg.Local.ID)
	s.holdSpeaking(s.cfg.Local.ID, selfSpeakingWindow)
	s.showCaption(s.cfg.Local.ID, text, "")

	if s.cfg.Recorder != nil && clip != nil && clip.HasSpeech {
		go s.cfg.Recorder.Save(ctx, s.cfg.Local.ID, text, clip)
	}

	msg := types.Message{
		GroupID:          groupID,
		SenderID:         s.cfg.Local.ID,
		Text:             text,
		ClientMessageID:  uuid.NewString(),
		OriginalLanguage: s.cfg.Local.Language,
		IsDirect:         directVoice,
		SentAt:           time.Now().UnixMilli(),
	}

	go func() {
		if err := s.cfg.Bus.Publish(ctx, msg); err != nil {
			slog.Error("publish utterance failed", "error", err)
		}
	}()
}

// AdmitGuest adds a waiting guest to the roster and broadcasts the
// admit control so the guest's client leaves the waiting room.
func (s *Session) AdmitGuest(guest types.User) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("session not active")
	}
	s.group.Members = append(s.group.Members, guest)
	s.removeGuestLocked(guest.ID)
	guests := s.guestsLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.notifyGuests(guests)
	return s.cfg.Bus.Publish(ctx, types.Message{
		GroupID:          s.group.ID,
		SenderID:         s.cfg.Local.ID,
		Text:             bus.AdmitText(guest.ID),
		ClientMessageID:  uuid.NewString(),
		OriginalLanguage: s.cfg.Local.Language,
		SentAt:           time.Now().UnixMilli(),
	})
}

// DenyGuest drops a waiting guest without any broadcast.
func (s *Session) DenyGuest(guestID string) {
	s.mu.Lock()
	s.removeGuestLocked(guestID)
	guests := s.guestsLocked()
	s.mu.Unlock()
	s.notifyGuests(guests)
}

// ToggleMuteParticipant flips local suppression of a remote
// participant's translated audio. Captions are unaffected, and audio
// already enqueued keeps playing; mute gates future enqueues only.
func (s *Session) ToggleMuteParticipant(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.muted[userID]; ok {
		delete(s.muted, userID)
		return false
	}
	s.muted[userID] = struct{}{}
	return true
}

// SetSpeakerOn gates all remote translated audio output.
func (s *Session) SetSpeakerOn(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerOn = on
}

// SetSelfVoiceMuted gates the local user's own translated-voice
// confirmation output.
func (s *Session) SetSelfVoiceMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfVoiceMuted = muted
}

// SetDirectVoice flags subsequent utterances to bypass self-voice
// synthesis.
func (s *Session) SetDirectVoice(direct bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directVoice = direct
}

// Caption returns the current caption slot contents, or nil.
func (s *Session) Caption() *types.LiveCaption {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caption == nil {
		return nil
	}
	c := *s.caption
	return &c
}

// SpeakingUser returns the current speaking indicator, or "".
func (s *Session) SpeakingUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakingUserID
}

// PendingGuests returns the ordered waiting guests.
func (s *Session) PendingGuests() []types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestsLocked()
}

// InCall reports whether this participant is past the waiting room.
func (s *Session) InCall() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCall
}

// Status reports a snapshot of the session state.
func (s *Session) Status() types.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CallStatus{
		Active:        s.active,
		GroupID:       s.group.ID,
		SpeakingUser:  s.speakingUserID,
		PendingGuests: len(s.pendingGuests),
		MutedUsers:    len(s.muted),
		Utterances:    s.utterances,
	}
}

// End tears the session down: in-flight translations are discarded,
// the playback queue and caption slot are cleared, pending admissions
// dropped, and the bus unsubscribed. No audio or stale caption survives
// into the next call.
func (s *Session) End() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.inCall = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.captionTimer != nil {
		s.captionTimer.Stop()
		s.captionTimer = nil
	}
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
		s.speakingTimer = nil
	}
	s.caption = nil
	s.speakingUserID = ""
	s.pendingGuests = nil
	s.mu.Unlock()

	s.queue.Clear()
	s.cfg.Bus.Unsubscribe()
	s.notifyCaption(nil)
	s.notifySpeaking("")
	s.notifyGuests(nil)

	slog.Info("call session ended", "group", s.group.ID)
}

// showCaption replaces the single caption slot and resets its expiry.
// Concurrent translation completions are last-write-wins.
func (s *Session) showCaption(userID, original, translated string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.captionTimer != nil {
		s.captionTimer.Stop()
	}
	c := &types.LiveCaption{
		UserID:         userID,
		OriginalText:   original,
		TranslatedText: translated,
		Timestamp:      time.Now().UnixMilli(),
	}
	s.caption = c
	s.captionTimer = time.AfterFunc(CaptionTTL, func() { s.expireCaption(c) })
	snapshot := *c
	s.mu.Unlock()

	s.notifyCaption(&snapshot)
}

// expireCaption empties the slot if this caption is still the one
// showing.
func (s *Session) expireCaption(c *types.LiveCaption) {
	s.mu.Lock()
	if s.caption != c {
		s.mu.Unlock()
		return
	}
	s.caption = nil
	s.captionTimer = nil
	s.mu.Unlock()

	s.notifyCaption(nil)
}

// setSpeaking marks the current speaking user immediately.
func (s *Session) setSpeaking(userID string) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
		s.speakingTimer = nil
	}
	changed := s.speakingUserID != userID
	s.speakingUserID = userID
	s.mu.Unlock()

	if changed {
		s.notifySpeaking(userID)
	}
}

// holdSpeaking keeps the indicator on userID for the given window, then
// clears it unless someone else took over.
func (s *Session) holdSpeaking(userID string, window time.Duration) {
	s.mu.Lock()
	if !s.active || s.speakingUserID != userID {
		s.mu.Unlock()
		return
	}
	if s.speakingTimer != nil {
		s.speakingTimer.Stop()
	}
	s.speakingTimer = time.AfterFunc(window, func() {
		s.mu.Lock()
		if s.speakingUserID != userID {
			s.mu.Unlock()
			return
		}
		s.speakingUserID = ""
		s.speakingTimer = nil
		s.mu.Unlock()
		s.notifySpeaking("")
	})
	s.mu.Unlock()
}

// enqueueAudio decodes a synthesized payload and appends it to the
// playback queue. Mute and speaker state are read here, at delivery
// time, not when the translation was requested.
func (s *Session) enqueueAudio(senderID string, audio []byte) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	_, muted := s.muted[senderID]
	speakerOn := s.speakerOn
	isSelf := senderID == s.cfg.Local.ID
	s.mu.Unlock()

	if muted {
		return
	}
	if !isSelf && !speakerOn {
		return
	}

	samples, err := audiocodec.DecodePCM16(audio)
	if err != nil {
		slog.Warn("undecodable audio payload", "sender", senderID, "error", err)
		return
	}
	s.queue.Enqueue(playback.Buffer{Samples: samples, SampleRate: synthSampleRate})
}

// voiceFor resolves a participant's configured synthesis voice from the
// roster, falling back to the default when the member has left or not
// yet synced.
func (s *Session) voiceFor(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.group.Member(userID); m != nil && m.Voice != "" {
		return m.Voice
	}
	return s.cfg.DefaultVoice
}

func (s *Session) guestsLocked() []types.User {
	guests := make([]types.User, len(s.pendingGuests))
	copy(guests, s.pendingGuests)
	return guests
}

func (s *Session) removeGuestLocked(guestID string) {
	for i, g := range s.pendingGuests {
		if g.ID == guestID {
			s.pendingGuests = append(s.pendingGuests[:i], s.pendingGuests[i+1:]...)
			return
		}
	}
}

func (s *Session) notifyCaption(c *types.LiveCaption) {
	if s.cfg.OnCaption != nil {
		s.cfg.OnCaption(c)
	}
}

func (s *Session) notifySpeaking(userID string) {
	if s.cfg.OnSpeaking != nil {
		s.cfg.OnSpeaking(userID)
	}
}

func (s *Session) notifyGuests(guests []types.User) {
	if s.cfg.OnGuests != nil {
		s.cfg.OnGuests(guests)
	}
}
