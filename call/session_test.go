package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/panyeroa1/realtime-orbit/bus"
	"github.com/panyeroa1/realtime-orbit/internal/types"
	"github.com/panyeroa1/realtime-orbit/language"
	"github.com/panyeroa1/realtime-orbit/playback"
	"github.com/panyeroa1/realtime-orbit/translate"
)

// mockBus implements Bus over in-memory channels.
type mockBus struct {
	mu           sync.Mutex
	msgs         chan types.Message
	published    []types.Message
	unsubscribed int
}

func newMockBus() *mockBus {
	return &mockBus{msgs: make(chan types.Message, 16)}
}

func (b *mockBus) Subscribe(_ context.Context, _ string) (<-chan types.Message, error) {
	return b.msgs, nil
}

func (b *mockBus) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed++
}

func (b *mockBus) Publish(_ context.Context, msg types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *mockBus) publishedMessages() []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Message, len(b.published))
	copy(out, b.published)
	return out
}

// mockTranslator returns canned results and counts calls.
type mockTranslator struct {
	mu      sync.Mutex
	result  *translate.Result
	err     error
	calls   int
	targets []string
	voices  []string
	gate    chan struct{} // When set, calls block until the gate closes
}

func (m *mockTranslator) TranslateAndSpeak(_ context.Context, _, targetLang string, _ bool, voiceID string) (*translate.Result, error) {
	m.mu.Lock()
	m.calls++
	m.targets = append(m.targets, targetLang)
	m.voices = append(m.voices, voiceID)
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if m.err != nil {
		return nil, m.err
	}
	res := *m.result
	return &res, nil
}

func (m *mockTranslator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTranslator) firstCall() (target, voice string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.targets) == 0 {
		return "", ""
	}
	return m.targets[0], m.voices[0]
}

// recordPlayer records played buffers and completes them instantly.
type recordPlayer struct {
	mu     sync.Mutex
	played int
	halted int
}

func (p *recordPlayer) Play(_ playback.Buffer, done func()) {
	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	done()
}

func (p *recordPlayer) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halted++
}

func (p *recordPlayer) playedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

var (
	localUser  = types.User{ID: "u1", Name: "Ana", Language: language.Spanish, Voice: "Kore"}
	remoteUser = types.User{ID: "u2", Name: "Bob", Language: language.English, Voice: "Charon"}
)

type fixture struct {
	session    *Session
	bus        *mockBus
	translator *mockTranslator
	player     *recordPlayer
	captions   *captionLog
}

type captionLog struct {
	mu   sync.Mutex
	seen []*types.LiveCaption
}

func (l *captionLog) add(c *types.LiveCaption) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, c)
}

func (l *captionLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.seen {
		if c != nil {
			n++
		}
	}
	return n
}

func (l *captionLog) last() *types.LiveCaption {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.seen) - 1; i >= 0; i-- {
		if l.seen[i] != nil {
			return l.seen[i]
		}
	}
	return nil
}

func newFixture(t *testing.T, mutate func(cfg *Config)) *fixture {
	t.Helper()

	b := newMockBus()
	tr := &mockTranslator{result: &translate.Result{
		TranslatedText: "hola, ¿cómo estás?",
		AudioData:      []byte{0x01, 0x00, 0x02, 0x00},
	}}
	player := &recordPlayer{}
	log := &captionLog{}

	cfg := Config{
		Local:      localUser,
		Group:      types.Group{ID: "g1", Members: []types.User{localUser, remoteUser}},
		Translator: tr,
		Bus:        b,
		Queue:      playback.NewQueue(player),
		SpeakerOn:  true,
		OnCaption:  log.add,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(s.End)

	return &fixture{session: s, bus: b, translator: tr, player: player, captions: log}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func remoteMessage(id string) types.Message {
	return types.Message{
		GroupID:          "g1",
		SenderID:         remoteUser.ID,
		Text:             "hello, how are you",
		ClientMessageID:  id,
		OriginalLanguage: language.English,
		SentAt:           time.Now().UnixMilli(),
	}
}

func TestRemoteUtterance_CaptionAndPlayback(t *testing.T) {
	f := newFixture(t, nil)

	f.session.HandleMessage(remoteMessage("m1"))

	waitFor(t, "translated caption", func() bool {
		c := f.captions.last()
		return c != nil && c.TranslatedText != ""
	})

	c := f.captions.last()
	if c.UserID != remoteUser.ID {
		t.Errorf("caption user = %q, want %q", c.UserID, remoteUser.ID)
	}
	if c.OriginalText != "hello, how are you" {
		t.Errorf("caption original = %q", c.OriginalText)
	}
	if c.TranslatedText != "hola, ¿cómo estás?" {
		t.Errorf("caption translated = %q", c.TranslatedText)
	}

	waitFor(t, "audio playback", func() bool { return f.player.playedCount() == 1 })

	// Each listener translates into its own language using the
	// sender's roster voice.
	target, voice := f.translator.firstCall()
	if target != language.Spanish {
		t.Errorf("target language = %q, want %q", target, language.Spanish)
	}
	if voice != "Charon" {
		t.Errorf("voice = %q, want Charon", voice)
	}
}

func TestRemoteUtterance_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t, nil)

	f.session.HandleMessage(remoteMessage("m1"))
	f.session.HandleMessage(remoteMessage("m1"))

	waitFor(t, "first playback", func() bool { return f.player.playedCount() == 1 })
	time.Sleep(50 * time.Millisecond)

	if got := f.translator.callCount(); got != 1 {
		t.Errorf("translator calls = %d, want 1", got)
	}
	if got := f.player.playedCount(); got != 1 {
		t.Errorf("playbacks = %d, want 1", got)
	}
	if got := f.captions.count(); got != 1 {
		t.Errorf("captions = %d, want 1", got)
	}
}

func TestRemoteUtterance_TranslationFailureStillCaptions(t *testing.T) {
	f := newFixture(t, nil)
	f.translator.err = fmt.Errorf("upstream down")

	f.session.HandleMessage(remoteMessage("m1"))

	waitFor(t, "fallback caption", func() bool { return f.captions.last() != nil })

	c := f.captions.last()
	if c.OriginalText != "hello, how are you" || c.TranslatedText != "" {
		t.Errorf("caption = %+v, want untranslated original", c)
	}
	time.Sleep(20 * time.Millisecond)
	if f.player.playedCount() != 0 {
		t.Errorf("playbacks = %d, want 0", f.player.playedCount())
	}
}

func TestRemoteUtterance_TextOnlyResultSkipsPlayback(t *testing.T) {
	f := newFixture(t, nil)
	f.translator.result = &translate.Result{TranslatedText: "hola"}

	f.session.HandleMessage(remoteMessage("m1"))

	waitFor(t, "caption", func() bool {
		c := f.captions.last()
		return c != nil && c.TranslatedText == "hola"
	})
	time.Sleep(20 * time.Millisecond)
	if f.player.playedCount() != 0 {
		t.Errorf("playbacks = %d, want 0 for text-only result", f.player.playedCount())
	}
}

func TestMute_GatesFutureEnqueuesOnly(t *testing.T) {
	f := newFixture(t, nil)

	// Mute is consulted when the translation completes, not when the
	// utterance arrives.
	gate := make(chan struct{})
	f.translator.gate = gate

	f.session.HandleMessage(remoteMessage("m1"))
	waitFor(t, "translation in flight", func() bool { return f.translator.callCount() == 1 })

	if muted := f.session.ToggleMuteParticipant(remoteUser.ID); !muted {
		t.Fatal("ToggleMuteParticipant() = false, want true")
	}
	close(gate)

	waitFor(t, "caption", func() bool { return f.captions.last() != nil })
	time.Sleep(50 * time.Millisecond)

	if f.player.playedCount() != 0 {
		t.Errorf("playbacks = %d, want 0 after mute", f.player.playedCount())
	}
	if f.captions.last().TranslatedText == "" {
		t.Error("caption missing despite mute; captions must not be affected")
	}
}

func TestSpeakerOff_SkipsRemoteAudio(t *testing.T) {
	f := newFixture(t, nil)
	f.session.SetSpeakerOn(false)

	f.session.HandleMessage(remoteMessage("m1"))

	waitFor(t, "caption", func() bool { return f.captions.last() != nil })
	time.Sleep(20 * time.Millisecond)
	if f.player.playedCount() != 0 {
		t.Errorf("playbacks = %d, want 0 with speaker off", f.player.playedCount())
	}
}

func TestSelfEcho_CaptionsImmediatelyAndSelfVoices(t *testing.T) {
	f := newFixture(t, nil)

	f.session.HandleMessage(types.Message{
		GroupID:          "g1",
		SenderID:         localUser.ID,
		Text:             "buenas",
		ClientMessageID:  "m-self",
		OriginalLanguage: language.Spanish,
	})

	waitFor(t, "self caption", func() bool { return f.captions.last() != nil })
	c := f.captions.last()
	if c.UserID != localUser.ID || c.OriginalText != "buenas" || c.TranslatedText != "" {
		t.Errorf("self caption = %+v", c)
	}

	// Self voice translates into the speaker's own language.
	waitFor(t, "self voice playback", func() bool { return f.player.playedCount() == 1 })
	target, voice := f.translator.firstCall()
	if target != language.Spanish {
		t.Errorf("self-voice target = %q, want own language", target)
	}
	if voice != "Kore" {
		t.Errorf("self-voice voice = %q, want Kore", voice)
	}
}

func TestSelfEcho_MutedOrDirectSkipsSelfVoice(t *testing.T) {
	tests := []struct {
		name     string
		muted    bool
		isDirect bool
	}{
		{name: "self voice muted", muted: true},
		{name: "direct voice message", isDirect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.session.SetSelfVoiceMuted(tt.muted)

			f.session.HandleMessage(types.Message{
				GroupID:         "g1",
				SenderID:        localUser.ID,
				Text:            "buenas",
				ClientMessageID: "m-self",
				IsDirect:        tt.isDirect,
			})

			waitFor(t, "self caption", func() bool { return f.captions.last() != nil })
			time.Sleep(50 * time.Millisecond)

			if f.translator.callCount() != 0 {
				t.Errorf("translator calls = %d, want 0", f.translator.callCount())
			}
			if f.player.playedCount() != 0 {
				t.Errorf("playbacks = %d, want 0", f.player.playedCount())
			}
		})
	}
}

func TestFinalTranscript_BroadcastsUtterance(t *testing.T) {
	f := newFixture(t, nil)

	f.session.HandleFinalTranscript("hola a todos", nil)

	waitFor(t, "publish", func() bool { return len(f.bus.publishedMessages()) == 1 })

	msg := f.bus.publishedMessages()[0]
	if msg.SenderID != localUser.ID {
		t.Errorf("sender = %q, want %q", msg.SenderID, localUser.ID)
	}
	if msg.Text != "hola a todos" {
		t.Errorf("text = %q", msg.Text)
	}
	if msg.ClientMessageID == "" {
		t.Error("missing client message id")
	}
	if msg.OriginalLanguage != language.Spanish {
		t.Errorf("original language = %q, want %q", msg.OriginalLanguage, language.Spanish)
	}

	if c := f.captions.last(); c == nil || c.UserID != localUser.ID {
		t.Errorf("local caption = %+v", c)
	}
}

func TestKnock_QueuesGuestForInCallMembersOnly(t *testing.T) {
	guest := types.User{ID: "u9", Name: "Zoe", Language: language.French}

	t.Run("in call member queues and dedups", func(t *testing.T) {
		f := newFixture(t, nil)

		knock := func(id string) {
			f.session.HandleMessage(types.Message{
				GroupID:         "g1",
				SenderID:        guest.ID,
				Text:            mustKnockText(t, guest),
				ClientMessageID: id,
			})
		}
		knock("k1")
		knock("k2") // Redelivered knock, same guest

		guests := f.session.PendingGuests()
		if len(guests) != 1 || guests[0].ID != guest.ID {
			t.Fatalf("pending guests = %+v, want exactly [%s]", guests, guest.ID)
		}
	})

	t.Run("waiting room participant ignores knocks", func(t *testing.T) {
		f := newFixture(t, func(cfg *Config) {
			cfg.Group.Members = []types.User{remoteUser} // Local user not a member
		})

		f.session.HandleMessage(types.Message{
			GroupID:         "g1",
			SenderID:        guest.ID,
			Text:            mustKnockText(t, guest),
			ClientMessageID: "k1",
		})

		if got := f.session.PendingGuests(); len(got) != 0 {
			t.Errorf("pending guests = %+v, want none", got)
		}
	})
}

func TestAdmit_TransitionsWaitingGuestIntoCall(t *testing.T) {
	admitted := make(chan struct{}, 1)
	f := newFixture(t, func(cfg *Config) {
		cfg.Group.Members = []types.User{remoteUser}
		cfg.OnAdmitted = func() { admitted <- struct{}{} }
	})

	if f.session.InCall() {
		t.Fatal("session should start in the waiting room")
	}
	// Joining as a non-member knocks.
	waitFor(t, "knock publish", func() bool { return len(f.bus.publishedMessages()) == 1 })

	// Admit broadcast for someone else: no transition.
	f.session.HandleMessage(types.Message{
		GroupID: "g1", SenderID: remoteUser.ID,
		Text: "__SYSTEM_ADMIT__:someone-else", ClientMessageID: "a0",
	})
	if f.session.InCall() {
		t.Fatal("admitted by a broadcast for another user")
	}

	f.session.HandleMessage(types.Message{
		GroupID: "g1", SenderID: remoteUser.ID,
		Text: "__SYSTEM_ADMIT__:" + localUser.ID, ClientMessageID: "a1",
	})

	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("OnAdmitted not fired")
	}
	if !f.session.InCall() {
		t.Error("InCall() = false after admission")
	}
}

func TestAdmitGuest_BroadcastsAndJoinsRoster(t *testing.T) {
	f := newFixture(t, nil)
	guest := types.User{ID: "u9", Name: "Zoe", Language: language.French, Voice: "Aoede"}

	f.session.HandleMessage(types.Message{
		GroupID:         "g1",
		SenderID:        guest.ID,
		Text:            mustKnockText(t, guest),
		ClientMessageID: "k1",
	})
	if err := f.session.AdmitGuest(guest); err != nil {
		t.Fatalf("AdmitGuest() error = %v", err)
	}

	if got := f.session.PendingGuests(); len(got) != 0 {
		t.Errorf("pending guests = %+v, want none after admit", got)
	}

	msgs := f.bus.publishedMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if want := "__SYSTEM_ADMIT__:" + guest.ID; msgs[0].Text != want {
		t.Errorf("admit text = %q, want %q", msgs[0].Text, want)
	}

	// The admitted guest's voice now resolves from the roster.
	if got := f.session.voiceFor(guest.ID); got != "Aoede" {
		t.Errorf("voiceFor(guest) = %q, want Aoede", got)
	}
}

func TestDenyGuest_DropsSilently(t *testing.T) {
	f := newFixture(t, nil)
	guest := types.User{ID: "u9", Name: "Zoe"}

	f.session.HandleMessage(types.Message{
		GroupID:         "g1",
		SenderID:        guest.ID,
		Text:            mustKnockText(t, guest),
		ClientMessageID: "k1",
	})
	f.session.DenyGuest(guest.ID)

	if got := f.session.PendingGuests(); len(got) != 0 {
		t.Errorf("pending guests = %+v, want none", got)
	}
	if got := f.bus.publishedMessages(); len(got) != 0 {
		t.Errorf("published %d messages, want 0 for deny", len(got))
	}
}

func TestEnd_DiscardsInFlightTranslation(t *testing.T) {
	f := newFixture(t, nil)

	gate := make(chan struct{})
	f.translator.gate = gate

	f.session.HandleMessage(remoteMessage("m1"))
	waitFor(t, "translation in flight", func() bool { return f.translator.callCount() == 1 })

	f.session.End()
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if f.player.playedCount() != 0 {
		t.Errorf("playbacks = %d, want 0 after End", f.player.playedCount())
	}
	if c := f.session.Caption(); c != nil {
		t.Errorf("caption = %+v, want nil after End", c)
	}
	if got := f.session.SpeakingUser(); got != "" {
		t.Errorf("speaking user = %q, want empty after End", got)
	}
}

func TestEnd_TearsDownAtomically(t *testing.T) {
	f := newFixture(t, nil)
	guest := types.User{ID: "u9", Name: "Zoe"}

	f.session.HandleMessage(types.Message{
		GroupID: "g1", SenderID: guest.ID,
		Text: mustKnockText(t, guest), ClientMessageID: "k1",
	})
	f.session.HandleFinalTranscript("adios", nil)
	waitFor(t, "caption shown", func() bool { return f.session.Caption() != nil })

	f.session.End()

	status := f.session.Status()
	if status.Active {
		t.Error("status.Active = true after End")
	}
	if status.PendingGuests != 0 {
		t.Errorf("pending guests = %d, want 0", status.PendingGuests)
	}
	if f.session.Caption() != nil {
		t.Error("caption survived End")
	}
	f.bus.mu.Lock()
	unsub := f.bus.unsubscribed
	f.bus.mu.Unlock()
	if unsub == 0 {
		t.Error("bus not unsubscribed on End")
	}

	// Messages after End are ignored.
	f.session.HandleMessage(remoteMessage("m9"))
	time.Sleep(20 * time.Millisecond)
	if f.translator.callCount() != 0 {
		t.Errorf("translator calls = %d, want 0 after End", f.translator.callCount())
	}
}

func TestSpeakingIndicator_SetOnRemoteUtterance(t *testing.T) {
	f := newFixture(t, nil)

	gate := make(chan struct{})
	f.translator.gate = gate

	f.session.HandleMessage(remoteMessage("m1"))
	waitFor(t, "speaking indicator", func() bool {
		return f.session.SpeakingUser() == remoteUser.ID
	})
	close(gate)
}

func TestCaptionSlot_ReplaceAndExpire(t *testing.T) {
	f := newFixture(t, nil)
	s := f.session

	s.showCaption("u2", "first", "")
	s.mu.Lock()
	first := s.caption
	s.mu.Unlock()

	s.showCaption("u2", "second", "")
	if c := s.Caption(); c == nil || c.OriginalText != "second" {
		t.Fatalf("caption = %+v, want replacement", c)
	}

	// The replaced caption's expiry is a stale no-op.
	s.expireCaption(first)
	if c := s.Caption(); c == nil || c.OriginalText != "second" {
		t.Fatalf("caption = %+v, stale expiry cleared the slot", c)
	}

	// Expiry of the live caption empties the slot.
	s.mu.Lock()
	current := s.caption
	s.mu.Unlock()
	s.expireCaption(current)
	if c := s.Caption(); c != nil {
		t.Errorf("caption = %+v after expiry, want nil", c)
	}
}

type memoryHistorian struct {
	mu   sync.Mutex
	msgs []types.Message
}

func (h *memoryHistorian) Append(msg types.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

type fixedDetector struct{ lang string }

func (d fixedDetector) Detect(string) (string, bool) { return d.lang, d.lang != "" }

func TestHandleMessage_DetectsMissingLanguageForHistory(t *testing.T) {
	hist := &memoryHistorian{}
	f := newFixture(t, func(cfg *Config) {
		cfg.Historian = hist
		cfg.Detector = fixedDetector{lang: language.English}
	})

	msg := remoteMessage("m1")
	msg.OriginalLanguage = ""
	f.session.HandleMessage(msg)

	waitFor(t, "history append", func() bool {
		hist.mu.Lock()
		defer hist.mu.Unlock()
		return len(hist.msgs) == 1
	})

	hist.mu.Lock()
	got := hist.msgs[0].OriginalLanguage
	hist.mu.Unlock()
	if got != language.English {
		t.Errorf("logged language = %q, want %q", got, language.English)
	}
}

func mustKnockText(t *testing.T, guest types.User) string {
	t.Helper()
	text, err := bus.KnockText(guest)
	if err != nil {
		t.Fatalf("KnockText() error = %v", err)
	}
	return text
}
