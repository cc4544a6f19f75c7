// Command orbit is a headless call client: it joins a group session,
// prints live captions, plays back translated speech through a paced
// sink, and handles waiting-room admission from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/panyeroa1/realtime-orbit/bus"
	"github.com/panyeroa1/realtime-orbit/call"
	"github.com/panyeroa1/realtime-orbit/config"
	"github.com/panyeroa1/realtime-orbit/history"
	"github.com/panyeroa1/realtime-orbit/internal/types"
	"github.com/panyeroa1/realtime-orbit/language"
	"github.com/panyeroa1/realtime-orbit/playback"
	"github.com/panyeroa1/realtime-orbit/translate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		groupID = flag.String("group", "", "group session id to join")
		name    = flag.String("name", "guest", "display name")
		lang    = flag.String("lang", language.English, "caption language")
		voice   = flag.String("voice", "", "synthesis voice name")
		member  = flag.Bool("member", false, "join as a member instead of knocking")
	)
	flag.Parse()

	if *groupID == "" {
		return fmt.Errorf("-group is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	local := types.User{
		ID:       uuid.NewString(),
		Name:     *name,
		Language: *lang,
		Voice:    *voice,
	}
	group := types.Group{ID: *groupID, Name: *groupID}
	if *member {
		group.Members = []types.User{local}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busClient := bus.NewClient(bus.Config{
		BaseURL: cfg.RealtimeURL,
		APIKey:  cfg.RealtimeKey,
	})
	if err := busClient.Dial(ctx); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()

	translator := translate.NewClient(translate.Config{
		APIKey:         cfg.AIAPIKey,
		BaseURL:        cfg.AIBaseURL,
		TranslateModel: cfg.TranslateModel,
		SpeechModel:    cfg.SpeechModel,
	})

	queue := playback.NewQueue(&pacedPlayer{})

	var historian call.Historian
	if dataDir, err := cfg.DataPath(); err == nil {
		store, err := history.Open(filepath.Join(dataDir, "history"))
		if err != nil {
			slog.Warn("history unavailable", "error", err)
		} else {
			defer store.Close()
			historian = store
		}
	}

	session, err := call.NewSession(call.Config{
		Local:        local,
		Group:        group,
		Translator:   translator,
		Bus:          &busAdapter{client: busClient},
		Queue:        queue,
		Historian:    historian,
		Detector:     language.NewDetector(),
		DefaultVoice: cfg.DefaultVoice,
		SpeakerOn:    cfg.Preferences.SpeakerOn,
		OnCaption: func(c *types.LiveCaption) {
			if c == nil {
				return
			}
			if c.TranslatedText != "" {
				fmt.Printf("[%s] %s\n      (%s)\n", c.UserID, c.TranslatedText, c.OriginalText)
			} else {
				fmt.Printf("[%s] %s\n", c.UserID, c.OriginalText)
			}
		},
		OnSpeaking: func(userID string) {
			if userID != "" {
				slog.Debug("speaking", "user", userID)
			}
		},
		OnGuests: func(guests []types.User) {
			for _, g := range guests {
				fmt.Printf("* %s wants to join (id %s)\n", g.Name, g.ID)
			}
		},
		OnAdmitted: func() {
			fmt.Println("* admitted to the call")
		},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.End()

	slog.Info("joined", "group", *groupID, "user", local.ID, "language", *lang)
	<-ctx.Done()
	return nil
}

// busAdapter narrows *bus.Client to the session's Bus surface.
type busAdapter struct {
	client *bus.Client
}

func (a *busAdapter) Subscribe(ctx context.Context, groupID string) (<-chan types.Message, error) {
	sub, err := a.client.Subscribe(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return sub.Messages(), nil
}

func (a *busAdapter) Unsubscribe() {
	a.client.Unsubscribe()
}

func (a *busAdapter) Publish(ctx context.Context, msg types.Message) error {
	return a.client.Publish(ctx, msg)
}

// pacedPlayer simulates an audio sink by sleeping for each buffer's
// real duration, so queue pacing behaves as it would against hardware.
type pacedPlayer struct {
	mu   sync.Mutex
	halt chan struct{}
}

func (p *pacedPlayer) Play(buf playback.Buffer, done func()) {
	p.mu.Lock()
	p.halt = make(chan struct{})
	halt := p.halt
	p.mu.Unlock()

	d := time.Duration(float64(len(buf.Samples)) / float64(buf.SampleRate) * float64(time.Second))
	go func() {
		select {
		case <-time.After(d):
			done()
		case <-halt:
		}
	}()
}

func (p *pacedPlayer) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halt != nil {
		close(p.halt)
		p.halt = nil
	}
}
