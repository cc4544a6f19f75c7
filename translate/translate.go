// Package translate wraps the external translate-and-synthesize call.
// The client is stateless and safe to call concurrently for multiple
// listeners; each listener requests its own translation.
package translate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/panyeroa1/realtime-orbit/internal/types"
)

// DefaultTimeout bounds one translate+synthesize round trip. The
// dispatcher falls back to the original text when it elapses.
const DefaultTimeout = 15 * time.Second

// Result is one translation round trip. AudioData is nil when
// synthesis was skipped or failed; callers show the caption and skip
// playback.
type Result struct {
	TranslatedText string
	AudioData      []byte
}

// Translator is the interface consumed by the dispatcher. Implemented
// by Client and by test doubles.
type Translator interface {
	TranslateAndSpeak(ctx context.Context, text, targetLang string, wantAudio bool, voiceID string) (*Result, error)
}

// Config holds client configuration.
type Config struct {
	APIKey         string
	BaseURL        string // Optional, defaults to the hosted API
	TranslateModel string // Optional, defaults to "gpt-4o-mini"
	SpeechModel    string // Optional, defaults to "tts-1"
	Timeout        time.Duration
}

// Client performs translation and speech synthesis round trips.
type Client struct {
	api            openai.Client
	translateModel string
	speechModel    string
	timeout        time.Duration
}

// NewClient creates a translate client.
func NewClient(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	translateModel := cfg.TranslateModel
	if translateModel == "" {
		translateModel = "gpt-4o-mini"
	}
	speechModel := cfg.SpeechModel
	if speechModel == "" {
		speechModel = "tts-1"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		api:            openai.NewClient(opts...),
		translateModel: translateModel,
		speechModel:    speechModel,
		timeout:        timeout,
	}
}

// TranslateAndSpeak translates text into targetLang and, when wantAudio
// is set, synthesizes it with the given voice. Synthesis failure is
// partial: the translated text is still returned with no audio. Only a
// failed translation returns an error.
func (c *Client) TranslateAndSpeak(ctx context.Context, text, targetLang string, wantAudio bool, voiceID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	translated, err := c.translate(ctx, text, targetLang)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	res := &Result{TranslatedText: translated}
	if !wantAudio {
		return res, nil
	}

	audio, err := c.speak(ctx, translated, voiceID)
	if err != nil {
		// Degrade to text-only rather than failing the whole call.
		slog.Warn("synthesis failed, continuing text-only", "error", err)
		return res, nil
	}
	res.AudioData = audio
	return res, nil
}

func (c *Client) translate(ctx context.Context, text, targetLang string) (string, error) {
	prompt := fmt.Sprintf(
		"Translate the following speech into %s. Reply with the translation only, keeping the speaker's tone.",
		targetLang,
	)

	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.translateModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) speak(ctx context.Context, text, voiceID string) ([]byte, error) {
	resp, err := c.api.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.speechModel),
		Input:          text,
		Voice:          apiVoice(voiceID),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}

// apiVoice maps profile voice names to synthesis API voices. Unknown
// names get the default voice; a participant may carry a voice from a
// roster that has not synced.
func apiVoice(voiceID string) openai.AudioSpeechNewParamsVoice {
	switch voiceID {
	case "Fenrir":
		return openai.AudioSpeechNewParamsVoice("onyx")
	case "Kore":
		return openai.AudioSpeechNewParamsVoice("nova")
	case "Charon":
		return openai.AudioSpeechNewParamsVoiceEcho
	case "Aoede":
		return openai.AudioSpeechNewParamsVoiceShimmer
	case "Puck":
		return openai.AudioSpeechNewParamsVoice("fable")
	default:
		return openai.AudioSpeechNewParamsVoiceAlloy
	}
}

// ToTranslationResult converts a Result for message-scoped callers.
func (r *Result) ToTranslationResult(sourceID string) types.TranslationResult {
	return types.TranslationResult{
		TranslatedText: r.TranslatedText,
		AudioData:      r.AudioData,
		SourceID:       sourceID,
	}
}
