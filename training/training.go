// Package training persists short voice samples plus their transcripts
// to build a per-user dataset for voice model training. Persistence is
// best-effort: failures are parked locally for retry and never surface
// to the conversational pipeline.
package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/panyeroa1/realtime-orbit/audiocodec"
	"github.com/panyeroa1/realtime-orbit/internal/types"
	"github.com/panyeroa1/realtime-orbit/segment"
)

const (
	bucket        = "voice-samples"
	pendingPrefix = "pending/"
)

// DetectStyle classifies transcript text for dataset tagging.
// Multi-line text reads as lyrics; a long run without terminal
// punctuation reads as rap flow.
func DetectStyle(text string) types.SpeechStyle {
	if strings.Contains(text, "\n") {
		return types.StyleSinging
	}
	if len(text) > 50 && !strings.Contains(text, ".") {
		return types.StyleRapping
	}
	return types.StyleSpeaking
}

// Config holds uploader settings.
type Config struct {
	StorageURL string // http(s) endpoint of the storage backend
	APIKey     string
	QueueDir   string // Local directory for the retry queue
}

// Recorder uploads samples and keeps a badger-backed retry queue for
// the ones that fail.
type Recorder struct {
	cfg  Config
	http *http.Client
	db   *badger.DB
}

// pendingSample is a queued upload.
type pendingSample struct {
	UserID    string            `json:"user_id"`
	Text      string            `json:"text"`
	Payload   []byte            `json:"payload"`
	Style     types.SpeechStyle `json:"style"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewRecorder creates a recorder. The retry queue is optional: with an
// empty QueueDir failed uploads are simply dropped.
func NewRecorder(cfg Config) (*Recorder, error) {
	r := &Recorder{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.QueueDir != "" {
		db, err := badger.Open(badger.DefaultOptions(cfg.QueueDir).WithLogger(nil))
		if err != nil {
			return nil, fmt.Errorf("open retry queue: %w", err)
		}
		r.db = db
	}
	return r, nil
}

// Close releases the retry queue.
func (r *Recorder) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Save encodes and uploads one clip with its transcript. All failures
// are swallowed; a failed upload is parked for retry when a queue is
// configured.
func (r *Recorder) Save(ctx context.Context, userID, text string, clip *segment.Clip) {
	payload, err := encodeClip(clip)
	if err != nil {
		slog.Warn("voice sample encode failed", "error", err)
		return
	}

	sample := pendingSample{
		UserID:    userID,
		Text:      text,
		Payload:   payload,
		Style:     DetectStyle(text),
		CreatedAt: time.Now(),
	}
	if err := r.upload(ctx, sample); err != nil {
		slog.Warn("voice sample upload failed, parking", "user", userID, "error", err)
		r.park(sample)
	}
}

// RetryPending re-attempts parked uploads, removing the ones that
// succeed.
func (r *Recorder) RetryPending(ctx context.Context) {
	if r.db == nil {
		return
	}

	type queued struct {
		key    []byte
		sample pendingSample
	}
	var batch []queued

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(pendingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var s pendingSample
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			})
			if err != nil {
				continue
			}
			batch = append(batch, queued{key: item.KeyCopy(nil), sample: s})
		}
		return nil
	})
	if err != nil {
		slog.Warn("scan retry queue", "error", err)
		return
	}

	for _, q := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := r.upload(ctx, q.sample); err != nil {
			continue
		}
		err := r.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(q.key)
		})
		if err != nil {
			slog.Warn("drop uploaded sample", "error", err)
		}
	}
}

// upload stores the audio object, then inserts the metadata row.
func (r *Recorder) upload(ctx context.Context, sample pendingSample) error {
	name := fmt.Sprintf("%s/%d_%s.opus", sample.UserID, sample.CreatedAt.UnixMilli(), uuid.NewString())

	objectURL, err := url.JoinPath(r.cfg.StorageURL, "storage/v1/object", bucket, name)
	if err != nil {
		return fmt.Errorf("build object URL: %w", err)
	}
	if err := r.post(ctx, objectURL, "audio/opus", sample.Payload); err != nil {
		return fmt.Errorf("upload object: %w", err)
	}

	meta := types.VoiceTrainingSample{
		UserID:       sample.UserID,
		OriginalText: sample.Text,
		AudioURL:     objectURL,
		StyleTag:     sample.Style,
		CreatedAt:    sample.CreatedAt,
	}
	body, err := json.Marshal([]types.VoiceTrainingSample{meta})
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	rowURL, err := url.JoinPath(r.cfg.StorageURL, "rest/v1/voice_training_data")
	if err != nil {
		return fmt.Errorf("build metadata URL: %w", err)
	}
	if err := r.post(ctx, rowURL, "application/json", body); err != nil {
		return fmt.Errorf("insert metadata: %w", err)
	}
	return nil
}

func (r *Recorder) post(ctx context.Context, rawURL, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("apikey", r.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: %d - %s", resp.StatusCode, string(data))
	}
	return nil
}

// park stores a failed upload in the retry queue.
func (r *Recorder) park(sample pendingSample) {
	if r.db == nil {
		return
	}
	data, err := json.Marshal(sample)
	if err != nil {
		slog.Warn("marshal pending sample", "error", err)
		return
	}
	key := fmt.Appendf(nil, "%s%020d/%s", pendingPrefix, sample.CreatedAt.UnixMilli(), uuid.NewString())
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		slog.Warn("park pending sample", "error", err)
	}
}

// encodeClip packs a clip into the opus upload payload, resampling to
// the codec rate when the capture rate differs.
func encodeClip(clip *segment.Clip) ([]byte, error) {
	if clip == nil || len(clip.Samples) == 0 {
		return nil, fmt.Errorf("empty clip")
	}
	samples := audiocodec.Resample(clip.Samples, clip.SampleRate, audiocodec.OpusSampleRate)
	enc, err := audiocodec.NewOpusEncoder()
	if err != nil {
		return nil, err
	}
	payload, err := enc.Encode(samples)
	if err != nil {
		return nil, err
	}
	tail, err := enc.Flush()
	if err != nil {
		return nil, err
	}
	return append(payload, tail...), nil
}
