package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"whisper.box/internal/models"
	"whisper.box/internal/token"
)

// Storage keys. The first two match the names used by earlier releases so
// existing data is picked up and migrated in place.
const (
	KeyConfessions = "confessions"
	KeyMessages    = "secret_messages"
	KeyViewed      = "viewed_messages"
)

const (
	DefaultConfessionTTL    = 24 * time.Hour
	DefaultMaxMessageExpiry = 168 * time.Hour
)

type Options struct {
	// ConfessionTTL is the fixed visibility window of a confession.
	ConfessionTTL time.Duration
	// MaxMessageExpiry bounds how long a legacy viewed mark without its own
	// expiry is remembered.
	MaxMessageExpiry time.Duration
	Logger           *slog.Logger
	Now              func() time.Time
}

// LocalStore owns the confession and secret message collections. Every
// operation re-reads the backend under mu, so no snapshot outlives a call.
type LocalStore struct {
	backend          Backend
	logger           *slog.Logger
	now              func() time.Time
	confessionTTL    time.Duration
	maxMessageExpiry time.Duration

	mu sync.Mutex
}

// SweepStats counts what a sweep removed.
type SweepStats struct {
	Confessions int
	Messages    int
	Viewed      int
}

func (s SweepStats) Total() int { return s.Confessions + s.Messages + s.Viewed }

func NewLocalStore(backend Backend, opts Options) *LocalStore {
	if opts.ConfessionTTL <= 0 {
		opts.ConfessionTTL = DefaultConfessionTTL
	}
	if opts.MaxMessageExpiry <= 0 {
		opts.MaxMessageExpiry = DefaultMaxMessageExpiry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LocalStore{
		backend:          backend,
		logger:           opts.Logger,
		now:              opts.Now,
		confessionTTL:    opts.ConfessionTTL,
		maxMessageExpiry: opts.MaxMessageExpiry,
	}
}

// ListConfessions returns every visible confession, newest first.
// ListConfessions returns the visible confessions, newest first. A failed
// read yields an empty list.
func (s *LocalStore) ListConfessions(ctx context.Context) []models.Confession {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, _, err := s.pruneConfessions(ctx, s.clock())
	if err != nil {
		s.logger.Warn("listing confessions", slog.Any("error", err))
		return nil
	}
	return live
}

func (s *LocalStore) AddConfession(ctx context.Context, content string) (models.Confession, error) {
	if strings.TrimSpace(content) == "" {
		return models.Confession{}, fmt.Errorf("%w: content is empty", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	expiresAt := truncate(now.Add(s.confessionTTL))
	c := models.Confession{
		ID:        token.NewID(),
		Content:   content,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}

	live, _, err := s.pruneConfessions(ctx, now)
	if err != nil {
		return models.Confession{}, fmt.Errorf("%w: add confession: %v", ErrStorage, err)
	}
	if err := s.saveConfessions(ctx, append([]models.Confession{c}, live...)); err != nil {
		return models.Confession{}, fmt.Errorf("%w: add confession: %v", ErrStorage, err)
	}

	s.logger.Debug("confession added", slog.String("id", c.ID))
	return c, nil
}

// ListSecretMessages returns every message that is neither expired nor
// revealed. A failed read yields an empty list.
func (s *LocalStore) ListSecretMessages(ctx context.Context) []models.SecretMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, live, err := s.pruneSecrets(ctx, s.clock())
	if err != nil {
		s.logger.Warn("listing secret messages", slog.Any("error", err))
		return nil
	}
	return live
}

// GetSecretMessage looks up id without consuming it. A message this client
// already revealed comes back with Viewed set and no content. A failed read
// reports the message as absent.
func (s *LocalStore) GetSecretMessage(ctx context.Context, id string) (models.SecretMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marks, live, err := s.pruneSecrets(ctx, s.clock())
	if err != nil {
		s.logger.Warn("looking up secret message", slog.Any("error", err))
		return models.SecretMessage{}, false
	}
	if mark, ok := findMark(marks, id); ok {
		return viewedResult(mark), true
	}
	for _, m := range live {
		if m.ID == id {
			return m, true
		}
	}
	return models.SecretMessage{}, false
}

func (s *LocalStore) CreateSecretMessage(ctx context.Context, content string, expiry time.Duration) (models.SecretMessage, error) {
	if strings.TrimSpace(content) == "" {
		return models.SecretMessage{}, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	if expiry <= 0 {
		return models.SecretMessage{}, fmt.Errorf("%w: expiry must be positive, got %s", ErrValidation, expiry)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	m := models.SecretMessage{
		ID:        token.NewID(),
		Content:   content,
		CreatedAt: now,
		ExpiresAt: truncate(now.Add(expiry)),
		ViewToken: token.NewViewToken(),
	}

	_, live, err := s.pruneSecrets(ctx, now)
	if err != nil {
		return models.SecretMessage{}, fmt.Errorf("%w: create secret message: %v", ErrStorage, err)
	}
	if err := s.saveMessages(ctx, append([]models.SecretMessage{m}, live...)); err != nil {
		return models.SecretMessage{}, fmt.Errorf("%w: create secret message: %v", ErrStorage, err)
	}

	// The id is the read capability and stays out of the logs.
	s.logger.Debug("secret message created", slog.Time("expires_at", m.ExpiresAt))
	return m, nil
}

// RevealSecretMessage consumes id. The first call returns the content with
// Viewed set; later calls return a content-less Viewed result. ok is false
// when the message never existed or has expired.
//
// Once the viewed mark is written the reveal stands, even if ctx is
// cancelled before the row itself is removed. Nothing is written unless both
// collections were read successfully.
func (s *LocalStore) RevealSecretMessage(ctx context.Context, id string) (models.SecretMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	marks, live, err := s.pruneSecrets(ctx, now)
	if err != nil {
		return models.SecretMessage{}, false, fmt.Errorf("%w: reveal: %v", ErrStorage, err)
	}
	if mark, found := findMark(marks, id); found {
		return viewedResult(mark), true, nil
	}

	idx := -1
	for i, m := range live {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return models.SecretMessage{}, false, nil
	}

	msg := live[idx]
	wctx := context.WithoutCancel(ctx)

	mark := models.ViewedMark{ID: msg.ID, ViewedAt: now, ExpiresAt: msg.ExpiresAt}
	if err := s.saveViewed(wctx, append(marks, mark)); err != nil {
		return models.SecretMessage{}, false, fmt.Errorf("%w: record reveal: %v", ErrStorage, err)
	}

	rest := make([]models.SecretMessage, 0, len(live)-1)
	rest = append(rest, live[:idx]...)
	rest = append(rest, live[idx+1:]...)
	if err := s.saveMessages(wctx, rest); err != nil {
		// The mark already hides the row; the next successful write drops it.
		s.logger.Error("failed to remove revealed message", slog.Any("error", err))
	}

	s.logger.Info("secret message revealed")
	msg.Viewed = true
	return msg, true, nil
}

// SweepExpired drops every expired confession, message and viewed mark.
// Collections with nothing to drop, or that could not be read, are not
// rewritten.
func (s *LocalStore) SweepExpired(ctx context.Context) SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var stats SweepStats
	marks, n, err := s.pruneViewed(ctx, now)
	if err != nil {
		s.logger.Warn("sweeping viewed set", slog.Any("error", err))
	} else {
		stats.Viewed = n
		if _, n, err := s.pruneMessages(ctx, now, viewedIDs(marks)); err != nil {
			s.logger.Warn("sweeping secret messages", slog.Any("error", err))
		} else {
			stats.Messages = n
		}
	}
	if _, n, err := s.pruneConfessions(ctx, now); err != nil {
		s.logger.Warn("sweeping confessions", slog.Any("error", err))
	} else {
		stats.Confessions = n
	}

	if stats.Total() > 0 {
		s.logger.Debug("swept expired records",
			slog.Int("confessions", stats.Confessions),
			slog.Int("messages", stats.Messages),
			slog.Int("viewed", stats.Viewed),
		)
	}
	return stats
}

func (s *LocalStore) clock() time.Time {
	return truncate(s.now())
}

// truncate drops sub-millisecond precision so values survive the epoch-ms
// persisted form unchanged.
func truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

// pruneConfessions loads confessions, writes back the visible subset if any
// were expired, and returns it with the number removed. A read failure
// returns the error and writes nothing.
func (s *LocalStore) pruneConfessions(ctx context.Context, now time.Time) ([]models.Confession, int, error) {
	all, err := s.loadConfessions(ctx)
	if err != nil {
		return nil, 0, err
	}
	live := make([]models.Confession, 0, len(all))
	for _, c := range all {
		if !c.Expired(now) {
			live = append(live, c)
		}
	}

	removed := len(all) - len(live)
	if removed > 0 {
		if err := s.saveConfessions(ctx, live); err != nil {
			s.logger.Warn("failed to persist pruned confessions", slog.Any("error", err))
		}
	}
	return live, removed, nil
}

// pruneSecrets prunes the viewed-set and then the messages it hides.
func (s *LocalStore) pruneSecrets(ctx context.Context, now time.Time) ([]models.ViewedMark, []models.SecretMessage, error) {
	marks, _, err := s.pruneViewed(ctx, now)
	if err != nil {
		return nil, nil, err
	}
	live, _, err := s.pruneMessages(ctx, now, viewedIDs(marks))
	if err != nil {
		return nil, nil, err
	}
	return marks, live, nil
}

// pruneMessages drops expired messages and any the viewed-set already covers.
func (s *LocalStore) pruneMessages(ctx context.Context, now time.Time, viewed map[string]struct{}) ([]models.SecretMessage, int, error) {
	all, err := s.loadMessages(ctx)
	if err != nil {
		return nil, 0, err
	}
	live := make([]models.SecretMessage, 0, len(all))
	for _, m := range all {
		if m.Expired(now) {
			continue
		}
		if _, gone := viewed[m.ID]; gone {
			continue
		}
		live = append(live, m)
	}

	removed := len(all) - len(live)
	if removed > 0 {
		if err := s.saveMessages(ctx, live); err != nil {
			s.logger.Warn("failed to persist pruned secret messages", slog.Any("error", err))
		}
	}
	return live, removed, nil
}

func (s *LocalStore) pruneViewed(ctx context.Context, now time.Time) ([]models.ViewedMark, int, error) {
	all, err := s.loadViewed(ctx, now)
	if err != nil {
		return nil, 0, err
	}
	live := make([]models.ViewedMark, 0, len(all))
	for _, v := range all {
		if !v.Expired(now) {
			live = append(live, v)
		}
	}

	removed := len(all) - len(live)
	if removed > 0 {
		if err := s.saveViewed(ctx, live); err != nil {
			s.logger.Warn("failed to persist pruned viewed set", slog.Any("error", err))
		}
	}
	return live, removed, nil
}

// The load functions return an error only when the backend read fails. A
// corrupt blob is logged and loads as empty so the next write replaces it.

func (s *LocalStore) loadConfessions(ctx context.Context) ([]models.Confession, error) {
	blob, ok, err := s.read(ctx, KeyConfessions)
	if err != nil || !ok {
		return nil, err
	}
	items, err := decodeConfessions(blob)
	if err != nil {
		s.warnCorrupt(KeyConfessions, err)
		return nil, nil
	}
	return items, nil
}

func (s *LocalStore) loadMessages(ctx context.Context) ([]models.SecretMessage, error) {
	blob, ok, err := s.read(ctx, KeyMessages)
	if err != nil || !ok {
		return nil, err
	}
	items, err := decodeMessages(blob)
	if err != nil {
		s.warnCorrupt(KeyMessages, err)
		return nil, nil
	}
	return items, nil
}

func (s *LocalStore) loadViewed(ctx context.Context, now time.Time) ([]models.ViewedMark, error) {
	blob, ok, err := s.read(ctx, KeyViewed)
	if err != nil || !ok {
		return nil, err
	}
	items, err := decodeViewed(blob, now.Add(s.maxMessageExpiry))
	if err != nil {
		s.warnCorrupt(KeyViewed, err)
		return nil, nil
	}
	return items, nil
}

func (s *LocalStore) read(ctx context.Context, key string) (string, bool, error) {
	blob, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return blob, ok, nil
}

func (s *LocalStore) warnCorrupt(key string, err error) {
	if errors.Is(err, ErrCorrupt) {
		s.logger.Warn("discarding unreadable collection", slog.String("key", key), slog.Any("error", err))
		return
	}
	s.logger.Error("decoding collection", slog.String("key", key), slog.Any("error", err))
}

func (s *LocalStore) saveConfessions(ctx context.Context, items []models.Confession) error {
	blob, err := encodeConfessions(items)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, KeyConfessions, blob)
}

func (s *LocalStore) saveMessages(ctx context.Context, items []models.SecretMessage) error {
	blob, err := encodeMessages(items)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, KeyMessages, blob)
}

func (s *LocalStore) saveViewed(ctx context.Context, items []models.ViewedMark) error {
	blob, err := encodeViewed(items)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, KeyViewed, blob)
}

func viewedIDs(marks []models.ViewedMark) map[string]struct{} {
	ids := make(map[string]struct{}, len(marks))
	for _, m := range marks {
		ids[m.ID] = struct{}{}
	}
	return ids
}

func findMark(marks []models.ViewedMark, id string) (models.ViewedMark, bool) {
	for _, m := range marks {
		if m.ID == id {
			return m, true
		}
	}
	return models.ViewedMark{}, false
}

func viewedResult(mark models.ViewedMark) models.SecretMessage {
	return models.SecretMessage{
		ID:        mark.ID,
		ExpiresAt: mark.ExpiresAt,
		Viewed:    true,
	}
}
