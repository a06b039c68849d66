package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"whisper.box/internal/models"
)

// CollectionVersion is the version written into every stored collection.
//
//	1: bare array, confessions may lack expiresAt
//	2: bare array, messages without viewToken, viewed-set as bare id array
//	3: {"version":3,"items":[...]} envelope
const CollectionVersion = 3

type envelope struct {
	Version int             `json:"version"`
	Items   json.RawMessage `json:"items"`
}

// epochMillis is a Unix time in milliseconds. Older releases computed
// expiries as now + hours*3600000 and could store fractional values, so
// decoding accepts any JSON number and truncates it.
type epochMillis int64

func (m *epochMillis) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*m = epochMillis(math.Trunc(f))
	return nil
}

func toMillis(t time.Time) epochMillis { return epochMillis(t.UnixMilli()) }

func (m epochMillis) Time() time.Time { return time.UnixMilli(int64(m)) }

type confessionRecord struct {
	ID        string       `json:"id"`
	Content   string       `json:"content"`
	CreatedAt epochMillis  `json:"createdAt"`
	ExpiresAt *epochMillis `json:"expiresAt,omitempty"`
}

type messageRecord struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	CreatedAt epochMillis `json:"createdAt"`
	ExpiresAt epochMillis `json:"expiresAt"`
	Viewed    bool        `json:"viewed"`
	ViewToken string      `json:"viewToken,omitempty"`
}

type viewedRecord struct {
	ID        string      `json:"id"`
	ViewedAt  epochMillis `json:"viewedAt"`
	ExpiresAt epochMillis `json:"expiresAt"`
}

// unwrap splits a stored blob into its schema version and raw item array.
// Bare arrays are the pre-envelope layout.
func unwrap(blob string) (int, json.RawMessage, error) {
	raw := bytes.TrimSpace([]byte(blob))
	if len(raw) == 0 {
		return 0, nil, fmt.Errorf("%w: empty blob", ErrCorrupt)
	}

	switch raw[0] {
	case '[':
		return 1, raw, nil
	case '{':
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if env.Version < 1 || env.Version > CollectionVersion {
			return 0, nil, fmt.Errorf("%w: unknown version %d", ErrCorrupt, env.Version)
		}
		if len(env.Items) == 0 || string(env.Items) == "null" {
			return env.Version, json.RawMessage("[]"), nil
		}
		return env.Version, env.Items, nil
	default:
		return 0, nil, fmt.Errorf("%w: unexpected leading byte %q", ErrCorrupt, raw[0])
	}
}

func wrap(items any) (string, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(envelope{Version: CollectionVersion, Items: raw})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeConfessions(blob string) ([]models.Confession, error) {
	_, items, err := unwrap(blob)
	if err != nil {
		return nil, err
	}

	var records []confessionRecord
	if err := json.Unmarshal(items, &records); err != nil {
		return nil, fmt.Errorf("%w: confessions: %v", ErrCorrupt, err)
	}

	out := make([]models.Confession, 0, len(records))
	for _, r := range records {
		c := models.Confession{
			ID:        r.ID,
			Content:   r.Content,
			CreatedAt: r.CreatedAt.Time(),
		}
		if r.ExpiresAt != nil {
			at := r.ExpiresAt.Time()
			c.ExpiresAt = &at
		}
		out = append(out, c)
	}
	return out, nil
}

func encodeConfessions(items []models.Confession) (string, error) {
	records := make([]confessionRecord, 0, len(items))
	for _, c := range items {
		r := confessionRecord{
			ID:        c.ID,
			Content:   c.Content,
			CreatedAt: toMillis(c.CreatedAt),
		}
		if c.ExpiresAt != nil {
			at := toMillis(*c.ExpiresAt)
			r.ExpiresAt = &at
		}
		records = append(records, r)
	}
	return wrap(records)
}

func decodeMessages(blob string) ([]models.SecretMessage, error) {
	_, items, err := unwrap(blob)
	if err != nil {
		return nil, err
	}

	var records []messageRecord
	if err := json.Unmarshal(items, &records); err != nil {
		return nil, fmt.Errorf("%w: secret messages: %v", ErrCorrupt, err)
	}

	out := make([]models.SecretMessage, 0, len(records))
	for _, r := range records {
		out = append(out, models.SecretMessage{
			ID:        r.ID,
			Content:   r.Content,
			CreatedAt: r.CreatedAt.Time(),
			ExpiresAt: r.ExpiresAt.Time(),
			Viewed:    r.Viewed,
			ViewToken: r.ViewToken,
		})
	}
	return out, nil
}

func encodeMessages(items []models.SecretMessage) (string, error) {
	records := make([]messageRecord, 0, len(items))
	for _, m := range items {
		records = append(records, messageRecord{
			ID:        m.ID,
			Content:   m.Content,
			CreatedAt: toMillis(m.CreatedAt),
			ExpiresAt: toMillis(m.ExpiresAt),
			Viewed:    m.Viewed,
			ViewToken: m.ViewToken,
		})
	}
	return wrap(records)
}

// decodeViewed reads the viewed-set. Legacy sets are plain id arrays with no
// expiry; those marks get fillExpiry so sweeping can eventually drop them.
func decodeViewed(blob string, fillExpiry time.Time) ([]models.ViewedMark, error) {
	version, items, err := unwrap(blob)
	if err != nil {
		return nil, err
	}

	if version < CollectionVersion {
		var ids []string
		if err := json.Unmarshal(items, &ids); err == nil {
			out := make([]models.ViewedMark, 0, len(ids))
			for _, id := range ids {
				out = append(out, models.ViewedMark{ID: id, ExpiresAt: fillExpiry})
			}
			return out, nil
		}
	}

	var records []viewedRecord
	if err := json.Unmarshal(items, &records); err != nil {
		return nil, fmt.Errorf("%w: viewed set: %v", ErrCorrupt, err)
	}

	out := make([]models.ViewedMark, 0, len(records))
	for _, r := range records {
		mark := models.ViewedMark{
			ID:        r.ID,
			ViewedAt:  r.ViewedAt.Time(),
			ExpiresAt: r.ExpiresAt.Time(),
		}
		if r.ExpiresAt == 0 {
			mark.ExpiresAt = fillExpiry
		}
		out = append(out, mark)
	}
	return out, nil
}

func encodeViewed(items []models.ViewedMark) (string, error) {
	records := make([]viewedRecord, 0, len(items))
	for _, v := range items {
		records = append(records, viewedRecord{
			ID:        v.ID,
			ViewedAt:  toMillis(v.ViewedAt),
			ExpiresAt: toMillis(v.ExpiresAt),
		})
	}
	return wrap(records)
}
