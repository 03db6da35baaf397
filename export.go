package captioner

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chriskillpack/captioner/provider"
	"github.com/tidwall/gjson"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// historyKey holds the history inside a settings snapshot.
const historyKey = "captionHistory"

var ErrInvalidSnapshot = errors.New("invalid settings file format")

type historyJSON struct {
	ID        string        `json:"id"`
	ImageURL  string        `json:"imageUrl"`
	Caption   string        `json:"caption"`
	Tone      provider.Tone `json:"tone"`
	Language  string        `json:"language"`
	PageURL   string        `json:"pageUrl"`
	Provider  provider.Kind `json:"provider,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

func (e HistoryEntry) MarshalJSON() ([]byte, error) {
	var ms int64
	if !e.Timestamp.IsZero() {
		ms = e.Timestamp.UnixMilli()
	}
	return json.Marshal(historyJSON{
		ID:        e.ID,
		ImageURL:  e.ImageURL,
		Caption:   e.Caption,
		Tone:      e.Tone,
		Language:  e.Language,
		PageURL:   e.PageURL,
		Provider:  e.Provider,
		Timestamp: ms,
	})
}

func (e *HistoryEntry) UnmarshalJSON(b []byte) error {
	var h historyJSON
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}
	*e = HistoryEntry{
		ID:       h.ID,
		ImageURL: h.ImageURL,
		Caption:  h.Caption,
		Tone:     h.Tone,
		Language: h.Language,
		PageURL:  h.PageURL,
		Provider: h.Provider,
	}
	if h.Timestamp != 0 {
		e.Timestamp = time.UnixMilli(h.Timestamp).UTC()
	}
	return nil
}

// ExportFilename returns the download name for a history export made at now.
func ExportFilename(format string, now time.Time) string {
	return fmt.Sprintf("image-captions-%s.%s", now.UTC().Format(time.DateOnly), format)
}

// SettingsFilename returns the download name for a settings snapshot.
func SettingsFilename(now time.Time) string {
	return fmt.Sprintf("ai-caption-generator-settings-%s.json", now.UTC().Format(time.DateOnly))
}

// ExportHistory writes entries to w as CSV or pretty-printed JSON.
func ExportHistory(w io.Writer, entries []HistoryEntry, format string) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, entries)
	case FormatJSON:
		if entries == nil {
			entries = []HistoryEntry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

func writeCSV(w io.Writer, entries []HistoryEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Timestamp", "Image URL", "Caption", "Tone", "Language", "Page URL"}); err != nil {
		return err
	}
	for _, e := range entries {
		rec := []string{
			e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
			e.ImageURL,
			e.Caption,
			string(e.Tone),
			e.Language,
			e.PageURL,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportSnapshot returns the stored settings and history as one JSON object:
// the settings keys plus captionHistory.
func (db *DB) ExportSnapshot(ctx context.Context) ([]byte, error) {
	s, err := db.Settings(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := db.History(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := s.fields()
	if err != nil {
		return nil, err
	}
	hist, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	snap[historyKey] = hist

	return json.MarshalIndent(snap, "", "  ")
}

// ImportSnapshot restores data produced by ExportSnapshot. data may also be a
// bare history array. Settings keys present in data replace the stored ones;
// a history, when present, replaces the stored history.
func (db *DB) ImportSnapshot(ctx context.Context, data []byte) error {
	if !gjson.ValidBytes(data) {
		return ErrInvalidSnapshot
	}

	var (
		raw     map[string]json.RawMessage
		entries []HistoryEntry
		hasHist bool
	)
	switch root := gjson.ParseBytes(data); {
	case root.IsArray():
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		hasHist = true
	case root.IsObject():
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
		}
		if h, ok := raw[historyKey]; ok && gjson.ParseBytes(h).IsArray() {
			if err := json.Unmarshal(h, &entries); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidSnapshot, historyKey, err)
			}
			hasHist = true
		}
		delete(raw, historyKey)
	default:
		return ErrInvalidSnapshot
	}

	var s Settings
	if len(raw) > 0 {
		var err error
		if s, err = db.Settings(ctx); err != nil {
			return err
		}
		if err := s.overlay(raw); err != nil {
			return err
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if len(raw) > 0 {
		if err := saveSettings(ctx, txn, s); err != nil {
			return err
		}
	}
	if hasHist {
		if err := db.replaceHistory(ctx, txn, entries); err != nil {
			return err
		}
	}
	return txn.Commit()
}
