package captioner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chriskillpack/captioner/internal/prompt"
	"github.com/chriskillpack/captioner/provider"
)

// Settings are the user preferences read before every caption request.
// Field names follow the keys of the settings store.
type Settings struct {
	Provider       provider.Kind `json:"provider"`
	APIKey         string        `json:"apiKey"`
	CustomEndpoint string        `json:"customEndpoint"`
	ModelName      string        `json:"modelName"`

	Tone      provider.Tone `json:"tone"`
	Language  string        `json:"language"`
	MaxTokens int           `json:"maxTokens"`

	UseOnDevice bool `json:"useOnDevice"`
	EnableCache bool `json:"enableCache"`
	SaveHistory bool `json:"saveHistory"`

	EnableKeyword bool   `json:"enableKeyword"`
	Keyword       string `json:"keyword"`

	ExportFormat string `json:"exportFormat"`
}

// DefaultSettings are used for keys that have never been saved.
func DefaultSettings() Settings {
	return Settings{
		Provider:     provider.ModelInference,
		Tone:         provider.Descriptive,
		Language:     prompt.DefaultLanguage,
		MaxTokens:    provider.DefaultMaxTokens,
		EnableCache:  true,
		SaveHistory:  true,
		ExportFormat: "csv",
	}
}

// ResetDefaults are the values restored by a reset. They differ from the
// first-run defaults only in the provider.
func ResetDefaults() Settings {
	s := DefaultSettings()
	s.Provider = provider.ChatCompletion
	return s
}

// ProviderConfig returns the provider selection for a dispatch.
func (s Settings) ProviderConfig() provider.Config {
	return provider.Config{
		Provider:  s.Provider,
		APIKey:    s.APIKey,
		Endpoint:  s.CustomEndpoint,
		ModelName: s.ModelName,
		MaxTokens: s.MaxTokens,
	}
}

// Request returns a caption request for img using the stored preferences.
func (s Settings) Request(img *provider.Image) Request {
	return Request{
		Image:       img,
		Tone:        s.Tone,
		Language:    s.Language,
		Keyword:     s.Keyword,
		UseKeyword:  s.EnableKeyword,
		UseOnDevice: s.UseOnDevice,
		UseCache:    s.EnableCache,
	}
}

// overlay sets the fields present in raw on s. The legacy "endpoint" key is
// accepted when "customEndpoint" is absent. Unknown keys are ignored.
func (s *Settings) overlay(raw map[string]json.RawMessage) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if _, ok := raw["customEndpoint"]; !ok {
		if ep, ok := raw["endpoint"]; ok {
			if err := json.Unmarshal(ep, &s.CustomEndpoint); err != nil {
				return fmt.Errorf("invalid settings: endpoint: %w", err)
			}
		}
	}
	return nil
}

// Merge applies the settings in the JSON object data on top of s, with the
// same key handling as stored settings.
func (s *Settings) Merge(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return s.overlay(raw)
}

// fields returns s as settings store key/value pairs.
func (s Settings) fields() (map[string]json.RawMessage, error) {
	buf, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Settings returns the stored settings with defaults for missing keys.
func (db *DB) Settings(ctx context.Context) (Settings, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Settings{}, err
	}
	defer rows.Close()

	raw := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Settings{}, err
		}
		raw[k] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return Settings{}, err
	}

	s := DefaultSettings()
	if err := s.overlay(raw); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SaveSettings replaces every stored setting with s.
func (db *DB) SaveSettings(ctx context.Context, s Settings) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if err := saveSettings(ctx, txn, s); err != nil {
		return err
	}
	return txn.Commit()
}

func saveSettings(ctx context.Context, txn *sql.Tx, s Settings) error {
	fields, err := s.fields()
	if err != nil {
		return err
	}
	if _, err := txn.ExecContext(ctx, `DELETE FROM settings`); err != nil {
		return err
	}
	for k, v := range fields {
		if _, err := txn.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?,?)`, k, string(v)); err != nil {
			return fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	return nil
}

// ResetSettings stores ResetDefaults and returns them.
func (db *DB) ResetSettings(ctx context.Context) (Settings, error) {
	s := ResetDefaults()
	return s, db.SaveSettings(ctx, s)
}
