package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/provider"
	"github.com/tidwall/gjson"
)

var stdout io.Writer = os.Stdout

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// imageFromArg returns the image named by arg, a URL or a local file, and
// the reference recorded in history for it.
func imageFromArg(arg string) (*provider.Image, string, error) {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") || strings.HasPrefix(arg, "data:") {
		return provider.ImageFromRef(arg), arg, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		abs = arg
	}
	return provider.ImageFromBytes(data), "file://" + filepath.ToSlash(abs), nil
}

func (a *app) runCaption(ctx context.Context, args []string) error {
	fs := newFlagSet("caption")
	tone := fs.String("tone", "", "Caption tone: descriptive, funny, professional or seo")
	lang := fs.String("lang", "", "Caption language code")
	keyword := fs.String("keyword", "", "Keyword to include in the caption")
	page := fs.String("page", "", "URL of the page the image came from")
	regenerate := fs.Bool("regenerate", false, "Ignore cached captions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errUsage
	}

	img, ref, err := imageFromArg(fs.Arg(0))
	if err != nil {
		return err
	}
	res, err := a.caption(ctx, img, captionOptions{
		ImageURL:   ref,
		PageURL:    *page,
		Regenerate: *regenerate,
		Tone:       provider.Tone(*tone),
		Language:   *lang,
		Keyword:    *keyword,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, res.Text)
	return nil
}

func (a *app) runHistory(ctx context.Context, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "clear":
			if err := a.db.ClearHistory(ctx); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "History cleared successfully!")
			return nil
		case "stats":
			stats, err := a.db.HistoryStats(ctx, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Today: %d\nTotal: %d\n", stats.Today, stats.Total)
			return nil
		}
	}

	fs := newFlagSet("history")
	term := fs.String("q", "", "Only show captions containing this text")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := a.db.SearchHistory(ctx, *term)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%s  %-12s %-6s %s\n", e.Timestamp.Local().Format(time.DateTime), e.Tone, e.Language, e.Caption)
		if e.ImageURL != "" {
			fmt.Fprintf(stdout, "    %s\n", e.ImageURL)
		}
	}
	return nil
}

// createOutput opens name for writing, or stdout for "-".
func createOutput(name string) (io.WriteCloser, error) {
	if name == "-" {
		return nopCloser{stdout}, nil
	}
	return os.Create(name)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func (a *app) runExport(ctx context.Context, args []string) error {
	fs := newFlagSet("export")
	format := fs.String("format", "", "Export format, csv or json. Defaults to the exportFormat setting")
	out := fs.String("o", "", "Output file, - for stdout. Defaults to a dated file name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *format == "" {
		s, err := a.db.Settings(ctx)
		if err != nil {
			return err
		}
		*format = s.ExportFormat
	}
	if *out == "" {
		*out = captioner.ExportFilename(*format, time.Now())
	}

	entries, err := a.db.History(ctx)
	if err != nil {
		return err
	}
	w, err := createOutput(*out)
	if err != nil {
		return err
	}
	if err := captioner.ExportHistory(w, entries, *format); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	if *out != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d captions to %s\n", len(entries), *out)
	}
	return nil
}

func (a *app) runImport(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if err := a.db.ImportSnapshot(ctx, data); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Settings imported successfully!")
	return nil
}

func (a *app) runSettings(ctx context.Context, args []string) error {
	sub := ""
	if len(args) > 0 {
		sub, args = args[0], args[1:]
	}

	switch sub {
	case "":
		s, err := a.db.Settings(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)

	case "set":
		if len(args) == 0 {
			return errUsage
		}
		update, err := settingsUpdate(args)
		if err != nil {
			return err
		}
		if err := a.db.ImportSnapshot(ctx, update); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Settings saved successfully!")
		return nil

	case "reset":
		if _, err := a.db.ResetSettings(ctx); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Settings reset to defaults")
		return nil

	case "test":
		s, err := a.db.Settings(ctx)
		if err != nil {
			return err
		}
		if err := a.cp.TestConnection(ctx, s.ProviderConfig()); err != nil {
			return fmt.Errorf("Connection failed: %w", err)
		}
		fmt.Fprintln(stdout, "API connection successful!")
		return nil

	case "export":
		fs := newFlagSet("settings export")
		out := fs.String("o", "", "Output file, - for stdout. Defaults to a dated file name")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *out == "" {
			*out = captioner.SettingsFilename(time.Now())
		}

		snap, err := a.db.ExportSnapshot(ctx)
		if err != nil {
			return err
		}
		w, err := createOutput(*out)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", snap); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}
	return errUsage
}

// settingsUpdate turns key=value arguments into a settings object. Values of
// string settings are taken literally, others must be JSON literals.
func settingsUpdate(args []string) ([]byte, error) {
	defaults, err := json.Marshal(captioner.DefaultSettings())
	if err != nil {
		return nil, err
	}

	update := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		field := gjson.GetBytes(defaults, key)
		if !field.Exists() {
			return nil, fmt.Errorf("unknown setting %q", key)
		}

		if field.Type == gjson.String {
			raw, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			update[key] = raw
			continue
		}
		if !gjson.Valid(value) {
			return nil, fmt.Errorf("setting %s: invalid value %q", key, value)
		}
		update[key] = json.RawMessage(value)
	}
	return json.Marshal(update)
}
