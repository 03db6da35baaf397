package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/provider"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// maxBodySize fits a base64 encoded image of provider.MaxImageSize.
const maxBodySize = 30 << 20

type Server struct {
	hs     *http.Server
	app    *app
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(a *app, addr string) *Server {
	srv := &Server{
		app:    a,
		logger: a.logger.With().Str("component", "server").Logger(),
		now:    time.Now,
	}

	srv.hs = &http.Server{
		Addr:              addr,
		Handler:           srv.serveHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "ok\n") })

	r.Post("/caption", s.serveCaption())

	r.Route("/history", func(r chi.Router) {
		r.Get("/", s.serveHistory())
		r.Delete("/", s.serveClearHistory())
		r.Get("/export", s.serveExportHistory())
		r.Get("/stats", s.serveHistoryStats())
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.serveSettings())
		r.Put("/", s.serveSaveSettings())
		r.Post("/reset", s.serveResetSettings())
		r.Get("/export", s.serveExportSettings())
		r.Post("/import", s.serveImportSettings())
		r.Post("/test", s.serveTestConnection())
	})

	r.Route("/tabs/{id}", func(r chi.Router) {
		r.Get("/", s.serveTab())
		r.Delete("/", s.serveDetachTab())
		r.Post("/attach", s.serveAttachTab())
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps a caption failure to the HTTP status reported to callers.
func statusOf(code provider.Code) int {
	switch code {
	case provider.MissingCredential, provider.MissingEndpoint, provider.UnknownProvider,
		provider.BadRequest, provider.InvalidImageData:
		return http.StatusBadRequest
	case provider.InvalidCredential:
		return http.StatusUnauthorized
	case provider.InsufficientCredits:
		return http.StatusPaymentRequired
	case provider.AccessDenied:
		return http.StatusForbidden
	case provider.RateLimited:
		return http.StatusTooManyRequests
	case provider.NetworkFailure, provider.AllModelsExhausted, provider.UpstreamFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := provider.CodeOf(err)
	status := statusOf(code)
	if errors.Is(err, captioner.ErrInvalidSnapshot) {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "code": string(provider.BadRequest)})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

type captionRequest struct {
	ImageURL   string        `json:"imageUrl"`
	ImageData  string        `json:"imageData"` // data: URL or bare base64
	PageURL    string        `json:"pageUrl"`
	Tone       provider.Tone `json:"tone"`
	Language   string        `json:"language"`
	Keyword    string        `json:"keyword"`
	Regenerate bool          `json:"regenerate"`
}

type captionResponse struct {
	Caption   string        `json:"caption"`
	Provider  provider.Kind `json:"provider"`
	Tone      provider.Tone `json:"tone"`
	Language  string        `json:"language"`
	Timestamp int64         `json:"timestamp"`
}

func (cr captionRequest) image() (*provider.Image, error) {
	switch {
	case cr.ImageData != "" && strings.HasPrefix(cr.ImageData, "data:"):
		return provider.ImageFromRef(cr.ImageData), nil
	case cr.ImageData != "":
		data, err := base64.StdEncoding.DecodeString(cr.ImageData)
		if err != nil {
			return nil, &provider.Error{Code: provider.InvalidImageData, Message: "malformed base64 image data", Err: err}
		}
		return provider.ImageFromBytes(data), nil
	case cr.ImageURL != "":
		return provider.ImageFromRef(cr.ImageURL), nil
	}
	return nil, provider.Errorf(provider.InvalidImageData, "no image provided")
}

func (s *Server) serveCaption() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cr captionRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&cr); err != nil {
			badRequest(w, fmt.Sprintf("invalid request: %s", err))
			return
		}

		img, err := cr.image()
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		// Uploaded images are recorded under their data URL, as a pasted
		// image would be
		ref := cr.ImageURL
		if ref == "" && strings.HasPrefix(cr.ImageData, "data:") {
			ref = cr.ImageData
		}

		res, err := s.app.caption(r.Context(), img, captionOptions{
			ImageURL:   ref,
			PageURL:    cr.PageURL,
			Regenerate: cr.Regenerate,
			Tone:       cr.Tone,
			Language:   cr.Language,
			Keyword:    cr.Keyword,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, captionResponse{
			Caption:   res.Text,
			Provider:  res.Provider,
			Tone:      res.Tone,
			Language:  res.Language,
			Timestamp: res.Timestamp.UnixMilli(),
		})
	}
}

func (s *Server) serveHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.app.db.SearchHistory(r.Context(), r.URL.Query().Get("q"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) serveClearHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.db.ClearHistory(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) serveExportHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			st, err := s.app.db.Settings(r.Context())
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			format = st.ExportFormat
		}

		var ctype string
		switch format {
		case captioner.FormatCSV:
			ctype = "text/csv; charset=utf-8"
		case captioner.FormatJSON:
			ctype = "application/json"
		default:
			badRequest(w, fmt.Sprintf("unsupported export format %q", format))
			return
		}

		entries, err := s.app.db.History(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", captioner.ExportFilename(format, s.now())))
		if err := captioner.ExportHistory(w, entries, format); err != nil {
			s.logger.Error().Err(err).Msg("history export")
		}
	}
}

func (s *Server) serveHistoryStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.app.db.HistoryStats(r.Context(), s.now())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) serveSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.app.db.Settings(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// serveSaveSettings replaces the stored settings. Keys missing from the body
// take their default values.
func (s *Server) serveSaveSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := captioner.DefaultSettings()
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&st); err != nil {
			badRequest(w, fmt.Sprintf("invalid settings: %s", err))
			return
		}
		if err := s.app.db.SaveSettings(r.Context(), st); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) serveResetSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.app.db.ResetSettings(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) serveExportSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.app.db.ExportSnapshot(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", captioner.SettingsFilename(s.now())))
		w.Write(snap)
	}
}

func (s *Server) serveImportSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readBody(w, r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		if err := s.app.db.ImportSnapshot(r.Context(), data); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// serveTestConnection checks the stored provider settings, with any
// settings in the body applied on top so unsaved changes can be checked.
func (s *Server) serveTestConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := s.app.db.Settings(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		data, err := readBody(w, r)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := st.Merge(data); err != nil {
				badRequest(w, err.Error())
				return
			}
		}

		if err := s.app.cp.TestConnection(r.Context(), st.ProviderConfig()); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (s *Server) serveAttachTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		attached := s.app.tabs.Attach(chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, map[string]bool{"attached": attached})
	}
}

func (s *Server) serveTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"attached": s.app.tabs.Attached(chi.URLParam(r, "id"))})
	}
}

// serveDetachTab forgets a tab that navigated away or closed so the next
// attach injects again.
func (s *Server) serveDetachTab() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.app.tabs.Detach(chi.URLParam(r, "id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *app) runServe(ctx context.Context) error {
	srv := NewServer(a, a.cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", a.cfg.Listen).Msg("listening")
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-drain:
		case <-gctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info().Msg("server stopped")
	return nil
}
