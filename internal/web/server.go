// Package web serves the customer-facing pairing page: the connect page
// itself, the QR status poller, a server-side QR PNG fallback, and the bot
// profile card. Every response is uncacheable — tokens are short-lived and a
// cached page would outlive its link.
package web

import (
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/pairlink/pairlink/internal/evolution"
	"github.com/pairlink/pairlink/internal/links"
)

//go:embed templates/*.html
var templateFS embed.FS

// qrPNGSize is the pixel size of server-rendered QR images.
const qrPNGSize = 320

// StatusGateway is the slice of the provider client the front-end needs.
type StatusGateway interface {
	FetchStatus(ctx context.Context, instance, apiKey string) evolution.QRStatus
	FetchProfile(ctx context.Context, apiKey string) (evolution.Profile, error)
	FetchImage(ctx context.Context, url string) (io.ReadCloser, string, error)
}

// Server is the pairing front-end.
type Server struct {
	links     *links.Service
	gateway   StatusGateway
	templates *template.Template
	httpSrv   *http.Server
}

// NewServer builds the front-end bound to listen.
func NewServer(listen string, linkSvc *links.Service, gateway StatusGateway) *Server {
	s := &Server{
		links:     linkSvc,
		gateway:   gateway,
		templates: template.Must(template.ParseFS(templateFS, "templates/*.html")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleConnectPage)
	mux.HandleFunc("GET /api/qr-status", s.handleQRStatus)
	mux.HandleFunc("GET /api/qr-png", s.handleQRPNG)
	mux.HandleFunc("GET /api/profile", s.handleProfile)
	mux.HandleFunc("GET /api/profile-photo", s.handleProfilePhoto)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpSrv = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	slog.Info("pairing front-end listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleConnectPage renders the pairing page when the token validates and a
// generic invalid-link page otherwise.
func (s *Server) handleConnectPage(w http.ResponseWriter, r *http.Request) {
	noStore(w)
	token := r.URL.Query().Get("t")
	if _, ok := s.links.ValidateToken(r.Context(), token); !ok {
		w.WriteHeader(http.StatusNotFound)
		s.render(w, "invalid.html", nil)
		return
	}
	s.render(w, "connect.html", map[string]string{"Token": token})
}

// handleQRStatus reports the live connect status for the page's poller. An
// invalid token still answers 200 so the page can render the expired state.
func (s *Server) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	payload, ok := s.links.ValidateToken(r.Context(), token)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "invalid",
			"message": "Link invalid or expired",
		})
		return
	}

	status := s.gateway.FetchStatus(r.Context(), payload.Instance, payload.APIKey)
	if status.Kind == evolution.StatusConnected {
		// The device just paired; close the link's exposure window.
		s.links.ShortenAfterConnected(r.Context(), token, links.DefaultConnectedTTL)
	}
	writeJSON(w, http.StatusOK, status)
}

// handleQRPNG serves the QR as a PNG: image payloads are decoded and passed
// through, textual codes are rendered server-side.
func (s *Server) handleQRPNG(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("t")
	payload, ok := s.links.ValidateToken(r.Context(), token)
	if !ok {
		http.Error(w, "link invalid or expired", http.StatusNotFound)
		return
	}

	status := s.gateway.FetchStatus(r.Context(), payload.Instance, payload.APIKey)
	if status.Kind != evolution.StatusQRCode || status.QRCode == "" {
		http.Error(w, "QR unavailable", http.StatusNotFound)
		return
	}

	if raw, ok := decodeImagePayload(status.QRCode); ok {
		noStore(w)
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
		return
	}

	png, err := qrcode.Encode(strings.TrimSpace(status.QRCode), qrcode.Medium, qrPNGSize)
	if err != nil {
		slog.Warn("qr render failed", "instance", payload.Instance, "error", err)
		http.Error(w, "QR render failed", http.StatusBadGateway)
		return
	}
	noStore(w)
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// handleProfile returns the bot's profile card for the pairing page.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.links.ValidateToken(r.Context(), r.URL.Query().Get("t"))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "message": "Link invalid or expired"})
		return
	}

	profile, err := s.gateway.FetchProfile(r.Context(), payload.APIKey)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "message": "Profile unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"profile": map[string]interface{}{
			"profileName": profile.ProfileName,
			"name":        profile.Name,
			"number":      profile.Number,
			"hasPhoto":    profile.ProfilePicURL != "",
		},
	})
}

// handleProfilePhoto proxies the bot's avatar so the page never talks to the
// CDN directly.
func (s *Server) handleProfilePhoto(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.links.ValidateToken(r.Context(), r.URL.Query().Get("t"))
	if !ok {
		http.Error(w, "link invalid or expired", http.StatusNotFound)
		return
	}

	profile, err := s.gateway.FetchProfile(r.Context(), payload.APIKey)
	if err != nil || profile.ProfilePicURL == "" {
		http.Error(w, "no profile photo", http.StatusNotFound)
		return
	}

	body, contentType, err := s.gateway.FetchImage(r.Context(), profile.ProfilePicURL)
	if err != nil {
		http.Error(w, "photo unavailable", http.StatusBadGateway)
		return
	}
	defer body.Close()

	noStore(w)
	w.Header().Set("Content-Type", contentType)
	io.Copy(w, body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) render(w http.ResponseWriter, name string, data interface{}) {
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("template render failed", "template", name, "error", err)
	}
}

// decodeImagePayload turns a data-URL or bare base64 PNG into raw bytes.
func decodeImagePayload(qr string) ([]byte, bool) {
	b64 := ""
	switch {
	case strings.HasPrefix(qr, "data:image/"):
		_, after, found := strings.Cut(qr, ",")
		if !found {
			return nil, false
		}
		b64 = after
	case len(qr) > 100 && strings.HasPrefix(qr, "iVBOR"):
		b64 = qr
	default:
		return nil, false
	}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	noStore(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
