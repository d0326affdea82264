// Package web serves the scale's local HTTP surface: the status page, the
// JSON status, Prometheus metrics and the Wi-Fi provisioning portal.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	logger "github.com/sirupsen/logrus"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/kv"
	"github.com/sweeney/smartscale/internal/status"
)

// Options are the server's collaborators. Metrics may be nil.
type Options struct {
	Tracker    *status.Tracker
	State      *appstate.Register
	Store      kv.Store
	Metrics    http.Handler
	Clock      clockwork.Clock
	PortalSSID string
	PortalIdle time.Duration // leave the portal after this long without requests; 0 never
	OnSaved    func()        // called after credentials are stored
}

// Server serves the status page and portal over HTTP.
type Server struct {
	httpServer *http.Server
	opts       Options
	log        *logger.Entry

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates a Server listening on addr.
func New(addr string, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		opts:         opts,
		log:          logger.WithField("component", "web"),
		lastActivity: opts.Clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Get("/portal", s.handlePortal)
	r.Post("/portal/save", s.handleSave)
	r.Post("/save", s.handleSave)

	// OS connectivity probes while the portal is up.
	r.Get("/generate_204", s.noContent)
	r.Get("/gen_204", s.noContent)
	r.Get("/hotspot-detect.html", s.handlePortal)
	r.Get("/ncsi.txt", s.text("Microsoft NCSI"))
	r.Get("/connecttest.txt", s.text("OK"))
	r.Get("/success.txt", s.text("success"))
	r.Get("/fwlink", s.redirect)
	r.NotFound(s.notFound)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugf("%s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) portalActive() bool {
	return s.opts.State != nil && s.opts.State.Has(appstate.APMode)
}

func (s *Server) touch() {
	s.mu.Lock()
	s.lastActivity = s.opts.Clock.Now()
	s.mu.Unlock()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if s.portalActive() {
		s.handlePortal(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, s.opts.Tracker.Snapshot())
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(s.opts.Tracker.Snapshot()))
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	s.touch()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderPortal(w, s.opts.PortalSSID)
}

// handleSave stores Wi-Fi credentials. SSID is required; the password may
// be empty for an open network.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.touch()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad form", http.StatusBadRequest)
		return
	}
	ssid := r.PostForm.Get("ssid")
	pass := r.PostForm.Get("pass")
	if !r.PostForm.Has("ssid") {
		http.Error(w, "Missing ssid", http.StatusBadRequest)
		return
	}
	if ssid == "" {
		http.Error(w, "SSID empty", http.StatusBadRequest)
		return
	}

	if err := s.opts.Store.Save(kv.KeyWiFiSSID, ssid); err != nil {
		s.log.WithError(err).Error("Failed to save wifi_ssid")
		http.Error(w, "Save failed", http.StatusInternalServerError)
		return
	}
	if err := s.opts.Store.Save(kv.KeyWiFiPass, pass); err != nil {
		s.log.WithError(err).Error("Failed to save wifi_pass")
		http.Error(w, "Save failed", http.StatusInternalServerError)
		return
	}
	s.log.Infof("Saved credentials for %q (pass_len=%d)", ssid, len(pass))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Saved. Reconnecting...\n"))
	if s.opts.OnSaved != nil {
		s.opts.OnSaved()
	}
}

func (s *Server) noContent(w http.ResponseWriter, r *http.Request) {
	s.touch()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) text(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.touch()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(body))
	}
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request) {
	s.touch()
	http.Redirect(w, r, "http://"+r.Host+"/", http.StatusFound)
}

// notFound sends captive clients to the form while the portal is up.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	if s.portalActive() {
		s.redirect(w, r)
		return
	}
	http.NotFound(w, r)
}

// WatchPortal leaves the portal after PortalIdle without requests: AP_MODE is
// cleared and the mode set back to WIFI_CONNECTING so the network monitor
// retries the stored credentials.
func (s *Server) WatchPortal(ctx context.Context, interval time.Duration) {
	if s.opts.PortalIdle <= 0 || s.opts.State == nil {
		return
	}
	ticker := s.opts.Clock.NewTicker(interval)
	defer ticker.Stop()

	wasActive := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		active := s.portalActive()
		if active && !wasActive {
			s.touch()
		}
		wasActive = active
		if !active {
			continue
		}

		s.mu.Lock()
		idle := s.opts.Clock.Since(s.lastActivity)
		s.mu.Unlock()
		if idle >= s.opts.PortalIdle {
			s.log.Infof("Portal idle for %v, leaving", idle.Truncate(time.Second))
			s.opts.State.ClearBits(appstate.APMode)
			s.opts.State.SetMode(appstate.ModeWiFiConnecting)
			wasActive = false
		}
	}
}
