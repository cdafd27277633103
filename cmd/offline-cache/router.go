package main

import (
	"encoding/json"
	"net/http"
	"net/url"

	offline "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// controlPrefix is the path prefix of the host event endpoints.
const controlPrefix = "/_offline"

type server struct {
	dispatcher *offline.Dispatcher
	sync       *offline.SyncCoordinator
	lifecycle  *offline.Lifecycle
	queue      *queue.Queue
	metrics    *offline.Metrics
	gatherer   prometheus.Gatherer
	origin     *url.URL
	precache   []string
}

// router returns the handler serving host events under the control prefix
// and dispatching everything else.
func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Route(controlPrefix, func(r chi.Router) {
		r.Post("/install", s.install)
		r.Post("/activate", s.activate)
		r.Post("/sync/{tag}", s.syncSignal)
		r.Post("/online", s.online)
		r.Get("/queue", s.pending)
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.NotFound(s.dispatcher.ServeHTTP)
	r.MethodNotAllowed(s.dispatcher.ServeHTTP)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func (s *server) install(w http.ResponseWriter, r *http.Request) {
	stored, err := s.lifecycle.Install(r.Context(), s.origin, s.precache)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"stored": stored})
}

func (s *server) activate(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.lifecycle.Activate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
}

func (s *server) syncSignal(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	done, err := s.sync.OnBackgroundRetrySignal(r.Context(), tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": tag, "done": done})
}

func (s *server) online(w http.ResponseWriter, r *http.Request) {
	result, err := s.sync.OnConnectivityRestored(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"delivered": result.Delivered,
		"remaining": result.Remaining,
		"complete":  result.Complete(),
	}
	if result.Failed != nil {
		body["failed"] = result.Failed.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) pending(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Len(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.SetPending(n)
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}
