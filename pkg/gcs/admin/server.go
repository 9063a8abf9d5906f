// Package admin exposes the management surface of the channels of a
// process through HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jabolina/go-gcs/pkg/gcs"
	"github.com/jabolina/go-gcs/pkg/gcs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Administrable is a channel that can be managed.
type Administrable interface {
	Name() string
	Status(ctx context.Context) (gcs.Status, error)
	SetPrimary(ctx context.Context) (bool, error)
}

var _ Administrable = (*gcs.Channel)(nil)

// Response of the set primary request.
type PrimaryResponse struct {
	Channel string `json:"channel"`
	Applied bool   `json:"applied"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server holds the registered channels.
type Server struct {
	mutex    *sync.RWMutex
	channels map[string]Administrable
	log      types.Logger
	gatherer prometheus.Gatherer

	// Timeout applied to every call on a channel.
	timeout time.Duration
}

// NewServer creates the admin surface. Metrics are served only when a
// gatherer is given.
func NewServer(log types.Logger, gatherer prometheus.Gatherer) *Server {
	return &Server{
		mutex:    &sync.RWMutex{},
		channels: make(map[string]Administrable),
		log:      log,
		gatherer: gatherer,
		timeout:  5 * time.Second,
	}
}

// Register the channel, replacing any channel with the same name.
func (s *Server) Register(channel Administrable) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.channels[channel.Name()] = channel
}

// Unregister removes the channel.
func (s *Server) Unregister(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.channels, name)
}

func (s *Server) channel(name string) (Administrable, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	c, ok := s.channels[name]
	return c, ok
}

// Handler returns the router with every route.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Methods(http.MethodGet).Path("/channels").Name("ChannelsGet").HandlerFunc(s.list)
	router.Methods(http.MethodGet).Path("/channels/{name}/status").Name("StatusGet").HandlerFunc(s.status)
	router.Methods(http.MethodPost).Path("/channels/{name}/primary").Name("PrimaryPost").HandlerFunc(s.primary)
	if s.gatherer != nil {
		router.Methods(http.MethodGet).Path("/metrics").Name("MetricsGet").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// HTTPServer returns a server listening on the address.
func (s *Server) HTTPServer(address string) *http.Server {
	return &http.Server{
		Addr:         address,
		Handler:      s.Handler(),
		WriteTimeout: time.Second * 15,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	s.mutex.RLock()
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	s.mutex.RUnlock()
	s.write(w, http.StatusOK, names)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	status, err := c.Status(ctx)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.write(w, http.StatusOK, status)
}

func (s *Server) primary(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	applied, err := c.SetPrimary(ctx)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.log.Infof("set primary on %s through admin, applied %v", c.Name(), applied)
	s.write(w, http.StatusOK, PrimaryResponse{Channel: c.Name(), Applied: applied})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Administrable, bool) {
	name := mux.Vars(r)["name"]
	c, ok := s.channel(name)
	if !ok {
		s.write(w, http.StatusNotFound, errorResponse{Error: types.ErrUnknownChannel.Error() + ": " + name})
	}
	return c, ok
}

func (s *Server) failure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, types.ErrClosed) {
		code = http.StatusServiceUnavailable
	}
	s.log.Warnf("admin request failed. %v", err)
	s.write(w, code, errorResponse{Error: err.Error()})
}

func (s *Server) write(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Errorf("failed writing admin response. %v", err)
	}
}
