// Package api exposes objects and cluster membership over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/i5heu/ouroboros-ec/internal/clustermap"
	"github.com/i5heu/ouroboros-ec/pkg/model"
)

const (
	maxObjectSize     = 64 << 20
	readHeaderTimeout = 5 * time.Second
)

// Objects is the object front end.
type Objects interface {
	Create(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	SanityCheck(ctx context.Context, key string) (int, error)
}

// Membership reads and changes the cluster.
type Membership interface {
	Cluster() *clustermap.Map
	AddNode(ctx context.Context, addr model.Address) error
	RemoveNode(ctx context.Context, addr model.Address) error
}

type Server struct {
	router  chi.Router
	objects Objects
	members Membership
	log     *slog.Logger
	http    *http.Server
}

type Option func(*Server)

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(objects Objects, members Membership, opts ...Option) *Server { // A
	s := &Server{
		router:  chi.NewRouter(),
		objects: objects,
		members: members,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() { // AC
	s.router.Route("/objects/{key}", func(r chi.Router) {
		r.Put("/", s.handlePutObject)
		r.Get("/", s.handleGetObject)
		r.Get("/sanity", s.handleSanity)
	})
	s.router.Get("/cluster", s.handleCluster)
	s.router.Post("/cluster/nodes", s.handleAddNode)
	s.router.Delete("/cluster/nodes/{address}", s.handleRemoveNode)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,POST,DELETE,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.router.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.http = &http.Server{Handler: s, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "error", err.Error())
		}
	}()
	s.log.Info("http api listening", "address", ln.Addr().String())
	return ln.Addr().String(), nil
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
