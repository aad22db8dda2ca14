// Package api provides rest server for feeds, follow toggles and post writes
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/didip/tollbooth"
	"github.com/didip/tollbooth_chi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"golang.org/x/net/html"

	"github.com/umputun/feed-engine/app/feed"
	"github.com/umputun/feed-engine/app/proc"
	"github.com/umputun/feed-engine/app/store"
)

// Server provides HTTP API
type Server struct {
	Version    string
	Conf       *proc.Conf
	Store      store.Engine
	Resolver   *feed.Resolver
	Cache      *feed.Cache
	AuthHeader string  // header with authenticated username, set by auth proxy
	WriteLimit float64 // max write requests per second per client

	httpServer *http.Server
	lock       sync.Mutex
}

var errNotOwner = errors.New("not an owner")

type contextKey string

const viewerKey contextKey = "viewer"

var textPolicy = bluemonday.StrictPolicy()

// Run the listener and request's router, activate rest server. Blocks until ctx canceled.
func (s *Server) Run(ctx context.Context, port int) error {
	log.Printf("[INFO] activate rest server on :%d", port)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		s.lock.Lock()
		defer s.lock.Unlock()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] rest shutdown error, %s", err)
		}
		log.Print("[INFO] shutdown rest server completed")
	}()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "rest server failed")
}

func (s *Server) routes() chi.Router {
	if s.AuthHeader == "" {
		s.AuthHeader = "X-Auth-User"
	}
	if s.WriteLimit == 0 {
		s.WriteLimit = 10
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP, middleware.Recoverer)
	router.Use(rest.AppInfo("feed-engine", "umputun", s.Version), rest.Ping)
	router.Use(logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler)
	router.Use(s.viewer)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/feed", s.getGlobalFeedCtrl)
		r.Get("/groups", s.listGroupsCtrl)
		r.Get("/group/{slug}", s.getGroupFeedCtrl)
		r.Get("/profile/{username}", s.getProfileFeedCtrl)
		r.Get("/post/{id}", s.getPostCtrl)

		r.Group(func(r chi.Router) {
			r.Use(s.authRequired)
			r.Get("/follow", s.getFollowFeedCtrl)

			r.Group(func(r chi.Router) {
				r.Use(tollbooth_chi.LimitHandler(tollbooth.NewLimiter(s.WriteLimit, nil)))
				r.Post("/profile/{username}/follow", s.followCtrl)
				r.Post("/profile/{username}/unfollow", s.unfollowCtrl)
				r.Post("/post", s.createPostCtrl)
				r.Put("/post/{id}", s.editPostCtrl)
				r.Post("/post/{id}/comment", s.addCommentCtrl)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.authRequired, s.adminOnly)
			r.Delete("/post/{id}", s.deletePostCtrl)
			r.Post("/group", s.createGroupCtrl)
			r.Post("/cache/clear", s.clearCacheCtrl)
		})
	})

	return router
}

// viewer puts identity from auth header to request context, empty for anonymous
func (s *Server) viewer(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if user := strings.TrimSpace(r.Header.Get(s.AuthHeader)); user != "" {
			r = r.WithContext(context.WithValue(r.Context(), viewerKey, user))
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// authRequired rejects anonymous requests and registers the viewer
func (s *Server) authRequired(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		user := viewerOf(r)
		if user == "" {
			s.sendError(w, r, feed.ErrUnauthorized, "authentication required")
			return
		}
		if _, err := s.Store.EnsureUser(user); err != nil {
			s.sendError(w, r, err, "can't register user")
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if !s.Conf.IsAdmin(viewerOf(r)) {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusForbidden, errors.New("admin only"), "access denied")
			return
		}
		next.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// sendError maps engine errors to http status codes
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error, details string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, feed.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, errNotOwner):
		code = http.StatusForbidden
	}
	rest.SendErrorJSON(w, r, log.Default(), code, err, details)
}

// invalidate drops global feed cache after writes, failure logged only as the write itself succeeded
func (s *Server) invalidate() {
	if err := s.Cache.InvalidateAll(); err != nil {
		log.Printf("[WARN] can't invalidate feed cache, %v", err)
	}
}

func viewerOf(r *http.Request) string {
	user, _ := r.Context().Value(viewerKey).(string)
	return user
}

// pageParam returns page number from query, non-numeric treated as the first page
func pageParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		return 1
	}
	return n
}

func idParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(store.ErrNotFound, "bad post id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// cleanText strips all markup, keeps plain text only
func cleanText(text string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(text)))
}

func decode(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return errors.Wrapf(store.ErrInvalidInput, "can't decode request, %v", err)
	}
	return nil
}
