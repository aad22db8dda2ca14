package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/feed-engine/app/feed"
	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
)

// GET /api/v1/feed?page=N, served from cache as is
func (s *Server) getGlobalFeedCtrl(w http.ResponseWriter, r *http.Request) {
	data, err := s.Cache.GetOrCompute(pageParam(r))
	if err != nil {
		s.sendError(w, r, err, "can't get global feed")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(data); err != nil {
		log.Printf("[WARN] can't write global feed, %v", err)
	}
}

// GET /api/v1/groups
func (s *Server) listGroupsCtrl(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Store.ListGroups()
	if err != nil {
		s.sendError(w, r, err, "can't list groups")
		return
	}
	render.JSON(w, r, groups)
}

// GET /api/v1/group/{slug}?page=N
func (s *Server) getGroupFeedCtrl(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	group, err := s.Store.GetGroup(slug)
	if err != nil {
		s.sendError(w, r, err, "can't get group")
		return
	}
	page, err := s.Resolver.Resolve(feed.Request{Kind: feed.Group, Slug: slug, Page: pageParam(r)})
	if err != nil {
		s.sendError(w, r, err, "can't get group feed")
		return
	}
	render.JSON(w, r, struct {
		Group models.Group             `json:"group"`
		Page  paging.Page[models.Post] `json:"page"`
	}{Group: group, Page: page})
}

// GET /api/v1/profile/{username}?page=N, following flag for authenticated viewer only
func (s *Server) getProfileFeedCtrl(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	page, err := s.Resolver.Resolve(feed.Request{Kind: feed.Profile, Username: username, Page: pageParam(r)})
	if err != nil {
		s.sendError(w, r, err, "can't get profile feed")
		return
	}
	count, err := s.Store.CountByAuthor(username)
	if err != nil {
		s.sendError(w, r, err, "can't count posts")
		return
	}

	resp := struct {
		Author     string                   `json:"author"`
		PostsCount int                      `json:"posts_count"`
		Following  *bool                    `json:"following,omitempty"`
		Page       paging.Page[models.Post] `json:"page"`
	}{Author: username, PostsCount: count, Page: page}

	if viewer := viewerOf(r); viewer != "" {
		following, e := s.Store.IsFollowing(viewer, username)
		if e != nil {
			s.sendError(w, r, e, "can't check following")
			return
		}
		resp.Following = &following
	}
	render.JSON(w, r, resp)
}

// GET /api/v1/follow?page=N, posts of authors followed by viewer
func (s *Server) getFollowFeedCtrl(w http.ResponseWriter, r *http.Request) {
	page, err := s.Resolver.Resolve(feed.Request{Kind: feed.Follow, Viewer: viewerOf(r), Page: pageParam(r)})
	if err != nil {
		s.sendError(w, r, err, "can't get follow feed")
		return
	}
	render.JSON(w, r, page)
}

// GET /api/v1/post/{id}, post with comments and author's posts count
func (s *Server) getPostCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.sendError(w, r, err, "bad post id")
		return
	}
	post, err := s.Store.Get(id)
	if err != nil {
		s.sendError(w, r, err, "can't get post")
		return
	}
	comments, err := s.Store.ListComments(id)
	if err != nil {
		s.sendError(w, r, err, "can't get comments")
		return
	}
	count, err := s.Store.CountByAuthor(post.Author)
	if err != nil {
		s.sendError(w, r, err, "can't count posts")
		return
	}
	render.JSON(w, r, struct {
		Post             models.Post      `json:"post"`
		Comments         []models.Comment `json:"comments"`
		AuthorPostsCount int              `json:"author_posts_count"`
	}{Post: post, Comments: comments, AuthorPostsCount: count})
}
