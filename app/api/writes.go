package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/pkg/errors"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/store"
)

type postRequest struct {
	Text  string `json:"text"`
	Group string `json:"group"`
	Image string `json:"image"`
}

// POST /api/v1/profile/{username}/follow
func (s *Server) followCtrl(w http.ResponseWriter, r *http.Request) {
	s.toggleFollow(w, r, s.Store.Follow)
}

// POST /api/v1/profile/{username}/unfollow
func (s *Server) unfollowCtrl(w http.ResponseWriter, r *http.Request) {
	s.toggleFollow(w, r, s.Store.Unfollow)
}

// toggleFollow applies follow or unfollow and responds with the resulting state.
// Both are idempotent, repeating a request gives the same state.
func (s *Server) toggleFollow(w http.ResponseWriter, r *http.Request, apply func(follower, followee string) error) {
	viewer, target := viewerOf(r), chi.URLParam(r, "username")
	if _, err := s.Store.GetUser(target); err != nil {
		s.sendError(w, r, err, "can't get user")
		return
	}
	if err := apply(viewer, target); err != nil {
		s.sendError(w, r, err, "can't change following")
		return
	}
	following, err := s.Store.IsFollowing(viewer, target)
	if err != nil {
		s.sendError(w, r, err, "can't check following")
		return
	}
	render.JSON(w, r, rest.JSON{"author": target, "following": following})
}

// POST /api/v1/post
func (s *Server) createPostCtrl(w http.ResponseWriter, r *http.Request) {
	req, err := s.postRequest(r)
	if err != nil {
		s.sendError(w, r, err, "invalid post")
		return
	}
	post := models.Post{Author: viewerOf(r), Text: req.Text, Group: req.Group, Image: req.Image}
	if post.ID, err = s.Store.Append(post); err != nil {
		s.sendError(w, r, err, "can't save post")
		return
	}
	s.invalidate()

	if post, err = s.Store.Get(post.ID); err != nil {
		s.sendError(w, r, err, "can't get post")
		return
	}
	log.Printf("[INFO] post %d created by %s", post.ID, post.Author)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, post)
}

// PUT /api/v1/post/{id}, allowed for the post's author only
func (s *Server) editPostCtrl(w http.ResponseWriter, r *http.Request) {
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
	if post.Author != viewerOf(r) {
		s.sendError(w, r, errors.Wrapf(errNotOwner, "post %d", id), "only author can edit post")
		return
	}

	req, err := s.postRequest(r)
	if err != nil {
		s.sendError(w, r, err, "invalid post")
		return
	}
	post.Text, post.Group, post.Image = req.Text, req.Group, req.Image
	if post, err = s.Store.Edit(post); err != nil {
		s.sendError(w, r, err, "can't edit post")
		return
	}
	s.invalidate()
	render.JSON(w, r, post)
}

// POST /api/v1/post/{id}/comment
func (s *Server) addCommentCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.sendError(w, r, err, "bad post id")
		return
	}
	req := struct {
		Text string `json:"text"`
	}{}
	if err = decode(r, &req); err != nil {
		s.sendError(w, r, err, "invalid comment")
		return
	}

	comment := models.Comment{PostID: id, Author: viewerOf(r), Text: cleanText(req.Text)}
	if comment.ID, err = s.Store.AddComment(comment); err != nil {
		s.sendError(w, r, err, "can't save comment")
		return
	}
	s.invalidate()
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, comment)
}

// DELETE /api/v1/admin/post/{id}, removes post with comments
func (s *Server) deletePostCtrl(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.sendError(w, r, err, "bad post id")
		return
	}
	if err = s.Store.Delete(id); err != nil {
		s.sendError(w, r, err, "can't delete post")
		return
	}
	s.invalidate()
	log.Printf("[INFO] post %d deleted by %s", id, viewerOf(r))
	render.JSON(w, r, rest.JSON{"id": id, "deleted": true})
}

// POST /api/v1/admin/group
func (s *Server) createGroupCtrl(w http.ResponseWriter, r *http.Request) {
	group := models.Group{}
	if err := decode(r, &group); err != nil {
		s.sendError(w, r, err, "invalid group")
		return
	}
	if err := s.Store.CreateGroup(group); err != nil {
		s.sendError(w, r, err, "can't create group")
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, group)
}

// POST /api/v1/admin/cache/clear
func (s *Server) clearCacheCtrl(w http.ResponseWriter, r *http.Request) {
	if err := s.Cache.InvalidateAll(); err != nil {
		s.sendError(w, r, err, "can't clear cache")
		return
	}
	render.JSON(w, r, rest.JSON{"cleared": true})
}

// postRequest decodes and validates post fields, group must exist if set
func (s *Server) postRequest(r *http.Request) (postRequest, error) {
	req := postRequest{}
	if err := decode(r, &req); err != nil {
		return req, err
	}
	if req.Text = cleanText(req.Text); req.Text == "" {
		return req, errors.Wrap(store.ErrInvalidInput, "empty text")
	}
	if req.Group != "" {
		if _, err := s.Store.GetGroup(req.Group); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return req, errors.Wrapf(store.ErrInvalidInput, "unknown group %s", req.Group)
			}
			return req, err
		}
	}
	return req, nil
}
