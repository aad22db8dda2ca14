// Package feed builds paginated views over the post corpus and caches the global one.
//
// Resolver is read-only and safe for concurrent use. Cache wraps the global view only,
// keeps rendered pages without expiration and drops them on explicit InvalidateAll.
package feed

import (
	"github.com/pkg/errors"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
	"github.com/umputun/feed-engine/app/store"
)

// ErrUnauthorized returned when a view requires a viewer identity and none given
var ErrUnauthorized = errors.New("unauthorized")

// Kind of the feed view
type Kind int

// view kinds
const (
	Global Kind = iota
	Group
	Profile
	Follow
)

func (k Kind) String() string {
	switch k {
	case Global:
		return "global"
	case Group:
		return "group"
	case Profile:
		return "profile"
	case Follow:
		return "follow"
	}
	return "unknown"
}

// Request defines a view. Slug used for Group, Username for Profile and Viewer for Follow.
type Request struct {
	Kind     Kind
	Slug     string
	Username string
	Viewer   string
	Page     int
}

// Source is a subset of store.Engine used by resolver
type Source interface {
	store.Posts
	store.Follows
	GetGroup(slug string) (models.Group, error)
	GetUser(username string) (models.User, error)
}

// Resolver makes pages of posts for all view kinds
type Resolver struct {
	Store Source
}

// NewResolver makes resolver on top of store
func NewResolver(src Source) *Resolver {
	return &Resolver{Store: src}
}

// Resolve returns requested page of the view
func (r *Resolver) Resolve(req Request) (paging.Page[models.Post], error) {
	seq, err := r.source(req)
	if err != nil {
		return paging.Page[models.Post]{}, err
	}
	page, err := paging.Paginate(seq, paging.Size, req.Page)
	if err != nil {
		return paging.Page[models.Post]{}, errors.Wrapf(err, "can't paginate %s feed", req.Kind)
	}
	return page, nil
}

// source selects the ordered sequence for request kind
func (r *Resolver) source(req Request) (paging.Sequence[models.Post], error) {
	switch req.Kind {
	case Global:
		return r.Store.ListAll(), nil
	case Group:
		if _, err := r.Store.GetGroup(req.Slug); err != nil {
			return nil, err
		}
		return r.Store.ListByGroup(req.Slug), nil
	case Profile:
		if _, err := r.Store.GetUser(req.Username); err != nil {
			return nil, err
		}
		return r.Store.ListByAuthor(req.Username), nil
	case Follow:
		if req.Viewer == "" {
			return nil, errors.Wrap(ErrUnauthorized, "follow feed requires viewer")
		}
		followees, err := r.Store.Followees(req.Viewer)
		if err != nil {
			return nil, errors.Wrapf(err, "can't get followees of %s", req.Viewer)
		}
		return r.Store.ListByAuthors(followees), nil
	}
	return nil, errors.Errorf("unknown feed kind %d", req.Kind)
}
