// Package store provides persistent storage for posts, groups, comments, users and follow edges.
// Two implementations share the same contract: BoltDB (embedded, default) and SQL (sqlite or postgres).
package store

import (
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
)

var (
	// ErrNotFound returned for unknown post id, group slug or username
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput returned for malformed records, e.g. empty author
	ErrInvalidInput = errors.New("invalid input")
	// ErrDuplicate returned on attempt to create a record with existing unique key
	ErrDuplicate = errors.New("already exists")
)

// Posts is an ordered collection of posts. All listings are newest-first,
// ordered by (created_at desc, id desc).
type Posts interface {
	Append(post models.Post) (int64, error)
	Get(id int64) (models.Post, error)
	Edit(post models.Post) (models.Post, error)
	Delete(id int64) error
	ListAll() paging.Sequence[models.Post]
	ListByGroup(slug string) paging.Sequence[models.Post]
	ListByAuthor(username string) paging.Sequence[models.Post]
	ListByAuthors(usernames []string) paging.Sequence[models.Post]
	CountByAuthor(username string) (int, error)
}

// Follows is a simple directed graph of subscriptions, no self-loops and no parallel edges
type Follows interface {
	Follow(follower, followee string) error
	Unfollow(follower, followee string) error
	IsFollowing(follower, followee string) (bool, error)
	Followees(follower string) ([]string, error)
}

// Groups keeps topic channels
type Groups interface {
	CreateGroup(group models.Group) error
	GetGroup(slug string) (models.Group, error)
	ListGroups() ([]models.Group, error)
}

// Comments keeps append-only comments of posts
type Comments interface {
	AddComment(comment models.Comment) (int64, error)
	ListComments(postID int64) ([]models.Comment, error)
}

// Users keeps identities seen by engine
type Users interface {
	EnsureUser(username string) (models.User, error)
	GetUser(username string) (models.User, error)
}

// Engine combines all stores backed by the same storage
type Engine interface {
	Posts
	Follows
	Groups
	Comments
	Users
	Close() error
}

// creation times outside of int64 nanoseconds can't be ordered by either engine
var (
	minCreatedAt = time.Unix(0, math.MinInt64)
	maxCreatedAt = time.Unix(0, math.MaxInt64)
)

func validatePost(post models.Post) error {
	if strings.TrimSpace(post.Author) == "" {
		return errors.Wrap(ErrInvalidInput, "empty author")
	}
	if ts := post.CreatedAt; !ts.IsZero() && (ts.Before(minCreatedAt) || ts.After(maxCreatedAt)) {
		return errors.Wrapf(ErrInvalidInput, "creation time %s out of range", ts.Format(time.RFC3339))
	}
	return nil
}

func validateComment(comment models.Comment) error {
	if strings.TrimSpace(comment.Author) == "" {
		return errors.Wrap(ErrInvalidInput, "empty author")
	}
	if strings.TrimSpace(comment.Text) == "" {
		return errors.Wrap(ErrInvalidInput, "empty text")
	}
	return nil
}

func validateEdge(follower, followee string) error {
	if follower == "" || followee == "" {
		return errors.Wrapf(ErrInvalidInput, "empty follow edge %q -> %q", follower, followee)
	}
	return nil
}

// uniq returns non-empty names without duplicates, keeping the first occurrence order
func uniq(names []string) []string {
	seen := make(map[string]bool, len(names))
	res := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		res = append(res, n)
	}
	return res
}
