package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
)

// top-level buckets. Index buckets hold timeKey -> post id, group and author indexes
// have a nested bucket per slug/username.
const (
	bucketPosts       = "posts"
	bucketTimeline    = "timeline"
	bucketGroupPosts  = "group_posts"
	bucketAuthorPosts = "author_posts"
	bucketGroups      = "groups"
	bucketComments    = "comments"
	bucketUsers       = "users"
	bucketFollows     = "follows"
)

// BoltDB implements Engine with bbolt. Writers are serialized by bolt itself,
// so every mutation is atomic.
type BoltDB struct {
	DB *bolt.DB
}

// NewBoltDB makes persistent bolt store, creates all buckets
func NewBoltDB(dbFile string) (*BoltDB, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0700); err != nil {
		return nil, errors.Wrapf(err, "can't make directory for %s", dbFile)
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 1 * time.Second}) // nolint
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", dbFile)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPosts, bucketTimeline, bucketGroupPosts, bucketAuthorPosts,
			bucketGroups, bucketComments, bucketUsers, bucketFollows} {
			if _, e := tx.CreateBucketIfNotExists([]byte(name)); e != nil {
				return errors.Wrapf(e, "can't create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltDB{DB: db}, nil
}

// Close bolt db
func (b *BoltDB) Close() error {
	return b.DB.Close()
}

// Append stores post with the next id, sets creation time if missing
func (b *BoltDB) Append(post models.Post) (int64, error) {
	if err := validatePost(post); err != nil {
		return 0, err
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}
	post.CreatedAt = post.CreatedAt.UTC()

	err := b.DB.Update(func(tx *bolt.Tx) error {
		posts := tx.Bucket([]byte(bucketPosts))
		seq, e := posts.NextSequence()
		if e != nil {
			return errors.Wrap(e, "can't get next post id")
		}
		post.ID = int64(seq)

		data, e := json.Marshal(&post)
		if e != nil {
			return errors.Wrap(e, "can't marshal post")
		}
		if e = posts.Put(itob(post.ID), data); e != nil {
			return errors.Wrapf(e, "can't put post %d", post.ID)
		}
		return b.index(tx, post)
	})
	if err != nil {
		return 0, err
	}

	log.Printf("[DEBUG] post %d appended by %s, group %q", post.ID, post.Author, post.Group)
	return post.ID, nil
}

// Get post by id
func (b *BoltDB) Get(id int64) (res models.Post, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		res, err = b.load(tx, id)
		return err
	})
	return res, err
}

// Edit updates text, group and image of existing post. Id, author and creation time are kept.
func (b *BoltDB) Edit(post models.Post) (res models.Post, err error) {
	err = b.DB.Update(func(tx *bolt.Tx) error {
		old, e := b.load(tx, post.ID)
		if e != nil {
			return e
		}

		res = old
		res.Text, res.Group, res.Image = post.Text, post.Group, post.Image

		if old.Group != res.Group {
			if e = b.unindexGroup(tx, old); e != nil {
				return e
			}
			if e = b.indexGroup(tx, res); e != nil {
				return e
			}
		}

		data, e := json.Marshal(&res)
		if e != nil {
			return errors.Wrap(e, "can't marshal post")
		}
		return tx.Bucket([]byte(bucketPosts)).Put(itob(res.ID), data)
	})
	return res, err
}

// Delete removes post with all indexes and comments
func (b *BoltDB) Delete(id int64) error {
	err := b.DB.Update(func(tx *bolt.Tx) error {
		post, e := b.load(tx, id)
		if e != nil {
			return e
		}

		key := timeKey(post)
		if e = tx.Bucket([]byte(bucketTimeline)).Delete(key); e != nil {
			return errors.Wrap(e, "can't delete from timeline")
		}
		if authors := tx.Bucket([]byte(bucketAuthorPosts)).Bucket([]byte(post.Author)); authors != nil {
			if e = authors.Delete(key); e != nil {
				return errors.Wrap(e, "can't delete from author index")
			}
		}
		if e = b.unindexGroup(tx, post); e != nil {
			return e
		}

		comments := tx.Bucket([]byte(bucketComments))
		if e = comments.DeleteBucket(itob(id)); e != nil && e != bolt.ErrBucketNotFound {
			return errors.Wrapf(e, "can't delete comments of %d", id)
		}
		return tx.Bucket([]byte(bucketPosts)).Delete(itob(id))
	})
	if err != nil {
		return err
	}
	log.Printf("[DEBUG] post %d deleted", id)
	return nil
}

// ListAll returns all posts
func (b *BoltDB) ListAll() paging.Sequence[models.Post] {
	return boltSeq{db: b.DB, indexes: func(tx *bolt.Tx) []*bolt.Bucket {
		return []*bolt.Bucket{tx.Bucket([]byte(bucketTimeline))}
	}}
}

// ListByGroup returns posts of group, empty for unknown group
func (b *BoltDB) ListByGroup(slug string) paging.Sequence[models.Post] {
	return b.nested(bucketGroupPosts, []string{slug})
}

// ListByAuthor returns posts of a single author
func (b *BoltDB) ListByAuthor(username string) paging.Sequence[models.Post] {
	return b.nested(bucketAuthorPosts, []string{username})
}

// ListByAuthors returns posts of all given authors merged in the global order
func (b *BoltDB) ListByAuthors(usernames []string) paging.Sequence[models.Post] {
	return b.nested(bucketAuthorPosts, uniq(usernames))
}

// CountByAuthor returns number of posts made by username
func (b *BoltDB) CountByAuthor(username string) (int, error) {
	return b.ListByAuthor(username).Count()
}

// Follow adds edge follower -> followee. Self-follow and repeated follow are no-op.
func (b *BoltDB) Follow(follower, followee string) error {
	if err := validateEdge(follower, followee); err != nil {
		return err
	}
	if follower == followee {
		return nil
	}
	return b.DB.Update(func(tx *bolt.Tx) error {
		edges, err := tx.Bucket([]byte(bucketFollows)).CreateBucketIfNotExists([]byte(follower))
		if err != nil {
			return errors.Wrapf(err, "can't make follow bucket for %s", follower)
		}
		return edges.Put([]byte(followee), []byte{1})
	})
}

// Unfollow removes edge follower -> followee, missing edge is no-op
func (b *BoltDB) Unfollow(follower, followee string) error {
	if err := validateEdge(follower, followee); err != nil {
		return err
	}
	return b.DB.Update(func(tx *bolt.Tx) error {
		edges := tx.Bucket([]byte(bucketFollows)).Bucket([]byte(follower))
		if edges == nil {
			return nil
		}
		return edges.Delete([]byte(followee))
	})
}

// IsFollowing checks edge follower -> followee
func (b *BoltDB) IsFollowing(follower, followee string) (res bool, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		edges := tx.Bucket([]byte(bucketFollows)).Bucket([]byte(follower))
		res = edges != nil && edges.Get([]byte(followee)) != nil
		return nil
	})
	return res, err
}

// Followees returns usernames followed by follower, sorted
func (b *BoltDB) Followees(follower string) ([]string, error) {
	res := []string{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		edges := tx.Bucket([]byte(bucketFollows)).Bucket([]byte(follower))
		if edges == nil {
			return nil
		}
		return edges.ForEach(func(k, _ []byte) error {
			res = append(res, string(k))
			return nil
		})
	})
	return res, err
}

// CreateGroup saves new group, slug is immutable and unique
func (b *BoltDB) CreateGroup(group models.Group) error {
	if group.Slug == "" {
		return errors.Wrap(ErrInvalidInput, "empty group slug")
	}
	return b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketGroups))
		if bucket.Get([]byte(group.Slug)) != nil {
			return errors.Wrapf(ErrDuplicate, "group %s", group.Slug)
		}
		data, err := json.Marshal(&group)
		if err != nil {
			return errors.Wrap(err, "can't marshal group")
		}
		log.Printf("[INFO] save group: '%s'", group.Slug)
		return bucket.Put([]byte(group.Slug), data)
	})
}

// GetGroup by slug
func (b *BoltDB) GetGroup(slug string) (res models.Group, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketGroups)).Get([]byte(slug))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "group %s", slug)
		}
		return json.Unmarshal(data, &res)
	})
	return res, err
}

// ListGroups returns all groups sorted by slug
func (b *BoltDB) ListGroups() ([]models.Group, error) {
	res := []models.Group{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketGroups)).ForEach(func(_, v []byte) error {
			group := models.Group{}
			if err := json.Unmarshal(v, &group); err != nil {
				log.Printf("[WARN] failed to unmarshal group, %v", err)
				return nil
			}
			res = append(res, group)
			return nil
		})
	})
	return res, err
}

// AddComment appends comment to existing post
func (b *BoltDB) AddComment(comment models.Comment) (int64, error) {
	if err := validateComment(comment); err != nil {
		return 0, err
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}
	comment.CreatedAt = comment.CreatedAt.UTC()

	err := b.DB.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketPosts)).Get(itob(comment.PostID)) == nil {
			return errors.Wrapf(ErrNotFound, "post %d", comment.PostID)
		}
		comments := tx.Bucket([]byte(bucketComments))
		seq, e := comments.NextSequence()
		if e != nil {
			return errors.Wrap(e, "can't get next comment id")
		}
		comment.ID = int64(seq)

		postComments, e := comments.CreateBucketIfNotExists(itob(comment.PostID))
		if e != nil {
			return errors.Wrapf(e, "can't make comments bucket for %d", comment.PostID)
		}
		data, e := json.Marshal(&comment)
		if e != nil {
			return errors.Wrap(e, "can't marshal comment")
		}
		return postComments.Put(itob(comment.ID), data)
	})
	if err != nil {
		return 0, err
	}
	return comment.ID, nil
}

// ListComments returns comments of post in creation order
func (b *BoltDB) ListComments(postID int64) ([]models.Comment, error) {
	res := []models.Comment{}
	err := b.DB.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketPosts)).Get(itob(postID)) == nil {
			return errors.Wrapf(ErrNotFound, "post %d", postID)
		}
		bucket := tx.Bucket([]byte(bucketComments)).Bucket(itob(postID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			comment := models.Comment{}
			if err := json.Unmarshal(v, &comment); err != nil {
				log.Printf("[WARN] failed to unmarshal comment, %v", err)
				return nil
			}
			res = append(res, comment)
			return nil
		})
	})
	return res, err
}

// EnsureUser registers username if not known yet and returns stored user
func (b *BoltDB) EnsureUser(username string) (res models.User, err error) {
	if username == "" {
		return res, errors.Wrap(ErrInvalidInput, "empty username")
	}
	err = b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketUsers))
		if data := bucket.Get([]byte(username)); data != nil {
			return json.Unmarshal(data, &res)
		}
		res = models.User{Username: username, Joined: time.Now().UTC()}
		data, e := json.Marshal(&res)
		if e != nil {
			return errors.Wrap(e, "can't marshal user")
		}
		log.Printf("[INFO] new user %s", username)
		return bucket.Put([]byte(username), data)
	})
	return res, err
}

// GetUser by username
func (b *BoltDB) GetUser(username string) (res models.User, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketUsers)).Get([]byte(username))
		if data == nil {
			return errors.Wrapf(ErrNotFound, "user %s", username)
		}
		return json.Unmarshal(data, &res)
	})
	return res, err
}

func (b *BoltDB) load(tx *bolt.Tx, id int64) (res models.Post, err error) {
	data := tx.Bucket([]byte(bucketPosts)).Get(itob(id))
	if data == nil {
		return res, errors.Wrapf(ErrNotFound, "post %d", id)
	}
	if err = json.Unmarshal(data, &res); err != nil {
		return res, errors.Wrapf(err, "can't unmarshal post %d", id)
	}
	return res, nil
}

func (b *BoltDB) index(tx *bolt.Tx, post models.Post) error {
	key, id := timeKey(post), itob(post.ID)
	if err := tx.Bucket([]byte(bucketTimeline)).Put(key, id); err != nil {
		return errors.Wrap(err, "can't put to timeline")
	}
	authors, err := tx.Bucket([]byte(bucketAuthorPosts)).CreateBucketIfNotExists([]byte(post.Author))
	if err != nil {
		return errors.Wrapf(err, "can't make author index for %s", post.Author)
	}
	if err = authors.Put(key, id); err != nil {
		return errors.Wrap(err, "can't put to author index")
	}
	return b.indexGroup(tx, post)
}

func (b *BoltDB) indexGroup(tx *bolt.Tx, post models.Post) error {
	if post.Group == "" {
		return nil
	}
	groups, err := tx.Bucket([]byte(bucketGroupPosts)).CreateBucketIfNotExists([]byte(post.Group))
	if err != nil {
		return errors.Wrapf(err, "can't make group index for %s", post.Group)
	}
	return groups.Put(timeKey(post), itob(post.ID))
}

func (b *BoltDB) unindexGroup(tx *bolt.Tx, post models.Post) error {
	if post.Group == "" {
		return nil
	}
	groups := tx.Bucket([]byte(bucketGroupPosts)).Bucket([]byte(post.Group))
	if groups == nil {
		return nil
	}
	return groups.Delete(timeKey(post))
}

// nested makes sequence over nested index buckets of parent, missing ones ignored
func (b *BoltDB) nested(parent string, names []string) paging.Sequence[models.Post] {
	if len(names) == 0 {
		return paging.SliceSequence[models.Post]{}
	}
	return boltSeq{db: b.DB, indexes: func(tx *bolt.Tx) []*bolt.Bucket {
		res := make([]*bolt.Bucket, 0, len(names))
		for _, name := range names {
			if bucket := tx.Bucket([]byte(parent)).Bucket([]byte(name)); bucket != nil {
				res = append(res, bucket)
			}
		}
		return res
	}}
}

// boltSeq is a lazy newest-first sequence over one or more index buckets.
// Multiple indexes are merged by key, each index is already sorted.
// Sequence made by Snapshot is bound to a single read transaction.
type boltSeq struct {
	db      *bolt.DB
	indexes func(tx *bolt.Tx) []*bolt.Bucket
	tx      *bolt.Tx
}

// Snapshot calls fn with the sequence pinned to one read transaction
func (s boltSeq) Snapshot(fn func(seq paging.Sequence[models.Post]) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(boltSeq{db: s.db, indexes: s.indexes, tx: tx})
	})
}

func (s boltSeq) view(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}

// Count sums keys of all indexes
func (s boltSeq) Count() (res int, err error) {
	err = s.view(func(tx *bolt.Tx) error {
		for _, bucket := range s.indexes(tx) {
			res += bucket.Stats().KeyN
		}
		return nil
	})
	return res, err
}

// Slice walks all index cursors from the newest key down, skips start items and loads posts up to end
func (s boltSeq) Slice(start, end int) ([]models.Post, error) {
	res := []models.Post{}
	if start < 0 {
		start = 0
	}
	if end <= start {
		return res, nil
	}

	err := s.view(func(tx *bolt.Tx) error {
		type head struct {
			c    *bolt.Cursor
			k, v []byte
		}
		heads := []*head{}
		for _, bucket := range s.indexes(tx) {
			c := bucket.Cursor()
			if k, v := c.Last(); k != nil {
				heads = append(heads, &head{c: c, k: k, v: v})
			}
		}

		posts := tx.Bucket([]byte(bucketPosts))
		for pos := 0; pos < end && len(heads) > 0; pos++ {
			top := 0
			for i := 1; i < len(heads); i++ {
				if bytes.Compare(heads[i].k, heads[top].k) > 0 {
					top = i
				}
			}

			if pos >= start {
				data := posts.Get(heads[top].v)
				if data == nil {
					log.Printf("[WARN] dangling index key for post %d", btoi(heads[top].v))
				} else {
					post := models.Post{}
					if err := json.Unmarshal(data, &post); err != nil {
						return errors.Wrapf(err, "can't unmarshal post %d", btoi(heads[top].v))
					}
					res = append(res, post)
				}
			}

			h := heads[top]
			if h.k, h.v = h.c.Prev(); h.k == nil {
				heads = append(heads[:top], heads[top+1:]...)
			}
		}
		return nil
	})
	return res, err
}

// timeKey makes index key sorted by creation time, then id.
// Sign bit of nanoseconds is flipped, so times before 1970 sort below later ones.
func timeKey(post models.Post) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(post.CreatedAt.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(b[8:], uint64(post.ID))
	return b
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
