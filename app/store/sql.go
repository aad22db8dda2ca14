package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx driver
	_ "github.com/mattn/go-sqlite3"    // registers sqlite3 driver
	"github.com/pkg/errors"

	"github.com/umputun/feed-engine/app/models"
	"github.com/umputun/feed-engine/app/paging"
)

// supported sql drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQL implements Engine on top of sqlite or postgres. Queries are written with '?'
// placeholders and rebound to '$n' for postgres.
type SQL struct {
	DB     *sql.DB
	driver string
}

// NewSQL opens database with driver (DriverSQLite or DriverPostgres) and creates tables
func NewSQL(driver, dsn string) (*SQL, error) {
	var serial string
	switch driver {
	case DriverSQLite:
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		if dir := filepath.Dir(dsn); dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, errors.Wrapf(err, "can't make directory for %s", dsn)
			}
		}
	case DriverPostgres:
		serial = "BIGSERIAL PRIMARY KEY"
	default:
		return nil, errors.Errorf("unsupported sql driver %q", driver)
	}

	log.Printf("[INFO] sql (%s) store", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s database", driver)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // sqlite allows a single writer
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "can't connect to %s database", driver)
	}

	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS posts (
			id %s,
			author TEXT NOT NULL,
			group_slug TEXT,
			text TEXT NOT NULL,
			image_ref TEXT,
			created_at BIGINT NOT NULL)`, serial),
		`CREATE INDEX IF NOT EXISTS posts_created_idx ON posts (created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS posts_author_idx ON posts (author, created_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS posts_group_idx ON posts (group_slug, created_at DESC, id DESC)`,
		`CREATE TABLE IF NOT EXISTS post_groups (
			slug TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS comments (
			id %s,
			post_id BIGINT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at BIGINT NOT NULL)`, serial),
		`CREATE INDEX IF NOT EXISTS comments_post_idx ON comments (post_id, id)`,
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			joined BIGINT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS follows (
			follower TEXT NOT NULL,
			followee TEXT NOT NULL,
			UNIQUE (follower, followee))`,
	}
	for _, q := range schema {
		if _, err = db.Exec(q); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "can't apply schema %q", firstLine(q))
		}
	}

	return &SQL{DB: db, driver: driver}, nil
}

// Close database
func (s *SQL) Close() error {
	return s.DB.Close()
}

// Append stores post with the next id, sets creation time if missing
func (s *SQL) Append(post models.Post) (int64, error) {
	if err := validatePost(post); err != nil {
		return 0, err
	}
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now()
	}

	var id int64
	err := s.DB.QueryRow(s.rebind(`INSERT INTO posts (author, group_slug, text, image_ref, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`),
		post.Author, nullable(post.Group), post.Text, nullable(post.Image), post.CreatedAt.UnixNano()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "can't insert post")
	}
	log.Printf("[DEBUG] post %d appended by %s, group %q", id, post.Author, post.Group)
	return id, nil
}

// Get post by id
func (s *SQL) Get(id int64) (models.Post, error) {
	row := s.DB.QueryRow(s.rebind(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return post, errors.Wrapf(ErrNotFound, "post %d", id)
	}
	return post, errors.Wrapf(err, "can't get post %d", id)
}

// Edit updates text, group and image of existing post
func (s *SQL) Edit(post models.Post) (models.Post, error) {
	res, err := s.DB.Exec(s.rebind(`UPDATE posts SET text = ?, group_slug = ?, image_ref = ? WHERE id = ?`),
		post.Text, nullable(post.Group), nullable(post.Image), post.ID)
	if err != nil {
		return models.Post{}, errors.Wrapf(err, "can't update post %d", post.ID)
	}
	if n, e := res.RowsAffected(); e == nil && n == 0 {
		return models.Post{}, errors.Wrapf(ErrNotFound, "post %d", post.ID)
	}
	return s.Get(post.ID)
}

// Delete removes post with its comments
func (s *SQL) Delete(id int64) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return errors.Wrap(err, "can't begin transaction")
	}
	defer tx.Rollback() // nolint

	if _, err = tx.Exec(s.rebind(`DELETE FROM comments WHERE post_id = ?`), id); err != nil {
		return errors.Wrapf(err, "can't delete comments of %d", id)
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM posts WHERE id = ?`), id)
	if err != nil {
		return errors.Wrapf(err, "can't delete post %d", id)
	}
	if n, e := res.RowsAffected(); e == nil && n == 0 {
		return errors.Wrapf(ErrNotFound, "post %d", id)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "can't commit")
	}
	log.Printf("[DEBUG] post %d deleted", id)
	return nil
}

// ListAll returns all posts
func (s *SQL) ListAll() paging.Sequence[models.Post] {
	return sqlSeq{s: s}
}

// ListByGroup returns posts of group, empty for unknown group
func (s *SQL) ListByGroup(slug string) paging.Sequence[models.Post] {
	return sqlSeq{s: s, where: "group_slug = ?", args: []interface{}{slug}}
}

// ListByAuthor returns posts of a single author
func (s *SQL) ListByAuthor(username string) paging.Sequence[models.Post] {
	return sqlSeq{s: s, where: "author = ?", args: []interface{}{username}}
}

// ListByAuthors returns posts of all given authors in the global order
func (s *SQL) ListByAuthors(usernames []string) paging.Sequence[models.Post] {
	names := uniq(usernames)
	if len(names) == 0 {
		return paging.SliceSequence[models.Post]{}
	}
	args := make([]interface{}, len(names))
	for i, n := range names {
		args[i] = n
	}
	where := "author IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ")"
	return sqlSeq{s: s, where: where, args: args}
}

// CountByAuthor returns number of posts made by username
func (s *SQL) CountByAuthor(username string) (int, error) {
	return s.ListByAuthor(username).Count()
}

// Follow adds edge follower -> followee. Self-follow and repeated follow are no-op.
func (s *SQL) Follow(follower, followee string) error {
	if err := validateEdge(follower, followee); err != nil {
		return err
	}
	if follower == followee {
		return nil
	}
	_, err := s.DB.Exec(s.rebind(`INSERT INTO follows (follower, followee) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		follower, followee)
	return errors.Wrapf(err, "can't follow %s -> %s", follower, followee)
}

// Unfollow removes edge follower -> followee, missing edge is no-op
func (s *SQL) Unfollow(follower, followee string) error {
	if err := validateEdge(follower, followee); err != nil {
		return err
	}
	_, err := s.DB.Exec(s.rebind(`DELETE FROM follows WHERE follower = ? AND followee = ?`), follower, followee)
	return errors.Wrapf(err, "can't unfollow %s -> %s", follower, followee)
}

// IsFollowing checks edge follower -> followee
func (s *SQL) IsFollowing(follower, followee string) (bool, error) {
	var n int
	err := s.DB.QueryRow(s.rebind(`SELECT COUNT(*) FROM follows WHERE follower = ? AND followee = ?`),
		follower, followee).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "can't check follow %s -> %s", follower, followee)
	}
	return n > 0, nil
}

// Followees returns usernames followed by follower, sorted
func (s *SQL) Followees(follower string) ([]string, error) {
	rows, err := s.DB.Query(s.rebind(`SELECT followee FROM follows WHERE follower = ? ORDER BY followee`), follower)
	if err != nil {
		return nil, errors.Wrapf(err, "can't get followees of %s", follower)
	}
	defer rows.Close() // nolint

	res := []string{}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "can't scan followee")
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// CreateGroup saves new group, slug is immutable and unique
func (s *SQL) CreateGroup(group models.Group) error {
	if group.Slug == "" {
		return errors.Wrap(ErrInvalidInput, "empty group slug")
	}
	res, err := s.DB.Exec(s.rebind(`INSERT INTO post_groups (slug, title, description) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`), group.Slug, group.Title, group.Description)
	if err != nil {
		return errors.Wrapf(err, "can't insert group %s", group.Slug)
	}
	if n, e := res.RowsAffected(); e == nil && n == 0 {
		return errors.Wrapf(ErrDuplicate, "group %s", group.Slug)
	}
	log.Printf("[INFO] save group: '%s'", group.Slug)
	return nil
}

// GetGroup by slug
func (s *SQL) GetGroup(slug string) (res models.Group, err error) {
	err = s.DB.QueryRow(s.rebind(`SELECT slug, title, description FROM post_groups WHERE slug = ?`), slug).
		Scan(&res.Slug, &res.Title, &res.Description)
	if err == sql.ErrNoRows {
		return res, errors.Wrapf(ErrNotFound, "group %s", slug)
	}
	return res, errors.Wrapf(err, "can't get group %s", slug)
}

// ListGroups returns all groups sorted by slug
func (s *SQL) ListGroups() ([]models.Group, error) {
	rows, err := s.DB.Query(`SELECT slug, title, description FROM post_groups ORDER BY slug`)
	if err != nil {
		return nil, errors.Wrap(err, "can't list groups")
	}
	defer rows.Close() // nolint

	res := []models.Group{}
	for rows.Next() {
		group := models.Group{}
		if err = rows.Scan(&group.Slug, &group.Title, &group.Description); err != nil {
			return nil, errors.Wrap(err, "can't scan group")
		}
		res = append(res, group)
	}
	return res, rows.Err()
}

// AddComment appends comment to existing post
func (s *SQL) AddComment(comment models.Comment) (int64, error) {
	if err := validateComment(comment); err != nil {
		return 0, err
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "can't begin transaction")
	}
	defer tx.Rollback() // nolint

	var n int
	if err = tx.QueryRow(s.rebind(`SELECT COUNT(*) FROM posts WHERE id = ?`), comment.PostID).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "can't check post %d", comment.PostID)
	}
	if n == 0 {
		return 0, errors.Wrapf(ErrNotFound, "post %d", comment.PostID)
	}

	var id int64
	err = tx.QueryRow(s.rebind(`INSERT INTO comments (post_id, author, text, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
		comment.PostID, comment.Author, comment.Text, comment.CreatedAt.UnixNano()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "can't insert comment")
	}
	return id, errors.Wrap(tx.Commit(), "can't commit")
}

// ListComments returns comments of post in creation order
func (s *SQL) ListComments(postID int64) ([]models.Comment, error) {
	if _, err := s.Get(postID); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(s.rebind(`SELECT id, post_id, author, text, created_at FROM comments
		WHERE post_id = ? ORDER BY id`), postID)
	if err != nil {
		return nil, errors.Wrapf(err, "can't list comments of %d", postID)
	}
	defer rows.Close() // nolint

	res := []models.Comment{}
	for rows.Next() {
		var ts int64
		comment := models.Comment{}
		if err = rows.Scan(&comment.ID, &comment.PostID, &comment.Author, &comment.Text, &ts); err != nil {
			return nil, errors.Wrap(err, "can't scan comment")
		}
		comment.CreatedAt = time.Unix(0, ts).UTC()
		res = append(res, comment)
	}
	return res, rows.Err()
}

// EnsureUser registers username if not known yet and returns stored user
func (s *SQL) EnsureUser(username string) (models.User, error) {
	if username == "" {
		return models.User{}, errors.Wrap(ErrInvalidInput, "empty username")
	}
	res, err := s.DB.Exec(s.rebind(`INSERT INTO users (username, joined) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		username, time.Now().UnixNano())
	if err != nil {
		return models.User{}, errors.Wrapf(err, "can't insert user %s", username)
	}
	if n, e := res.RowsAffected(); e == nil && n > 0 {
		log.Printf("[INFO] new user %s", username)
	}
	return s.GetUser(username)
}

// GetUser by username
func (s *SQL) GetUser(username string) (models.User, error) {
	var ts int64
	res := models.User{}
	err := s.DB.QueryRow(s.rebind(`SELECT username, joined FROM users WHERE username = ?`), username).
		Scan(&res.Username, &ts)
	if err == sql.ErrNoRows {
		return res, errors.Wrapf(ErrNotFound, "user %s", username)
	}
	if err != nil {
		return res, errors.Wrapf(err, "can't get user %s", username)
	}
	res.Joined = time.Unix(0, ts).UTC()
	return res, nil
}

// rebind replaces '?' placeholders with '$n' for postgres
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const postColumns = `id, author, COALESCE(group_slug, ''), text, COALESCE(image_ref, ''), created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row scanner) (models.Post, error) {
	var ts int64
	post := models.Post{}
	if err := row.Scan(&post.ID, &post.Author, &post.Group, &post.Text, &post.Image, &ts); err != nil {
		return post, err
	}
	post.CreatedAt = time.Unix(0, ts).UTC()
	return post, nil
}

// querier is implemented by both *sql.DB and *sql.Tx
type querier interface {
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// sqlSeq is a lazy newest-first sequence, each Slice is a LIMIT/OFFSET window query.
// Sequence made by Snapshot runs its queries in one read transaction.
type sqlSeq struct {
	s     *SQL
	where string
	args  []interface{}
	tx    *sql.Tx
}

// Snapshot calls fn with the sequence pinned to one read transaction.
// Postgres needs repeatable read to see the same data in all statements of the transaction.
func (q sqlSeq) Snapshot(fn func(seq paging.Sequence[models.Post]) error) error {
	var opts *sql.TxOptions
	if q.s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := q.s.DB.BeginTx(context.Background(), opts)
	if err != nil {
		return errors.Wrap(err, "can't begin read transaction")
	}
	defer tx.Rollback() // nolint

	if err = fn(sqlSeq{s: q.s, where: q.where, args: q.args, tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "can't commit read transaction")
}

func (q sqlSeq) conn() querier {
	if q.tx != nil {
		return q.tx
	}
	return q.s.DB
}

// Count returns number of posts matching the filter
func (q sqlSeq) Count() (res int, err error) {
	err = q.conn().QueryRow(q.s.rebind(`SELECT COUNT(*) FROM posts`+q.filter()), q.args...).Scan(&res)
	return res, errors.Wrap(err, "can't count posts")
}

// Slice returns posts in [start, end) of the ordered result
func (q sqlSeq) Slice(start, end int) ([]models.Post, error) {
	res := []models.Post{}
	if start < 0 {
		start = 0
	}
	if end <= start {
		return res, nil
	}

	args := append(append([]interface{}{}, q.args...), end-start, start)
	rows, err := q.conn().Query(q.s.rebind(`SELECT `+postColumns+` FROM posts`+q.filter()+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, errors.Wrap(err, "can't select posts")
	}
	defer rows.Close() // nolint

	for rows.Next() {
		post, e := scanPost(rows)
		if e != nil {
			return nil, errors.Wrap(e, "can't scan post")
		}
		res = append(res, post)
	}
	return res, rows.Err()
}

func (q sqlSeq) filter() string {
	if q.where == "" {
		return ""
	}
	return " WHERE " + q.where
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
