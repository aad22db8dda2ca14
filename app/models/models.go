// Package models contains DAO objects
package models

import "time"

// Post presents a single publication
type Post struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Group     string    `json:"group,omitempty"` // group slug, empty if post is not in any group
	Text      string    `json:"text"`
	Image     string    `json:"image,omitempty"` // reference to uploaded image, storage is external
	CreatedAt time.Time `json:"created_at"`
}

// Group presents topic channel
type Group struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Comment presents a comment to post, ordered by creation
type Comment struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// User presents identity known to engine. Authentication itself is external.
type User struct {
	Username string    `json:"username"`
	Joined   time.Time `json:"joined"`
}
