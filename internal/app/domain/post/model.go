package post

import "time"

// Kind selects the pricing tier of a post.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindIndividual || k == KindGroup
}

// Post is an immutable piece of content. A zero RegionID means the post has no
// region (unset or deleted).
type Post struct {
	ID         int64     `json:"id"`
	AuthorID   string    `json:"author_id"`
	RegionID   int64     `json:"region_id"`
	CategoryID int64     `json:"category_id,omitempty"`
	StoreID    int64     `json:"store_id,omitempty"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Draft is the author-supplied part of a post before it is paid for.
type Draft struct {
	Kind       Kind   `json:"kind"`
	RegionID   int64  `json:"region_id"`
	CategoryID int64  `json:"category_id"`
	StoreID    int64  `json:"store_id"`
	Content    string `json:"content"`
}

// Comment is a reply on a post.
type Comment struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Filters narrows a feed query. Zero values mean "no filter".
type Filters struct {
	CategoryID int64 `json:"category_id,omitempty"`
	StoreID    int64 `json:"store_id,omitempty"`
}

// Match reports whether p passes the filters.
func (f Filters) Match(p Post) bool {
	if f.CategoryID != 0 && p.CategoryID != f.CategoryID {
		return false
	}
	if f.StoreID != 0 && p.StoreID != f.StoreID {
		return false
	}
	return true
}
