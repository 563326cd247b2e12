package cms

import (
	"fmt"

	"github.com/roach88/livedb/internal/ir"
)

// Entity is a typed CMS record. Each variant knows its collection and
// converts to the record written through the engine. Server-derived
// fields (timestamps) are never written.
type Entity interface {
	Collection() string
	Record() ir.IRObject
}

type User struct {
	ID    ir.Key
	Name  string
	Email string
	Bio   string
}

type Category struct {
	ID   ir.Key
	Name string
	Slug string
}

type Tag struct {
	ID   ir.Key
	Name string
}

type Article struct {
	ID         ir.Key
	Title      string
	Body       string
	Published  bool
	Views      int64
	AuthorID   ir.Key
	CategoryID ir.Key // zero when uncategorized
	CreatedAt  int64
	UpdatedAt  int64
}

// ArticleTag links an article to a tag.
type ArticleTag struct {
	ID        ir.Key
	ArticleID ir.Key
	TagID     ir.Key
}

// Comment is a node of an article's reply tree. ParentID is zero for
// top-level comments.
type Comment struct {
	ID        ir.Key
	ArticleID ir.Key
	AuthorID  ir.Key
	ParentID  ir.Key
	Body      string
	CreatedAt int64
}

// Like and Bookmark are toggle entities: at most one row per
// (article, user).
type Like struct {
	ID        ir.Key
	ArticleID ir.Key
	UserID    ir.Key
}

type Bookmark struct {
	ID        ir.Key
	ArticleID ir.Key
	UserID    ir.Key
}

// SessionState is the single local-only row holding the signed-in user.
type SessionState struct {
	ID     ir.Key
	UserID int64 // 0 when signed out
	Theme  string
}

func (User) Collection() string         { return Users }
func (Category) Collection() string     { return Categories }
func (Tag) Collection() string          { return Tags }
func (Article) Collection() string      { return Articles }
func (ArticleTag) Collection() string   { return ArticleTags }
func (Comment) Collection() string      { return Comments }
func (Like) Collection() string         { return Likes }
func (Bookmark) Collection() string     { return Bookmarks }
func (SessionState) Collection() string { return Session }

func (u User) Record() ir.IRObject {
	rec := ir.IRObject{"name": ir.IRString(u.Name), "email": ir.IRString(u.Email)}
	if u.Bio != "" {
		rec["bio"] = ir.IRString(u.Bio)
	}
	return withKey(rec, u.ID)
}

func (c Category) Record() ir.IRObject {
	return withKey(ir.IRObject{"name": ir.IRString(c.Name), "slug": ir.IRString(c.Slug)}, c.ID)
}

func (t Tag) Record() ir.IRObject {
	return withKey(ir.IRObject{"name": ir.IRString(t.Name)}, t.ID)
}

func (a Article) Record() ir.IRObject {
	rec := ir.IRObject{
		"title":       ir.IRString(a.Title),
		"body":        ir.IRString(a.Body),
		"published":   ir.IRBool(a.Published),
		"views":       ir.IRInt(a.Views),
		"author_id":   a.AuthorID,
		"category_id": optionalKey(a.CategoryID),
	}
	return withKey(rec, a.ID)
}

func (at ArticleTag) Record() ir.IRObject {
	return withKey(ir.IRObject{"article_id": at.ArticleID, "tag_id": at.TagID}, at.ID)
}

func (c Comment) Record() ir.IRObject {
	rec := ir.IRObject{
		"body":       ir.IRString(c.Body),
		"article_id": c.ArticleID,
		"author_id":  c.AuthorID,
		"parent_id":  optionalKey(c.ParentID),
	}
	return withKey(rec, c.ID)
}

func (l Like) Record() ir.IRObject {
	return withKey(ir.IRObject{"article_id": l.ArticleID, "user_id": l.UserID}, l.ID)
}

func (b Bookmark) Record() ir.IRObject {
	return withKey(ir.IRObject{"article_id": b.ArticleID, "user_id": b.UserID}, b.ID)
}

func (s SessionState) Record() ir.IRObject {
	rec := ir.IRObject{"user_id": ir.IRNull{}}
	if s.UserID != 0 {
		rec["user_id"] = ir.IRInt(s.UserID)
	}
	if s.Theme != "" {
		rec["theme"] = ir.IRString(s.Theme)
	}
	return withKey(rec, s.ID)
}

func withKey(rec ir.IRObject, key ir.Key) ir.IRObject {
	if !key.IsZero() {
		rec["id"] = key
	}
	return rec
}

func optionalKey(k ir.Key) ir.IRValue {
	if k.IsZero() {
		return ir.IRNull{}
	}
	return k
}

// Decode converts a stored record of collection into its typed variant.
func Decode(collection string, rec ir.IRObject) (Entity, error) {
	r := reader{collection: collection, rec: rec}
	var e Entity
	switch collection {
	case Users:
		e = User{ID: r.key("id"), Name: r.str("name"), Email: r.str("email"), Bio: r.optStr("bio")}
	case Categories:
		e = Category{ID: r.key("id"), Name: r.str("name"), Slug: r.str("slug")}
	case Tags:
		e = Tag{ID: r.key("id"), Name: r.str("name")}
	case Articles:
		e = Article{
			ID:         r.key("id"),
			Title:      r.str("title"),
			Body:       r.optStr("body"),
			Published:  r.optBool("published"),
			Views:      r.optInt("views"),
			AuthorID:   r.key("author_id"),
			CategoryID: r.optKey("category_id"),
			CreatedAt:  r.optInt("created_at"),
			UpdatedAt:  r.optInt("updated_at"),
		}
	case ArticleTags:
		e = ArticleTag{ID: r.key("id"), ArticleID: r.key("article_id"), TagID: r.key("tag_id")}
	case Comments:
		e = Comment{
			ID:        r.key("id"),
			ArticleID: r.key("article_id"),
			AuthorID:  r.key("author_id"),
			ParentID:  r.optKey("parent_id"),
			Body:      r.str("body"),
			CreatedAt: r.optInt("created_at"),
		}
	case Likes:
		e = Like{ID: r.key("id"), ArticleID: r.key("article_id"), UserID: r.key("user_id")}
	case Bookmarks:
		e = Bookmark{ID: r.key("id"), ArticleID: r.key("article_id"), UserID: r.key("user_id")}
	case Session:
		e = SessionState{ID: r.key("id"), UserID: r.optInt("user_id"), Theme: r.optStr("theme")}
	default:
		return nil, ir.NewValidationError(collection, "", "not a CMS collection")
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// DecodeAs decodes rec into the variant T.
func DecodeAs[T Entity](rec ir.IRObject) (T, error) {
	var zero T
	e, err := Decode(zero.Collection(), rec)
	if err != nil {
		return zero, err
	}
	return e.(T), nil
}

// reader extracts typed fields and keeps the first failure.
type reader struct {
	collection string
	rec        ir.IRObject
	err        error
}

func (r *reader) fail(field, format string, args ...any) {
	if r.err == nil {
		r.err = ir.NewValidationError(r.collection, field, fmt.Sprintf(format, args...))
	}
}

func (r *reader) present(field string) (ir.IRValue, bool) {
	v, ok := r.rec[field]
	if !ok {
		return nil, false
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return nil, false
	}
	return v, true
}

func (r *reader) key(field string) ir.Key {
	v, ok := r.present(field)
	if !ok {
		r.fail(field, "missing key")
		return ir.Key{}
	}
	k, ok := ir.KeyOf(v)
	if !ok {
		r.fail(field, "expected a key, got %T", v)
	}
	return k
}

func (r *reader) optKey(field string) ir.Key {
	if _, ok := r.present(field); !ok {
		return ir.Key{}
	}
	return r.key(field)
}

func (r *reader) str(field string) string {
	v, ok := r.present(field)
	if !ok {
		r.fail(field, "missing string")
		return ""
	}
	s, ok := v.(ir.IRString)
	if !ok {
		r.fail(field, "expected a string, got %T", v)
	}
	return string(s)
}

func (r *reader) optStr(field string) string {
	if _, ok := r.present(field); !ok {
		return ""
	}
	return r.str(field)
}

func (r *reader) optInt(field string) int64 {
	v, ok := r.present(field)
	if !ok {
		return 0
	}
	i, ok := v.(ir.IRInt)
	if !ok {
		r.fail(field, "expected an int, got %T", v)
	}
	return int64(i)
}

func (r *reader) optBool(field string) bool {
	v, ok := r.present(field)
	if !ok {
		return false
	}
	b, ok := v.(ir.IRBool)
	if !ok {
		r.fail(field, "expected a bool, got %T", v)
	}
	return bool(b)
}
