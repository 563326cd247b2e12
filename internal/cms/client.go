package cms

import (
	"fmt"

	"github.com/roach88/livedb/internal/engine"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/live"
	"github.com/roach88/livedb/internal/queryir"
	"github.com/roach88/livedb/internal/txn"
)

// Client issues CMS mutations and subscriptions through one engine
// session.
type Client struct {
	e *engine.Engine
}

// NewClient wraps an engine whose registry holds the CMS collections.
func NewClient(e *engine.Engine) *Client {
	return &Client{e: e}
}

// Engine returns the underlying session.
func (c *Client) Engine() *engine.Engine { return c.e }

// Create inserts a typed entity.
func (c *Client) Create(ent Entity) (*txn.Handle, error) {
	return c.e.Insert(ent.Collection(), ent.Record())
}

// Save replaces the payload of an existing entity with ent's values.
// Server-derived fields keep their stored values.
func (c *Client) Save(ent Entity) (*txn.Handle, error) {
	rec := ent.Record()
	key, ok := ir.KeyOf(rec["id"])
	if !ok {
		return nil, ir.NewValidationError(ent.Collection(), "id", "entity has no key")
	}
	return c.e.Update(ent.Collection(), key, func(draft ir.IRObject) error {
		for field, v := range rec {
			draft[field] = v
		}
		return nil
	})
}

// Remove deletes a typed entity by key.
func (c *Client) Remove(ent Entity) (*txn.Handle, error) {
	key, ok := ir.KeyOf(ent.Record()["id"])
	if !ok {
		return nil, ir.NewValidationError(ent.Collection(), "id", "entity has no key")
	}
	return c.e.Delete(ent.Collection(), key)
}

// Publish flips an article's published flag.
func (c *Client) Publish(article ir.Key, published bool) (*txn.Handle, error) {
	return c.e.Update(Articles, article, func(draft ir.IRObject) error {
		draft["published"] = ir.IRBool(published)
		return nil
	})
}

// View bumps an article's view counter.
func (c *Client) View(article ir.Key) (*txn.Handle, error) {
	return c.e.Update(Articles, article, func(draft ir.IRObject) error {
		n, _ := draft["views"].(ir.IRInt)
		draft["views"] = n + 1
		return nil
	})
}

// SetLike makes the (article, user) like exist or not. Repeating a call
// is harmless: liking twice keeps one row, unliking a missing row does
// nothing.
func (c *Client) SetLike(article, user ir.Key, on bool) (*txn.Handle, error) {
	return c.toggle(Likes, article, user, on)
}

// SetBookmark is SetLike for bookmarks.
func (c *Client) SetBookmark(article, user ir.Key, on bool) (*txn.Handle, error) {
	return c.toggle(Bookmarks, article, user, on)
}

func (c *Client) toggle(collection string, article, user ir.Key, on bool) (*txn.Handle, error) {
	pair := ir.IRObject{"article_id": article, "user_id": user}
	if on {
		return c.e.Insert(collection, pair)
	}
	return c.e.DeleteWhere(collection, pair)
}

// Tag attaches tags to an article by name in one transaction. Missing
// tags are created; existing tags and links are reused.
func (c *Client) Tag(article ir.Key, names ...string) (*txn.Handle, error) {
	if len(names) == 0 {
		return nil, ir.NewValidationError(ArticleTags, "tag_id", "no tags given")
	}
	return c.e.Transact(func(tx *engine.Tx) error {
		for _, name := range names {
			tag, err := tx.Insert(Tags, Tag{Name: name}.Record())
			if err != nil {
				return fmt.Errorf("tag %q: %w", name, err)
			}
			if _, err := tx.Insert(ArticleTags, ArticleTag{ArticleID: article, TagID: tag}.Record()); err != nil {
				return fmt.Errorf("tag %q: %w", name, err)
			}
		}
		return nil
	})
}

// Untag detaches a tag from an article. The tag itself is kept.
func (c *Client) Untag(article, tag ir.Key) (*txn.Handle, error) {
	return c.e.DeleteWhere(ArticleTags, ir.IRObject{"article_id": article, "tag_id": tag})
}

// Comment adds a top-level comment.
func (c *Client) Comment(article, author ir.Key, body string) (*txn.Handle, error) {
	return c.Create(Comment{ArticleID: article, AuthorID: author, Body: body})
}

// Reply answers a comment. The reply belongs to the parent's article.
func (c *Client) Reply(parent, author ir.Key, body string) (*txn.Handle, error) {
	st, ok := c.e.Registry().Store(Comments)
	if !ok {
		return nil, ir.NewValidationError(Comments, "", "unknown collection")
	}
	entry, ok := st.Get(c.e.Resolve(Comments, parent))
	if !ok {
		return nil, ir.NewNotFoundError(Comments, parent)
	}
	p, err := DecodeAs[Comment](entry.Record)
	if err != nil {
		return nil, err
	}
	return c.Create(Comment{ArticleID: p.ArticleID, AuthorID: author, ParentID: entry.Key, Body: body})
}

// Thread returns the keys of every reply below a comment, depth first,
// from the comment hierarchy index.
func (c *Client) Thread(root ir.Key) []ir.Key {
	st, ok := c.e.Registry().Store(Comments)
	if !ok {
		return nil
	}
	var out []ir.Key
	var walk func(ir.Key)
	walk = func(k ir.Key) {
		for _, child := range st.Children(k) {
			out = append(out, child)
			walk(child)
		}
	}
	walk(c.e.Resolve(Comments, root))
	return out
}

// SignIn stores the signed-in user in the local session row, creating the
// row on first use.
func (c *Client) SignIn(user int64) (*txn.Handle, error) {
	st, ok := c.e.Registry().Store(Session)
	if !ok {
		return nil, ir.NewValidationError(Session, "", "unknown collection")
	}
	if entries := st.Snapshot(); len(entries) > 0 {
		return c.e.Update(Session, entries[0].Key, func(draft ir.IRObject) error {
			draft["user_id"] = ir.IRInt(user)
			return nil
		})
	}
	return c.Create(SessionState{UserID: user})
}

// Watch subscribes to q and decodes every delivery into entities of T.
// q must yield whole records of T's collection.
func Watch[T Entity](c *Client, q *queryir.Query, bindings ir.IRObject, fn func([]T, error)) (*live.Subscription, error) {
	return c.e.Live().Subscribe(q, bindings, func(res live.Result) {
		out := make([]T, 0, res.Len())
		for _, row := range res.Rows {
			v, err := DecodeAs[T](row)
			if err != nil {
				fn(nil, err)
				return
			}
			out = append(out, v)
		}
		fn(out, nil)
	})
}
