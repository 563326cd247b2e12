package cms

import (
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

// Binding names used by the reference queries.
const (
	BindAuthor   = "author"
	BindArticle  = "article"
	BindUser     = "user"
	BindParent   = "parent"
	BindCategory = "category"
)

// Feed lists published articles newest first with author and category
// names. Uncategorized articles are kept.
func Feed(pageSize, page int) *queryir.Query {
	return queryir.From(Articles, "a").
		Join(Users, "u", queryir.On("a.author_id", "u.id")).
		LeftJoin(Categories, "c", queryir.On("a.category_id", "c.id")).
		Where(queryir.Eq("a.published", ir.IRBool(true))).
		Select(
			queryir.Col("id", "a.id"),
			queryir.Col("title", "a.title"),
			queryir.Col("author", "u.name"),
			queryir.Col("category", "c.name"),
			queryir.Col("created_at", "a.created_at"),
		).
		OrderBy("created_at", true).
		Limit(pageSize).
		Offset(pageSize * page).
		Build()
}

// ArticlesByAuthor lists every article of the bound author, drafts
// included, in title order.
func ArticlesByAuthor() *queryir.Query {
	return queryir.From(Articles).
		Where(queryir.Bound("author_id", BindAuthor)).
		OrderBy("title", false).
		Build()
}

// ArticlesInCategory lists the published articles of the bound category.
func ArticlesInCategory() *queryir.Query {
	return queryir.From(Articles).
		Where(queryir.All(
			queryir.Bound("category_id", BindCategory),
			queryir.Eq("published", ir.IRBool(true)),
		)).
		OrderBy("created_at", true).
		Build()
}

// LikeCounts counts likes per article, most liked first. Articles without
// likes report zero.
func LikeCounts() *queryir.Query {
	return queryir.From(Articles, "a").
		LeftJoin(Likes, "l", queryir.On("l.article_id", "a.id")).
		GroupBy("a.id", "a.title").
		Select(
			queryir.Col("article_id", "a.id"),
			queryir.Col("title", "a.title"),
			queryir.CountOf("likes", "l.id"),
		).
		OrderBy("likes", true).
		Build()
}

// LikedBy finds the like of the bound user on the bound article, if any.
// Toggle buttons subscribe to it.
func LikedBy() *queryir.Query {
	return queryir.From(Likes).
		Where(queryir.All(
			queryir.Bound("article_id", BindArticle),
			queryir.Bound("user_id", BindUser),
		)).
		FindOne().
		Build()
}

// BookmarkedBy is LikedBy for bookmarks.
func BookmarkedBy() *queryir.Query {
	return queryir.From(Bookmarks).
		Where(queryir.All(
			queryir.Bound("article_id", BindArticle),
			queryir.Bound("user_id", BindUser),
		)).
		FindOne().
		Build()
}

// UserBookmarks lists the bound user's bookmarked articles.
func UserBookmarks() *queryir.Query {
	return queryir.From(Bookmarks, "b").
		Join(Articles, "a", queryir.On("b.article_id", "a.id")).
		Where(queryir.Bound("b.user_id", BindUser)).
		Select(queryir.Col("id", "a.id"), queryir.Col("title", "a.title")).
		Build()
}

// ArticleTagNames lists the tags of the bound article by name.
func ArticleTagNames() *queryir.Query {
	return queryir.From(ArticleTags, "at").
		Join(Tags, "t", queryir.On("at.tag_id", "t.id")).
		Where(queryir.Bound("at.article_id", BindArticle)).
		Select(queryir.Col("id", "t.id"), queryir.Col("name", "t.name")).
		OrderBy("name", false).
		Build()
}

// TopLevelComments lists the comments of the bound article that are not
// replies, oldest first.
func TopLevelComments() *queryir.Query {
	return queryir.From(Comments).
		Where(queryir.All(
			queryir.Bound("article_id", BindArticle),
			queryir.Null("parent_id"),
		)).
		OrderBy("created_at", false).
		Build()
}

// Replies lists the direct replies of the bound comment with their
// authors.
func Replies() *queryir.Query {
	return queryir.From(Comments, "c").
		Join(Users, "u", queryir.On("c.author_id", "u.id")).
		Where(queryir.Bound("c.parent_id", BindParent)).
		Select(
			queryir.Col("id", "c.id"),
			queryir.Col("body", "c.body"),
			queryir.Col("author", "u.name"),
			queryir.Col("created_at", "c.created_at"),
		).
		OrderBy("created_at", false).
		Build()
}

// CategoryStats aggregates article counts and views per category.
// Uncategorized articles form their own group with a null category.
func CategoryStats() *queryir.Query {
	return queryir.From(Articles, "a").
		LeftJoin(Categories, "c", queryir.On("a.category_id", "c.id")).
		GroupBy("c.name").
		Select(
			queryir.Col("category", "c.name"),
			queryir.Count("articles"),
			queryir.Sum("views", "a.views"),
			queryir.Avg("avg_views", "a.views"),
			queryir.Max("top_views", "a.views"),
		).
		OrderBy("articles", true).
		Build()
}

// CurrentSession reads the local session row.
func CurrentSession() *queryir.Query {
	return queryir.From(Session).FindOne().Build()
}

// Queries maps reference query names to their constructors. The CLI and
// scenarios look queries up here.
func Queries() map[string]func() *queryir.Query {
	return map[string]func() *queryir.Query{
		"feed":                 func() *queryir.Query { return Feed(20, 0) },
		"articles_by_author":   ArticlesByAuthor,
		"articles_in_category": ArticlesInCategory,
		"like_counts":          LikeCounts,
		"liked_by":             LikedBy,
		"bookmarked_by":        BookmarkedBy,
		"user_bookmarks":       UserBookmarks,
		"article_tag_names":    ArticleTagNames,
		"top_level_comments":   TopLevelComments,
		"replies":              Replies,
		"category_stats":       CategoryStats,
		"current_session":      CurrentSession,
	}
}
