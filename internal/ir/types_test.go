package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func likesSpec() *CollectionSpec {
	return &CollectionSpec{
		Name: "likes",
		Refs: []RefSpec{
			{Field: "article_id", To: "articles", OnDelete: OnDeleteCascade},
			{Field: "user_id", To: "users", OnDelete: OnDeleteCascade},
		},
		Unique:     [][]string{{"article_id", "user_id"}},
		Timestamps: map[string]string{"created_at": StampInsert},
	}
}

func TestCollectionSpecValid(t *testing.T) {
	assert.Empty(t, likesSpec().Validate())
}

func TestCollectionSpecDefaults(t *testing.T) {
	s := likesSpec()
	assert.Equal(t, "id", s.KeyField())
	assert.Equal(t, []string{"article_id", "user_id"}, s.ToggleKey())
	assert.Equal(t, []string{"id", "article_id", "user_id", "created_at"}, s.Columns())
	assert.True(t, s.HasField("created_at"))
	assert.False(t, s.HasField("title"))
}

func TestCollectionSpecValidateCollectsAllErrors(t *testing.T) {
	s := &CollectionSpec{
		Name:   "comments",
		Fields: []FieldSpec{{Name: "body", Type: "float"}, {Name: "body", Type: "string"}},
		Refs:   []RefSpec{{Field: "parent_id", To: "articles", OnDelete: "explode"}},
		Unique: [][]string{{"missing"}},
		Parent: "parent_id",
	}

	errs := s.Validate()
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.ElementsMatch(t, []string{
		"fields[0].type",
		"fields[1]",
		"refs[0].on_delete",
		"unique[0]",
		"parent",
	}, fields)
}

func TestCollectionSpecJSONFieldNaming(t *testing.T) {
	data, err := json.Marshal(likesSpec())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"on_delete":"cascade"`)
	assert.Contains(t, string(data), `"unique":[["article_id","user_id"]]`)
	assert.NotContains(t, string(data), `"OnDelete"`)
}

func TestMutationChanges(t *testing.T) {
	m := Mutation{
		Kind:     MutationUpdate,
		Original: IRObject{"title": IRString("a"), "views": IRInt(1), "draft": IRBool(true)},
		Modified: IRObject{"title": IRString("b"), "views": IRInt(1), "slug": IRString("b")},
	}
	assert.Equal(t, IRObject{
		"title": IRString("b"),
		"slug":  IRString("b"),
		"draft": IRNull{},
	}, m.Changes())
}
