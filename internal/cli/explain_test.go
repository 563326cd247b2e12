package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/cms"
	"github.com/roach88/livedb/internal/ir"
	"github.com/roach88/livedb/internal/queryir"
)

func runExplainCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewExplainCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestExplainText(t *testing.T) {
	q := writeFile(t, t.TempDir(), "by_author.yaml", byAuthorQuery)

	out, err := runExplainCommand(t, "text", "--bind", "author=7", q)
	require.NoError(t, err)
	assert.Contains(t, out, "collections: [articles]")
	assert.Contains(t, out, "bindings:    [author]")
	assert.Contains(t, out, "✓ portable")
	assert.Contains(t, out, `FROM "articles"`)
	assert.Contains(t, out, `"author_id" = ?`)
	assert.Contains(t, out, "params: [7]")
}

func TestExplainJSON(t *testing.T) {
	q := writeFile(t, t.TempDir(), "by_author.yaml", byAuthorQuery)

	out, err := runExplainCommand(t, "json", "--bind", "author=7", q)
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   Explanation `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Portable)
	assert.Equal(t, []string{"articles"}, resp.Data.Collections)
	assert.Contains(t, resp.Data.SQL, "SELECT")
	assert.Equal(t, []any{float64(7)}, resp.Data.Params)
}

func TestExplainUnboundCompilesToNull(t *testing.T) {
	q := writeFile(t, t.TempDir(), "by_author.yaml", byAuthorQuery)

	out, err := runExplainCommand(t, "text", q)
	require.NoError(t, err)
	assert.Contains(t, out, `"author_id" = ?`)
	assert.Contains(t, out, "params: [<nil>]")
}

func TestExplainNonPortable(t *testing.T) {
	q := writeFile(t, t.TempDir(), "pending.yaml", `
from: {collection: articles}
where:
  equals: {field: $sync, value: pending}
`)

	out, err := runExplainCommand(t, "text", q)
	require.NoError(t, err)
	assert.Contains(t, out, "✗ not portable")
	assert.Contains(t, out, "virtual")
	assert.NotContains(t, out, "SELECT")
}

func TestExplainInvalidQuery(t *testing.T) {
	q := writeFile(t, t.TempDir(), "bad.yaml", "from: {collection: articles}\nlimt: 3\n")

	_, err := runExplainCommand(t, "text", q)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeQueryInvalid)
}

func TestExplainReferenceQueries(t *testing.T) {
	s, err := cms.LoadSchema()
	require.NoError(t, err)
	lookup := schemaLookup(s)

	for name, mk := range cms.Queries() {
		t.Run(name, func(t *testing.T) {
			q := mk()
			require.NoError(t, queryir.Check(q, lookup))
			exp, err := explain(q, ir.IRObject{}, lookup)
			require.NoError(t, err)
			if exp.Portable {
				assert.Contains(t, exp.SQL, "SELECT")
			} else {
				assert.NotEmpty(t, exp.Warnings)
			}
		})
	}
}
