package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedb/internal/ir"
)

func TestGetExitCode(t *testing.T) {
	conflict := ir.NewConflictError("likes", ir.RealKey(7), "tx-1")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"failure", NewExitError(ExitFailure, "1 scenario failed"), ExitFailure},
		{"command error wrapping sync error", WrapExitError(ExitCommandError, "E021: query failed", conflict), ExitCommandError},
		{"failure wrapping sync error", WrapExitError(ExitFailure, "scenario failed", conflict), ExitFailure},
		{"bare sync error", fmt.Errorf("load: %w", conflict), ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorKeepsSyncCode(t *testing.T) {
	cause := ir.Errorf(ir.ErrCodeForeignKey, "articles", "author missing")
	err := WrapExitError(ExitCommandError, "E030: insert failed", cause)

	assert.Equal(t, ir.ErrCodeForeignKey, ir.CodeOf(err))
	assert.Contains(t, err.Error(), "E030: insert failed: FOREIGN_KEY_CONSTRAINT")
}

func TestCommandError_JSONCarriesSyncDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := commandError(formatter, ErrCodeQueryFailed, "query failed",
		fmt.Errorf("select: %w", ir.NewConflictError("likes", ir.RealKey(7), "tx-1")))
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp struct {
		Status string `json:"status"`
		Error  struct {
			Code    string      `json:"code"`
			Message string      `json:"message"`
			Details SyncDetails `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeQueryFailed, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "query failed: select: CONFLICT")
	assert.Equal(t, SyncDetails{SyncCode: ir.ErrCodeConflict, Collection: "likes", Key: "7"}, resp.Error.Details)
}

func TestCommandError_PlainErrorHasNoDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	_ = commandError(formatter, ErrCodeNotFound, "database not found", errors.New("stat x.db: no such file"))

	var resp struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, ErrCodeNotFound, resp.Error["code"])
	assert.NotContains(t, resp.Error, "details")
}

func TestCommandError_TextVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	_ = commandError(formatter, ErrCodeDatabase, "failed to prepare collections",
		ir.NewNotFoundError("articles", ir.PendingKey("p-1")))

	assert.Contains(t, buf.String(), "Error [E030]: failed to prepare collections: NOT_FOUND")
	assert.Contains(t, buf.String(), "Sync: NOT_FOUND collection=articles key=pending:p-1")
}

func TestCommandError_TextQuietOmitsDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	_ = commandError(formatter, ErrCodeDatabase, "failed to open database", ir.Errorf(ir.ErrCodeNetwork, "", "locked"))

	assert.Contains(t, buf.String(), "Error [E030]")
	assert.NotContains(t, buf.String(), "Sync:")
}

func TestSuccess_QueryPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(QueryResult{
		Rows:  []ir.IRObject{{"id": ir.IRInt(11), "title": ir.IRString("Alpha")}},
		Count: 1,
	}))
	assert.JSONEq(t, `{"status":"ok","data":{"rows":[{"id":11,"title":"Alpha"}],"count":1}}`, buf.String())
}

func TestSuccess_FindOneMissPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(QueryResult{Rows: []ir.IRObject{}, One: true}))
	assert.JSONEq(t, `{"status":"ok","data":{"rows":[],"count":0,"one":true}}`, buf.String())
}

func TestSuccess_ExplainPayload(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(Explanation{
		Collections: []string{"articles"},
		Portable:    false,
		Warnings:    []string{"$sync is a virtual field"},
	}))
	assert.JSONEq(t, `{"status":"ok","data":{"collections":["articles"],"portable":false,"warnings":["$sync is a virtual field"]}}`, buf.String())
}

func TestVerboseLogGoesToErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}

	formatter.VerboseLog("Loaded %d collection(s)", 9)
	assert.Empty(t, out.String())
	assert.Equal(t, "Loaded 9 collection(s)\n", diag.String())

	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.NotContains(t, diag.String(), "dropped")
}
