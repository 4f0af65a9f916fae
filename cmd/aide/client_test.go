package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runAgainst(t *testing.T, handler http.HandlerFunc, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	old := serverAddr
	t.Cleanup(func() { serverAddr = old })

	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append(args, "--server", srv.URL))
	_, err := rootCmd.ExecuteC()
	return out.String(), err
}

// resetFlags restores flag defaults, since commands are package globals.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// request is what the test server saw.
type request struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

func recordRequest(got *request, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got.Method, got.Path, got.Query = r.Method, r.URL.Path, r.URL.RawQuery
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&got.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}
}

func TestTriggerCommand(t *testing.T) {
	var gotMethod, gotPath string
	out, err := runAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"success":true,"agent":"digest"}`))
	}, "trigger", "digest")

	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/agents/digest/trigger", gotPath)
	assert.Contains(t, out, `"success": true`)
}

func TestRunsCommand_Limit(t *testing.T) {
	var gotQuery string
	_, err := runAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}, "runs", "digest", "-n", "3")

	require.NoError(t, err)
	assert.Equal(t, "limit=3", gotQuery)
}

func TestCall_APIError(t *testing.T) {
	_, err := runAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"agent not found: nope"}`))
	}, "agents", "nope")

	require.Error(t, err)
	assert.Equal(t, "agent not found: nope (HTTP 404)", err.Error())
}

func TestCommandsRegistered(t *testing.T) {
	want := [][]string{
		{"serve"}, {"chat"}, {"agents"}, {"runs"}, {"jobs"}, {"trigger"}, {"pause"}, {"resume"},
		{"recommendations"}, {"recommendations", "stats"}, {"recommendations", "show"},
		{"recommendations", "view"}, {"recommendations", "action"}, {"recommendations", "dismiss"},
		{"recommendations", "delete"},
		{"memories"}, {"remember"}, {"forget"},
		{"knowledge"}, {"knowledge", "categories"}, {"knowledge", "add"}, {"knowledge", "update"},
		{"knowledge", "delete"},
	}
	for _, path := range want {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.IsType(t, &cobra.Command{}, cmd)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRecommendationsCommand(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		query  string
	}{
		{"pending by default", []string{"recommendations"}, http.MethodGet, "/recommendations", "status=pending"},
		{"filters", []string{"recs", "--status", "viewed", "--agent", "inbox"}, http.MethodGet, "/recommendations", "agent=inbox&status=viewed"},
		{"all", []string{"recs", "--status", ""}, http.MethodGet, "/recommendations", ""},
		{"stats", []string{"recs", "stats"}, http.MethodGet, "/recommendations/stats", ""},
		{"show", []string{"recs", "show", "r1"}, http.MethodGet, "/recommendations/r1", ""},
		{"view", []string{"recs", "view", "r1"}, http.MethodPost, "/recommendations/r1/view", ""},
		{"action", []string{"recs", "action", "r1"}, http.MethodPost, "/recommendations/r1/action", ""},
		{"dismiss", []string{"recs", "dismiss", "r1"}, http.MethodPost, "/recommendations/r1/dismiss", ""},
		{"delete", []string{"recs", "delete", "r1"}, http.MethodDelete, "/recommendations/r1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got request
			_, err := runAgainst(t, recordRequest(&got, `{}`), tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.path, got.Path)
			assert.Equal(t, tt.query, got.Query)
		})
	}
}

func TestRememberCommand(t *testing.T) {
	var got request
	out, err := runAgainst(t, recordRequest(&got, `{"id":"m1","content":"likes tea"}`),
		"remember", "likes", "tea", "-u", "dana")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/memories", got.Path)
	assert.Equal(t, "dana", got.Body["user_id"])
	assert.Equal(t, "likes tea", got.Body["content"])
	assert.Equal(t, map[string]any{"source": "cli"}, got.Body["metadata"])
	assert.Contains(t, out, `"id": "m1"`)
}

func TestMemoriesCommand_Search(t *testing.T) {
	var got request
	_, err := runAgainst(t, recordRequest(&got, `[]`), "memories", "morning meetings")
	require.NoError(t, err)
	assert.Equal(t, "/memories", got.Path)
	assert.Equal(t, "q=morning+meetings", got.Query)
}

func TestKnowledgeCommands(t *testing.T) {
	var got request
	_, err := runAgainst(t, recordRequest(&got, `{}`),
		"knowledge", "add", "Run", "migrations", "first", "--category", "ops", "--title", "Deploy", "--tags", "deploy,db")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/knowledge", got.Path)
	assert.Equal(t, map[string]any{
		"category": "ops",
		"title":    "Deploy",
		"content":  "Run migrations first",
		"tags":     []any{"deploy", "db"},
	}, got.Body)

	got = request{}
	_, err = runAgainst(t, recordRequest(&got, `[]`), "kb", "--category", "ops")
	require.NoError(t, err)
	assert.Equal(t, "category=ops", got.Query)

	got = request{}
	_, err = runAgainst(t, recordRequest(&got, `{}`), "knowledge", "update", "k1", "Run", "migrations", "last")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/knowledge/k1", got.Path)
	assert.Equal(t, map[string]any{"content": "Run migrations last"}, got.Body)
}
