package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dig"
	"github.com/ashita-ai/dig/client"
	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/model"
	"github.com/ashita-ai/dig/internal/testutil"
)

// runCLI executes digctl with args and returns what it wrote.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := rootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func newServer(t *testing.T) string {
	t.Helper()
	t.Setenv("DIG_API_KEYS", "")
	app, err := dig.New(
		dig.WithStoreDSN("memory://"),
		dig.WithLogger(testutil.TestLogger()),
		dig.WithVersion("9.9.9"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func fixtureEvents() []model.Event {
	return []model.Event{
		testutil.Session("session_1", testutil.At(0)),
		testutil.Interaction("ai_1", "session_1", "model-a", testutil.At(1)),
		testutil.Change("change_1", testutil.At(2), model.Tags{"team": model.Tag("payments")},
			&model.Classification{ChangeType: model.ChangeFeature, RiskLevel: model.RiskHigh}, "ai_1"),
		testutil.Rollout("rollout_1", "change_1", "production", model.StrategyCanary, model.FinalRolledBack, testutil.At(3)),
		testutil.Outcome("outcome_1", "change_1", "rollout_1", testutil.Ptr(false), testutil.At(4)),
		testutil.Change("change_2", testutil.At(5), model.Tags{"team": model.Tag("search")},
			&model.Classification{ChangeType: model.ChangeFeature, RiskLevel: model.RiskLow}),
		testutil.Rollout("rollout_2", "change_2", "production", model.StrategyAllAtOnce, model.FinalSuccess, testutil.At(6)),
		testutil.Outcome("outcome_2", "change_2", "rollout_2", testutil.Ptr(true), testutil.At(7)),
		testutil.Learning("learning_1", testutil.At(8), "high risk rolls back", 0.8,
			map[string]any{"risk_level": "high"}, "risk_level == high"),
	}
}

func writeFixtureFile(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(fixtureEvents())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "events.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// ---------- record parsing ----------

func TestReadRecordsFile_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    []string
	}{
		{
			name:    "json array",
			file:    "a.json",
			content: `[{"id":"session_1"},{"id":"session_2"}]`,
			want:    []string{"session_1", "session_2"},
		},
		{
			name:    "json object",
			file:    "a.json",
			content: `{"id":"session_1"}`,
			want:    []string{"session_1"},
		},
		{
			name:    "json lines",
			file:    "a.jsonl",
			content: "{\"id\":\"session_1\"}\n{\"id\":\"session_2\"}\n",
			want:    []string{"session_1", "session_2"},
		},
		{
			name:    "yaml list",
			file:    "a.yaml",
			content: "- id: session_1\n- id: session_2\n",
			want:    []string{"session_1", "session_2"},
		},
		{
			name:    "yaml documents",
			file:    "a.yml",
			content: "id: session_1\n---\nid: session_2\n---\n- id: session_3\n",
			want:    []string{"session_1", "session_2", "session_3"},
		},
		{
			name:    "yaml without extension",
			file:    "events",
			content: "id: session_1\ntype: session\n",
			want:    []string{"session_1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			records, err := readRecordsFile(path, nil)
			require.NoError(t, err)
			var ids []string
			for _, r := range records {
				var h struct {
					ID string `json:"id"`
				}
				require.NoError(t, json.Unmarshal(r, &h))
				ids = append(ids, h.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestReadRecordsFile_YAMLKeepsTimestampsAsStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.yaml")
	content := "id: session_1\ncreated_at: 2026-03-01T09:00:00Z\ntags:\n  team: payments\nlines: 12\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	records, err := readRecordsFile(path, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t,
		`{"id":"session_1","created_at":"2026-03-01T09:00:00Z","tags":{"team":"payments"},"lines":12}`,
		string(records[0]))
}

func TestReadRecordsFile_Stdin(t *testing.T) {
	records, err := readRecordsFile("-", strings.NewReader(`{"id":"session_1"}`))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestReadRecordsFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"empty", "a.json", "  \n", "no records"},
		{"scalar array item", "a.json", `[{"id":"x"}, 3]`, "not a JSON object"},
		{"yaml scalar", "a.yaml", "just a string\n", "want a mapping or a list"},
		{"yaml list of scalars", "a.yaml", "- 1\n- 2\n", "not a mapping"},
		{"broken yaml", "a.yaml", "id: [unclosed\n", "document 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			_, err := readRecordsFile(path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReadRecordsFile_Missing(t *testing.T) {
	_, err := readRecordsFile(filepath.Join(t.TempDir(), "nope.json"), nil)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

// ---------- flags ----------

func TestParsePairs(t *testing.T) {
	m, err := parsePairs("tag", []string{"team=payments", "env=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "payments", "env": "a=b"}, m)

	_, err = parsePairs("tag", []string{"team"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--tag")

	m, err = parsePairs("tag", nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, _, err := runCLI(t, "", "--output", "xml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestVersion(t *testing.T) {
	out, _, err := runCLI(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "digctl dev\n", out)
}

// ---------- keygen ----------

func TestKeygen_WritesUsablePair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	out, _, err := runCLI(t, "", "keygen", "--dir", dir)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "jwt_private.pem")
	pubPath := filepath.Join(dir, "jwt_public.pem")
	assert.Contains(t, out, "DIG_JWT_PRIVATE_KEY="+privPath)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("ci-bot", model.RoleProducer)
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.Subject)
}

func TestKeygen_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jwt_public.pem"), []byte("keep"), 0o600))

	_, _, err := runCLI(t, "", "keygen", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	data, err := os.ReadFile(filepath.Join(dir, "jwt_public.pem"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))
	_, err = os.Stat(filepath.Join(dir, "jwt_private.pem"))
	assert.True(t, os.IsNotExist(err))
}

func TestAPIKey_EntryAuthenticates(t *testing.T) {
	out, _, err := runCLI(t, "", "apikey", "--name", "ci-bot", "--role", "producer")
	require.NoError(t, err)

	var key, entry string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if v, ok := strings.CutPrefix(line, "DIG_API_KEY="); ok {
			key = v
		}
		if v, ok := strings.CutPrefix(line, "DIG_API_KEYS entry: "); ok {
			entry = v
		}
	}
	require.NotEmpty(t, key)
	require.True(t, strings.HasPrefix(entry, "ci-bot:producer:argon2id$"), entry)
	assert.NotContains(t, entry, key)

	t.Setenv("DIG_API_KEYS", entry)
	app, err := dig.New(dig.WithStoreDSN("memory://"), dig.WithLogger(testutil.TestLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)

	_, _, err = runCLI(t, "", "--url", ts.URL, "--name", "ci-bot", "--api-key", key, "import", writeFixtureFile(t))
	require.NoError(t, err)

	_, _, err = runCLI(t, "", "--url", ts.URL, "--name", "ci-bot", "--api-key", "wrong", "get", "change_1")
	require.Error(t, err)
	assert.True(t, client.IsUnauthorized(err))
}

func TestAPIKey_RejectsBadInput(t *testing.T) {
	_, _, err := runCLI(t, "", "apikey", "--name", "a:b")
	require.Error(t, err)
	_, _, err = runCLI(t, "", "apikey", "--name", "ci", "--role", "root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--role")
}

// ---------- against a server ----------

func TestImport_Idempotency(t *testing.T) {
	url := newServer(t)
	path := writeFixtureFile(t)

	out, _, err := runCLI(t, "", "--url", url, "import", path)
	require.NoError(t, err)
	assert.Equal(t, "created=9 existing=0 failed=0\n", out)

	out, _, err = runCLI(t, "", "--url", url, "import", "--idempotent", "--batch-size", "4", path)
	require.NoError(t, err)
	assert.Equal(t, "created=0 existing=9 failed=0\n", out)

	out, errOut, err := runCLI(t, "", "--url", url, "import", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "9 of 9 records failed")
	assert.Contains(t, out, "failed=9")
	assert.Contains(t, errOut, "record 0 (session_1)")
}

func TestImport_DryRunAndBadBatchSize(t *testing.T) {
	path := writeFixtureFile(t)

	out, _, err := runCLI(t, "", "--url", "http://127.0.0.1:1", "import", "--dry-run", path)
	require.NoError(t, err)
	assert.Equal(t, "parsed 9 records\n", out)

	_, _, err = runCLI(t, "", "import", "--batch-size", "1001", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--batch-size")
}

func TestImport_FromStdinYAML(t *testing.T) {
	url := newServer(t)
	yamlDoc := `
id: session_9
type: session
version: "1.0"
created_at: 2026-03-01T09:00:00Z
intent:
  description: imported from yaml
  source: manual
`
	out, _, err := runCLI(t, yamlDoc, "--url", url, "import", "-")
	require.NoError(t, err)
	assert.Equal(t, "created=1 existing=0 failed=0\n", out)

	out, _, err = runCLI(t, "", "--url", url, "-o", "json", "get", "session_9")
	require.NoError(t, err)
	var se client.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(out), &se))
	h, err := se.Header()
	require.NoError(t, err)
	assert.Equal(t, "session", h.Type)
	assert.Equal(t, testutil.Epoch, h.CreatedAt.UTC())
}

func seeded(t *testing.T) string {
	t.Helper()
	url := newServer(t)
	_, _, err := runCLI(t, "", "--url", url, "import", writeFixtureFile(t))
	require.NoError(t, err)
	return url
}

func decodeEvents(t *testing.T, out string) []string {
	t.Helper()
	var events []client.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		h, err := ev.Header()
		require.NoError(t, err)
		ids = append(ids, h.ID)
	}
	return ids
}

func TestGet(t *testing.T) {
	url := seeded(t)

	out, _, err := runCLI(t, "", "--url", url, "get", "change_1")
	require.NoError(t, err)
	var se client.StoredEvent
	require.NoError(t, json.Unmarshal([]byte(out), &se))
	assert.Equal(t, int64(3), se.Sequence)
	assert.NotEmpty(t, se.ContentHash)

	_, _, err = runCLI(t, "", "--url", url, "get", "change_404")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestEvents(t *testing.T) {
	url := seeded(t)

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"by type", []string{"--type", "change"}, []string{"change_1", "change_2"}},
		{"by tag", []string{"--tag", "team=payments"}, []string{"change_1"}},
		{"by field", []string{"--type", "rollout", "--field", "final_status=success"}, []string{"rollout_2"}},
		{"window", []string{"--since", testutil.At(5).Format(time.RFC3339), "--until", testutil.At(7).Format(time.RFC3339)}, []string{"change_2", "rollout_2"}},
		{"one page", []string{"--limit", "4"}, []string{"session_1", "ai_1", "change_1", "rollout_1"}},
		{"after", []string{"--limit", "2", "--after", "7"}, []string{"outcome_2", "learning_1"}},
		{"of a change", []string{"--change", "change_1"}, []string{"change_1", "rollout_1", "outcome_1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--url", url, "-o", "json", "events"}, tt.args...)
			out, _, err := runCLI(t, "", args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decodeEvents(t, out))
		})
	}
}

func TestEvents_AllFollowsPages(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "-o", "json", "events", "--limit", "2", "--all")
	require.NoError(t, err)
	assert.Len(t, decodeEvents(t, out), 9)
}

func TestEvents_Table(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "-o", "table", "events", "--type", "change")
	require.NoError(t, err)
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "change_1")
	assert.Contains(t, out, "change_2")
	assert.NotContains(t, out, "rollout_1")
}

func TestEvents_BadFlags(t *testing.T) {
	_, _, err := runCLI(t, "", "events", "--since", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--since")

	_, _, err = runCLI(t, "", "events", "--field", "risk_level")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--field")
}

func TestTrace(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "trace", "change_1")
	require.NoError(t, err)

	var tr struct {
		ChangeID  string            `json:"change_id"`
		Sessions  []json.RawMessage `json:"sessions"`
		Rollouts  []json.RawMessage `json:"rollouts"`
		Canonical struct {
			Status string `json:"status"`
		} `json:"canonical"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tr))
	assert.Equal(t, "change_1", tr.ChangeID)
	assert.Len(t, tr.Sessions, 1)
	assert.Len(t, tr.Rollouts, 1)
	assert.Equal(t, "observed", tr.Canonical.Status)
}

func TestPSR(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "-o", "json", "psr", "--group-by", "risk_level", "--min-sample", "1", "--samples")
	require.NoError(t, err)

	var report client.PSRReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, []string{"risk_level"}, report.GroupBy)
	assert.Equal(t, 2, report.Overall.Labeled)
	assert.Equal(t, 1, report.Overall.Survived)
	require.NotNil(t, report.Overall.PSR)
	assert.InDelta(t, 50, *report.Overall.PSR, 1e-9)
	require.Len(t, report.Groups, 2)
	for _, g := range report.Groups {
		assert.Len(t, g.ChangeIDs, 1, g.Label)
	}
}

func TestPSR_Table(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "-o", "table", "psr", "--group-by", "tags.team", "--min-sample", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "PSR")
	assert.Contains(t, out, "(overall)")
	assert.Regexp(t, `(^|[^0-9])50\.0%`, out)
	assert.Contains(t, out, "100.0%")
	assert.NotContains(t, out, "5000.0%")
	assert.NotContains(t, out, "10000.0%")
	assert.Contains(t, out, "changes=2")
}

func TestMatch(t *testing.T) {
	url := seeded(t)

	out, _, err := runCLI(t, "", "--url", url, "-o", "json", "match", "change_1")
	require.NoError(t, err)
	var res client.MatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "learning_1", res.Matches[0].LearningID)

	out, _, err = runCLI(t, "", "--url", url, "-o", "json", "match", "change_2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 0, res.Total)
}

func TestMatch_CandidateFile(t *testing.T) {
	url := seeded(t)
	candidate := `
id: change_candidate
type: change
version: "1.0"
created_at: 2026-03-02T09:00:00Z
source_control:
  repository: acme/api
  commit_sha: abc123
classification:
  risk_level: high
`
	path := filepath.Join(t.TempDir(), "candidate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(candidate), 0o600))

	out, _, err := runCLI(t, "", "--url", url, "-o", "table", "match", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "learning_1")
	assert.Contains(t, out, "warning")
}

func TestMatch_ArgumentErrors(t *testing.T) {
	_, _, err := runCLI(t, "", "match")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required")

	_, _, err = runCLI(t, "", "match", "change_1", "--file", "x.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not both")

	url := seeded(t)
	_, _, err = runCLI(t, "", "--url", url, "match", "rollout_1")
	require.Error(t, err)
	assert.True(t, client.IsInvalid(err))
}

func TestLearnings(t *testing.T) {
	url := seeded(t)
	out, _, err := runCLI(t, "", "--url", url, "-o", "json", "learnings")
	require.NoError(t, err)
	assert.Equal(t, []string{"learning_1"}, decodeEvents(t, out))

	out, _, err = runCLI(t, "", "--url", url, "-o", "table", "learnings")
	require.NoError(t, err)
	assert.Contains(t, out, "high risk rolls back")
	assert.Contains(t, out, "0.80")
	assert.Contains(t, out, "risk_level")
}

func TestHealth(t *testing.T) {
	url := seeded(t)

	out, _, err := runCLI(t, "", "--url", url, "-o", "json", "health")
	require.NoError(t, err)
	var h client.Health
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, "9.9.9", h.Version)
	assert.Equal(t, "memory", h.Backend)
	assert.Equal(t, int64(9), h.LatestSequence)

	out, _, err = runCLI(t, "", "--url", url, "health", "--data")
	require.NoError(t, err)
	var report struct {
		Total     int `json:"total_events"`
		Integrity struct {
			Verified int `json:"verified"`
		} `json:"integrity"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 9, report.Total)
	assert.Equal(t, 9, report.Integrity.Verified)

	out, _, err = runCLI(t, "", "--url", url, "version", "--server")
	require.NoError(t, err)
	assert.Contains(t, out, "server 9.9.9 (memory)")
}

func TestCredentialsMustBePaired(t *testing.T) {
	_, _, err := runCLI(t, "", "--url", "http://127.0.0.1:1", "--name", "ci-bot", "health")
	require.Error(t, err)
}
