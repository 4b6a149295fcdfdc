package main

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-match/internal/model"
	"github.com/sells-group/catalog-match/internal/store"
)

const testCatalogA = `id,title,author,year
a1,De Revolutionibus Orbium Coelestium,"Copernicus, Nicolaus",1543
a2,Sidereus Nuncius,Galilei,1610
a3,Zzyzx qwerty vvv,Smith,1700
`

const testCatalogB = `id,title,author,year
b1,De revolutionibus orbium coelestium,Copernicus,1566
b2,Sidereus nuncius,Galileo,1610
b3,Historia animalium,Gesner,1551
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	return rootCmd.Execute()
}

func TestMatchValidateReport_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "runs.db")
	cfgPath := writeFile(t, dir, "config.yaml", `
embedding:
  provider: hash
  dimensions: 128
  cache: true
store:
  database_url: `+dbPath+`
log:
  level: error
`)
	pathA := writeFile(t, dir, "bnf.csv", testCatalogA)
	pathB := writeFile(t, dir, "estc.csv", testCatalogB)

	require.NoError(t, execute(t, "match", "--config", cfgPath,
		"--catalog-a", "bnf", "--path-a", pathA,
		"--catalog-b", "estc", "--path-b", pathB,
		"--resume", "", "--validate=false"))

	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	ctx := context.Background()

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, model.RunStatusReported, run.Status)
	assert.Equal(t, "hash-trigram-128", run.Params.EmbeddingModel)

	// match locks a file beside the database.
	_, err = os.Stat(filepath.Join(dir, ".runs.db.lock"))
	require.NoError(t, err)

	// Review sheet export draws the sample on demand.
	sheet := filepath.Join(dir, "review.csv")
	require.NoError(t, execute(t, "validate", "sample", run.ID, "--config", cfgPath, "--out", sheet))
	labelSheet(t, sheet)

	require.NoError(t, execute(t, "validate", "score", run.ID, sheet, "--config", cfgPath, "--format", "json"))
	v, err := st.GetValidationReport(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Zero(t, v.Unlabeled)
	assert.InDelta(t, 1.0, v.Recall, 1e-9)

	out := filepath.Join(dir, "judgements.csv")
	require.NoError(t, execute(t, "report", run.ID, "--config", cfgPath,
		"--judgements", out, "--judgement-format", "csv", "--min-tier", "high"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	for _, l := range lines[1:] {
		assert.Contains(t, l, ",high,")
	}

	err = execute(t, "match", "--config", cfgPath, "--resume", run.ID)
	assert.ErrorIs(t, err, model.ErrRunNotResumable)
}

// labelSheet answers yes for every tier item and no for every unmatched item.
func labelSheet(t *testing.T, path string) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NotEmpty(t, rows)

	col := make(map[string]int)
	for i, h := range rows[0] {
		col[h] = i
	}
	for _, row := range rows[1:] {
		if row[col["stratum"]] == model.UnmatchedStratum {
			row[col["found_elsewhere"]] = "no"
		} else {
			row[col["is_same_work"]] = "yes"
		}
		row[col["reviewer"]] = "tester"
	}

	w, err := os.Create(path)
	require.NoError(t, err)
	cw := csv.NewWriter(w)
	require.NoError(t, cw.WriteAll(rows))
	require.NoError(t, w.Close())
}
