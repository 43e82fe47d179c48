package digest_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/stagehand/internal/input"
	"github.com/seantiz/stagehand/internal/lifecycle"
	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/param"
	"github.com/seantiz/stagehand/internal/pipelines/digest"
	"github.com/seantiz/stagehand/internal/store"
)

var files = map[string]string{
	"/data/a.txt": "alpha",
	"/data/b.txt": "bravo charlie",
}

func newRuntime(t *testing.T) (*lifecycle.Runtime, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fsys := afero.NewMemMapFs()
	for path, body := range files {
		require.NoError(t, afero.WriteFile(fsys, path, []byte(body), 0o644))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver, err := input.NewResolver(s, fsys, 16, logger)
	require.NoError(t, err)

	return &lifecycle.Runtime{Store: s, Inputs: resolver, Logger: logger, Version: "1.0.0"}, s
}

func sha(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func outputOf(t *testing.T, s store.Store, taskID string) digest.Result {
	t.Helper()
	outs, err := s.ListTaskOutputs(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, digest.OutputKind, outs[0].Kind)

	var res digest.Result
	require.NoError(t, json.Unmarshal(outs[0].Payload, &res))
	return res
}

func TestFileDigestSingleTask(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	inst, out, err := lifecycle.Run(ctx, rt, digest.FileDigest, []any{"/data/a.txt", "/data/b.txt"}, nil)
	require.NoError(t, err)

	results, ok := out.([]digest.Result)
	require.True(t, ok)
	require.Len(t, results, 1)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.Len(t, ec.Tasks, 1)
	assert.Nil(t, ec.Bundle)

	res := outputOf(t, s, ec.Tasks[0].ID)
	assert.Equal(t, "sha256", res.Algorithm)
	assert.Empty(t, res.Labels)
	require.Len(t, res.Files, 2)
	assert.Equal(t, "/data/a.txt", res.Files[0].Path)
	assert.Equal(t, sha("alpha"), res.Files[0].Sum)
	assert.Equal(t, int64(5), res.Files[0].Bytes)
	assert.Equal(t, sha("bravo charlie"), res.Files[1].Sum)

	task, err := s.GetTask(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
}

func TestFileDigestBundle(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	inst, _, err := lifecycle.Run(ctx, rt, digest.FileDigest,
		lifecycle.PerTask{"/data/a.txt", "/data/b.txt"},
		map[string]any{
			"max_bytes": []any{2, 0},
			"labels":    map[string]any{"run": "nightly"},
		})
	require.NoError(t, err)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.Len(t, ec.Tasks, 2)
	require.NotNil(t, ec.Bundle)

	first := outputOf(t, s, ec.Tasks[0].ID)
	require.Len(t, first.Files, 1)
	assert.Equal(t, "/data/a.txt", first.Files[0].Path)
	assert.Equal(t, int64(2), first.Files[0].Bytes)
	assert.Equal(t, sha("al"), first.Files[0].Sum)
	assert.Equal(t, map[string]any{"run": "nightly"}, first.Labels)

	second := outputOf(t, s, ec.Tasks[1].ID)
	require.Len(t, second.Files, 1)
	assert.Equal(t, "/data/b.txt", second.Files[0].Path)
	assert.Equal(t, sha("bravo charlie"), second.Files[0].Sum)

	b, err := s.GetBundle(ctx, ec.Bundle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, b.Status)
}

func TestFileDigestBundleSharedInputs(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	inst, _, err := lifecycle.Run(ctx, rt, digest.FileDigest,
		[]any{"/data/a.txt", "/data/b.txt"},
		map[string]any{"max_bytes": []any{2, 0}})
	require.NoError(t, err)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	require.Len(t, ec.Tasks, 2)

	for _, task := range ec.Tasks {
		res := outputOf(t, s, task.ID)
		require.Len(t, res.Files, 2)
		assert.Equal(t, "/data/a.txt", res.Files[0].Path)
		assert.Equal(t, "/data/b.txt", res.Files[1].Path)
	}
	assert.Equal(t, sha("al"), outputOf(t, s, ec.Tasks[0].ID).Files[0].Sum)
	assert.Equal(t, sha("alpha"), outputOf(t, s, ec.Tasks[1].ID).Files[0].Sum)
}

func TestFileDigestXXHash(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	inst, _, err := lifecycle.Run(ctx, rt, digest.FileDigest, "/data/a.txt", map[string]any{"algorithm": "XXHASH"})
	require.NoError(t, err)

	ec, err := inst.Context(ctx)
	require.NoError(t, err)

	res := outputOf(t, s, ec.Tasks[0].ID)
	h := xxhash.New()
	_, _ = h.WriteString("alpha")
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), res.Files[0].Sum)
	assert.Equal(t, "xxhash", res.Algorithm)
}

func TestFileDigestFailures(t *testing.T) {
	tests := []struct {
		name   string
		kwargs map[string]any
		stage  lifecycle.Stage
		status string
	}{
		{"unsupported algorithm", map[string]any{"algorithm": "crc32"}, lifecycle.StagePreExecute, model.StatusFailedPreExecute},
		{"negative max_bytes", map[string]any{"max_bytes": -1}, lifecycle.StageExecute, model.StatusFailedExecute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rt, s := newRuntime(t)
			ctx := context.Background()

			inst, _, err := lifecycle.Run(ctx, rt, digest.FileDigest, "/data/a.txt", tc.kwargs)
			var se *lifecycle.StageError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.stage, se.Stage)

			ec, err := inst.Context(ctx)
			require.NoError(t, err)
			task, err := s.GetTask(ctx, ec.Tasks[0].ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, task.Status)

			outs, err := s.ListTaskOutputs(ctx, ec.Tasks[0].ID)
			require.NoError(t, err)
			assert.Empty(t, outs)
		})
	}
}

func TestFileDigestBundledAlgorithm(t *testing.T) {
	rt, _ := newRuntime(t)

	_, _, err := lifecycle.Run(context.Background(), rt, digest.FileDigest, "/data/a.txt",
		map[string]any{"algorithm": []any{"md5", "sha1"}})
	require.ErrorIs(t, err, param.ErrInvalidBundled)
}

func TestFileDigestUndecorated(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	inst, err := lifecycle.New(rt, digest.FileDigest, "/data/a.txt", map[string]any{"algorithm": "md5"})
	require.NoError(t, err)

	out, err := inst.Execute(ctx, lifecycle.WithoutDecoration())
	require.NoError(t, err)
	results := out.([]digest.Result)
	require.Len(t, results, 1)
	assert.Equal(t, "md5", results[0].Algorithm)

	// No status updates and no outputs without decoration.
	ec, err := inst.Context(ctx)
	require.NoError(t, err)
	task, err := s.GetTask(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, task.Status)
	outs, err := s.ListTaskOutputs(ctx, ec.Tasks[0].ID)
	require.NoError(t, err)
	assert.Empty(t, outs)
}

func TestAlgorithms(t *testing.T) {
	names := digest.Algorithms()
	assert.Equal(t, []string{"md5", "sha1", "sha256", "sha512", "xxhash"}, names)
}

func TestRegister(t *testing.T) {
	reg := lifecycle.NewRegistry()
	require.NoError(t, digest.Register(reg))

	tt, err := reg.Lookup(digest.TypeName)
	require.NoError(t, err)
	assert.Equal(t, 3, tt.Parameters.Len())
	assert.Error(t, digest.Register(reg), "duplicate registration should fail")
}
