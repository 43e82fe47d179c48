// Package digest provides the digest.FileDigest task type, which computes a
// checksum of every input file of each task and records it as an output.
package digest

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/seantiz/stagehand/internal/lifecycle"
	"github.com/seantiz/stagehand/internal/param"
)

// TypeName is the registered name of the task type.
const TypeName = "digest.FileDigest"

// OutputKind is the kind of output recorded per task.
const OutputKind = "digest"

// DefaultAlgorithm is used when no algorithm is supplied.
const DefaultAlgorithm = "sha256"

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"xxhash": func() hash.Hash { return xxhash.New() },
}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params are the parameters of one task.
type Params struct {
	Algorithm string         `mapstructure:"algorithm"`
	MaxBytes  int64          `mapstructure:"max_bytes"`
	Labels    map[string]any `mapstructure:"labels"`
}

// File is the digest of one input file.
type File struct {
	ProductID int64  `json:"product_id"`
	Path      string `json:"path"`
	Bytes     int64  `json:"bytes"`
	Sum       string `json:"sum"`
}

// Result is the output payload recorded for one task.
type Result struct {
	Algorithm string         `json:"algorithm"`
	Labels    map[string]any `json:"labels"`
	Files     []File         `json:"files"`
}

// FileDigest hashes the input files of every task in the instance. The
// algorithm is bundled, so a bundle shares one validated hash constructor.
var FileDigest = &lifecycle.TaskType{
	Name: TypeName,
	Parameters: param.MustSchema(
		param.New("algorithm", param.Bundled(), param.WithDefault(DefaultAlgorithm)),
		param.New("max_bytes", param.WithDefault(0)),
		param.New("labels", param.Dict(), param.WithDefault(map[string]any{})),
	),
	PreExecute:  preExecute,
	Execute:     execute,
	PostExecute: postExecute,
}

// Register adds the task type to reg.
func Register(reg *lifecycle.Registry) error {
	return reg.Register(FileDigest)
}

func preExecute(_ context.Context, inst *lifecycle.Instance) (any, error) {
	newHash, err := selectAlgorithm(inst)
	if err != nil {
		return nil, err
	}
	return newHash, nil
}

func selectAlgorithm(inst *lifecycle.Instance) (func() hash.Hash, error) {
	name, _ := inst.Value("algorithm").(string)
	name = strings.ToLower(name)
	newHash, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q (want one of %s)", name, strings.Join(Algorithms(), ", "))
	}
	inst.Logger().Debug("digest algorithm selected", "algorithm", name, "tasks", inst.BatchSize())
	return newHash, nil
}

func execute(ctx context.Context, inst *lifecycle.Instance) (any, error) {
	// Pre-execute is skipped when execute runs undecorated.
	pre, _ := inst.StageResult(lifecycle.StagePreExecute)
	newHash, ok := pre.(func() hash.Hash)
	if !ok {
		var err error
		if newHash, err = selectAlgorithm(inst); err != nil {
			return nil, err
		}
	}

	results := make([]Result, inst.BatchSize())
	err := inst.Each(ctx, func(it lifecycle.Item) error {
		var p Params
		if err := it.Decode(&p); err != nil {
			return err
		}
		if p.MaxBytes < 0 {
			return fmt.Errorf("task %s: max_bytes must not be negative, got %d", it.Task.ID, p.MaxBytes)
		}
		if p.Labels == nil {
			p.Labels = map[string]any{}
		}

		res := Result{Algorithm: strings.ToLower(p.Algorithm), Labels: p.Labels, Files: []File{}}
		for _, dp := range it.Inputs.Flatten() {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := hashFile(inst, dp.Path, newHash(), p.MaxBytes)
			if err != nil {
				return fmt.Errorf("task %s: %w", it.Task.ID, err)
			}
			f.ProductID = dp.ID
			res.Files = append(res.Files, f)
		}
		results[it.Index] = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func hashFile(inst *lifecycle.Instance, path string, h hash.Hash, maxBytes int64) (File, error) {
	f, err := inst.Fs().Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxBytes > 0 {
		r = io.LimitReader(f, maxBytes)
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	return File{Path: path, Bytes: n, Sum: hex.EncodeToString(h.Sum(nil))}, nil
}

func postExecute(ctx context.Context, inst *lifecycle.Instance) (any, error) {
	out, _ := inst.StageResult(lifecycle.StageExecute)
	results, _ := out.([]Result)

	if len(results) != inst.BatchSize() {
		return nil, fmt.Errorf("have %d results for %d tasks", len(results), inst.BatchSize())
	}

	ids := make([]int64, 0, len(results))
	err := inst.Each(ctx, func(it lifecycle.Item) error {
		o, err := inst.CreateOutput(ctx, it.Task, OutputKind, results[it.Index])
		if err != nil {
			return err
		}
		ids = append(ids, o.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
