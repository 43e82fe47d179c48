package input

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"

	"github.com/seantiz/stagehand/internal/model"
	"github.com/seantiz/stagehand/internal/store"
)

// KindFile is the product kind recorded for references resolved from paths.
const KindFile = "file"

// DefaultCacheSize is used when NewResolver is given a non-positive size.
const DefaultCacheSize = 1024

// ErrUnknownInput is returned for references that cannot be resolved.
var ErrUnknownInput = errors.New("unknown input type")

// ProductStore is the subset of store.Store the resolver needs.
type ProductStore interface {
	GetDataProduct(ctx context.Context, id int64) (*model.DataProduct, error)
	GetOrCreateDataProduct(ctx context.Context, kind, path string) (*model.DataProduct, error)
}

// Resolver resolves input references against a product store and a
// filesystem.
type Resolver struct {
	store  ProductStore
	fs     afero.Fs
	cache  *lru.Cache[int64, *model.DataProduct]
	logger *slog.Logger
}

// NewResolver creates a Resolver. Product lookups by id are cached in an LRU
// of cacheSize entries.
func NewResolver(s ProductStore, fsys afero.Fs, cacheSize int, logger *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[int64, *model.DataProduct](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create product cache: %w", err)
	}
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, fs: fsys, cache: cache, logger: logger}, nil
}

// Fs returns the filesystem paths are resolved against.
func (r *Resolver) Fs() afero.Fs {
	return r.fs
}

// Resolve normalizes ref into a Set. A nil reference resolves to an empty set.
// The elements of a top-level collection become the entries of the set; a
// collection nested inside it becomes a nested set.
func (r *Resolver) Resolve(ctx context.Context, ref any) (Set, error) {
	if ref == nil {
		return Set{}, nil
	}
	entries, err := r.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(entries) == 1 && entries[0].Product == nil {
		return entries[0].Set, nil
	}
	return entries, nil
}

// resolve returns the entries ref contributes at the current nesting level.
// Globs and JSON lists contribute several; everything else contributes one.
func (r *Resolver) resolve(ctx context.Context, ref any) (Set, error) {
	switch v := ref.(type) {
	case nil:
		return nil, nil
	case *model.DataProduct:
		return Set{{Product: v}}, nil
	case model.DataProduct:
		return Set{{Product: &v}}, nil
	case Set:
		return Set{{Set: v}}, nil
	case string:
		return r.resolveString(ctx, v)
	case []any:
		return r.nest(ctx, len(v), func(i int) any { return v[i] })
	case []string:
		return r.nest(ctx, len(v), func(i int) any { return v[i] })
	case []int:
		return r.nest(ctx, len(v), func(i int) any { return v[i] })
	case []int64:
		return r.nest(ctx, len(v), func(i int) any { return v[i] })
	case []*model.DataProduct:
		return r.nest(ctx, len(v), func(i int) any { return v[i] })
	}

	if id, ok := asID(ref); ok {
		dp, err := r.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		return Set{{Product: dp}}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownInput, ref)
}

// nest resolves each element of a collection into one nested entry.
func (r *Resolver) nest(ctx context.Context, n int, at func(int) any) (Set, error) {
	inner := make(Set, 0, n)
	for i := range n {
		entries, err := r.resolve(ctx, at(i))
		if err != nil {
			return nil, err
		}
		inner = append(inner, entries...)
	}
	return Set{{Set: inner}}, nil
}

func asID(ref any) (int64, bool) {
	switch v := ref.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	}
	return 0, false
}

func (r *Resolver) lookup(ctx context.Context, id int64) (*model.DataProduct, error) {
	if dp, ok := r.cache.Get(id); ok {
		return dp, nil
	}
	dp, err := r.store.GetDataProduct(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no data product with id %d", ErrUnknownInput, id)
	}
	if err != nil {
		return nil, fmt.Errorf("look up data product %d: %w", id, err)
	}
	r.cache.Add(id, dp)
	return dp, nil
}

func (r *Resolver) resolveString(ctx context.Context, s string) (Set, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnknownInput)
	}

	if strings.HasPrefix(trimmed, "[") {
		var decoded []any
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err == nil {
			return r.nest(ctx, len(decoded), func(i int) any { return decoded[i] })
		}
	}

	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		dp, err := r.lookup(ctx, id)
		if err != nil {
			return nil, err
		}
		return Set{{Product: dp}}, nil
	}

	path, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}

	if isGlob(path) {
		return r.resolveGlob(ctx, path)
	}

	exists, err := afero.Exists(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: path %s does not exist", ErrUnknownInput, path)
	}
	dp, err := r.store.GetOrCreateDataProduct(ctx, KindFile, path)
	if err != nil {
		return nil, fmt.Errorf("record data product %s: %w", path, err)
	}
	return Set{{Product: dp}}, nil
}

func (r *Resolver) resolveGlob(ctx context.Context, pattern string) (Set, error) {
	matches, err := r.glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no files match %s", ErrUnknownInput, pattern)
	}
	r.logger.Debug("expanded input glob", "pattern", pattern, "matches", len(matches))

	entries := make(Set, 0, len(matches))
	for _, m := range matches {
		dp, err := r.store.GetOrCreateDataProduct(ctx, KindFile, m)
		if err != nil {
			return nil, fmt.Errorf("record data product %s: %w", m, err)
		}
		entries = append(entries, Entry{Product: dp})
	}
	return entries, nil
}

// glob walks the static prefix of pattern and returns the regular files whose
// relative path matches the remainder, in lexical order.
func (r *Resolver) glob(pattern string) ([]string, error) {
	base, rest := doublestar.SplitPattern(filepath.ToSlash(pattern))
	if !doublestar.ValidatePattern(rest) {
		return nil, fmt.Errorf("%w: invalid glob %s", ErrUnknownInput, pattern)
	}
	root := filepath.FromSlash(base)

	var matches []string
	err := afero.Walk(r.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		ok, err := doublestar.Match(rest, filepath.ToSlash(rel))
		if err == nil && ok {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expand glob %s: %w", pattern, err)
	}
	slices.Sort(matches)
	return matches, nil
}

func isGlob(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}

// expandPath expands a leading "~" and environment variables and returns an
// absolute, cleaned path.
func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	p = os.ExpandEnv(p)
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", p, err)
	}
	return abs, nil
}
