package songmap

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
)

// Registry resolves song maps by name or path and caches parsed documents.
// Parsed maps are immutable, so handing the same instance to concurrent
// sessions is safe.
type Registry struct {
	dir   string
	cache *cache.Cache
	log   *slog.Logger
}

// NewRegistry creates a registry rooted at dir. Cached entries expire after
// ttl so a re-exported map is picked up without restarting the process.
func NewRegistry(dir string, ttl time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		dir:   dir,
		cache: cache.New(ttl, 2*ttl),
		log:   log,
	}
}

// resolvePath turns a map name or path into a concrete file path. Names
// without an extension are looked up inside the registry directory.
func (r *Registry) resolvePath(name string) string {
	if strings.ContainsRune(name, filepath.Separator) || strings.HasSuffix(name, conf.SongMapExtension) {
		return name
	}
	return filepath.Join(r.dir, name+conf.SongMapExtension)
}

// Get returns the parsed song map for a name or path, loading it on a cache miss.
func (r *Registry) Get(name string) (*SongMap, error) {
	if name == "" {
		return nil, errors.Newf("song map name is empty").
			Category(errors.CategoryValidation).
			Build()
	}

	path := r.resolvePath(name)

	if cached, found := r.cache.Get(path); found {
		return cached.(*SongMap), nil
	}

	m, err := Load(path)
	if err != nil {
		return nil, err
	}

	r.cache.SetDefault(path, m)
	if r.log != nil {
		r.log.Debug("song map loaded",
			"path", path,
			"title", m.Title,
			"syllables", m.SyllableCount())
	}
	return m, nil
}

// Invalidate drops a cached entry so the next Get reloads from disk.
func (r *Registry) Invalidate(name string) {
	r.cache.Delete(r.resolvePath(name))
}
