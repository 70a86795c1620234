package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// MediaSource is a configured live source. The proxy only reads it.
type MediaSource struct {
	Key       string            `yaml:"key"`
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	UserAgent string            `yaml:"ua"`
	Headers   map[string]string `yaml:"headers"`
}

// SourceLookup resolves a source key to its configuration.
type SourceLookup interface {
	Lookup(key string) (MediaSource, bool)
}

// StaticSources is a fixed source table.
type StaticSources map[string]MediaSource

func (s StaticSources) Lookup(key string) (MediaSource, bool) {
	src, ok := s[key]
	return src, ok
}

// sourcesFile accepts both a plain list under "sources" and the site config
// layout that keeps live sources under "LiveConfig". JSON files parse too.
type sourcesFile struct {
	Sources    []MediaSource `yaml:"sources"`
	LiveConfig []MediaSource `yaml:"LiveConfig"`
}

func parseSources(data []byte) (StaticSources, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources: %w", err)
	}
	out := make(StaticSources, len(f.Sources)+len(f.LiveConfig))
	for _, src := range append(f.Sources, f.LiveConfig...) {
		src.Key = strings.TrimSpace(src.Key)
		if src.Key == "" {
			return nil, fmt.Errorf("parse sources: entry %q has no key", src.Name)
		}
		if _, dup := out[src.Key]; dup {
			return nil, fmt.Errorf("parse sources: duplicate key %q", src.Key)
		}
		out[src.Key] = src
	}
	return out, nil
}

const snapshotKey = "sources"

// FileSources serves lookups from a snapshot of a sources file. The snapshot
// expires after ttl and is also dropped as soon as the file changes; a
// failed reload keeps serving the last good table.
type FileSources struct {
	path  string
	ttl   time.Duration
	log   *zap.Logger
	cache *cache.Cache

	mu   sync.Mutex
	last StaticSources
}

// NewFileSources loads path once and fails if it cannot be parsed.
func NewFileSources(path string, ttl time.Duration, log *zap.Logger) (*FileSources, error) {
	s := &FileSources{
		path:  path,
		ttl:   ttl,
		log:   log,
		cache: cache.New(ttl, 2*ttl),
	}
	table, err := s.read()
	if err != nil {
		return nil, err
	}
	s.last = table
	s.cache.Set(snapshotKey, table, cache.DefaultExpiration)
	log.Info("sources loaded", zap.String("path", path), zap.Int("count", len(table)))
	return s, nil
}

func (s *FileSources) read() (StaticSources, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return parseSources(data)
}

func (s *FileSources) Lookup(key string) (MediaSource, bool) {
	return s.snapshot().Lookup(key)
}

func (s *FileSources) snapshot() StaticSources {
	if v, ok := s.cache.Get(snapshotKey); ok {
		return v.(StaticSources)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(snapshotKey); ok {
		return v.(StaticSources)
	}
	table, err := s.read()
	if err != nil {
		s.log.Error("reload sources failed, keeping previous table", zap.String("path", s.path), zap.Error(err))
		table = s.last
	} else if len(table) != len(s.last) {
		s.log.Info("sources reloaded", zap.String("path", s.path), zap.Int("count", len(table)))
	}
	s.last = table
	s.cache.Set(snapshotKey, table, cache.DefaultExpiration)
	return table
}

// Invalidate drops the snapshot so the next lookup rereads the file.
func (s *FileSources) Invalidate() {
	s.cache.Delete(snapshotKey)
}

// Watch invalidates the snapshot whenever the file is written or replaced.
// The parent directory is watched because editors often swap the file.
func (s *FileSources) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != name {
					continue
				}
				if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					s.log.Debug("sources file changed", zap.String("op", e.Op.String()))
					s.Invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("sources watch error", zap.Error(err))
			}
		}
	}()
	return nil
}
