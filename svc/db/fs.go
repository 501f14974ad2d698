package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"crybin/pkg/domain"
	"crybin/svc/util"

	"github.com/pkg/errors"
)

// Filesystem stores each paste as JSON at {dir}/{id[0:2]}/{id[2:4]}/{id}.json
// and its comments under {id}.discussion/ next to it. Each value namespace is
// a single JSON object at {dir}/{namespace}.json.
type Filesystem struct {
	dir string
	mu  sync.RWMutex
}

func NewFilesystem(dir string) (*Filesystem, error) {
	if dir == "" {
		return nil, errors.New("filesystem store: empty data dir")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return &Filesystem{dir: dir}, nil
}

func (f *Filesystem) shard(id string) string {
	return filepath.Join(f.dir, id[:2], id[2:4])
}

func (f *Filesystem) pastePath(id string) string {
	return filepath.Join(f.shard(id), id+".json")
}

func (f *Filesystem) discussionDir(id string) string {
	return filepath.Join(f.shard(id), id+".discussion")
}

func (f *Filesystem) commentPath(pasteID, parentID, commentID string) string {
	return filepath.Join(f.discussionDir(pasteID), pasteID+"."+commentID+"."+parentID+".json")
}

func (f *Filesystem) valuePath(namespace string) string {
	return filepath.Join(f.dir, namespace+".json")
}

func (f *Filesystem) Create(ctx context.Context, id string, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return createExclusive(f.pastePath(id), data)
}

// createExclusive writes data to path unless path already exists. The link
// step fails atomically when another writer got there first.
func createExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "create shard dir")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return ErrExists
		}
		return errors.Wrap(err, "link record")
	}
	return nil
}

// writeReplace atomically replaces path with data.
func writeReplace(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}

func (f *Filesystem) Read(ctx context.Context, id string) (*domain.Paste, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.read(id)
}

func (f *Filesystem) read(id string) (*domain.Paste, error) {
	data, err := os.ReadFile(f.pastePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "read paste")
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode paste %s", id)
	}
	return &p, nil
}

func (f *Filesystem) Exists(ctx context.Context, id string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return statExists(f.pastePath(id))
}

func statExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat")
}

func (f *Filesystem) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	if err := os.Remove(f.pastePath(id)); err != nil && !os.IsNotExist(err) {
		firstErr = errors.Wrap(err, "remove paste")
	}
	if err := os.RemoveAll(f.discussionDir(id)); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "remove discussion")
	}
	return firstErr
}

func (f *Filesystem) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return createExclusive(f.commentPath(pasteID, parentID, commentID), data)
}

func (f *Filesystem) ReadComments(ctx context.Context, pasteID string) ([]*domain.Comment, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries, err := os.ReadDir(f.discussionDir(pasteID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read discussion")
	}
	d := NewDiscussion()
	for _, e := range entries {
		parts := strings.Split(e.Name(), ".")
		if e.IsDir() || len(parts) != 4 || parts[0] != pasteID || parts[3] != "json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.discussionDir(pasteID), e.Name()))
		if err != nil {
			return nil, errors.Wrap(err, "read comment")
		}
		var c domain.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errors.Wrapf(err, "decode comment %s", parts[1])
		}
		c.ID = parts[1]
		c.ParentID = parts[2]
		d.Add(&c)
	}
	return d.Comments(), nil
}

func (f *Filesystem) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return statExists(f.commentPath(pasteID, parentID, commentID))
}

func (f *Filesystem) loadNamespace(namespace string) (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(f.valuePath(namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, errors.Wrapf(err, "read namespace %s", namespace)
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "decode namespace %s", namespace)
	}
	return values, nil
}

func (f *Filesystem) storeNamespace(namespace string, values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return errors.Wrap(err, "marshal namespace")
	}
	return writeReplace(f.valuePath(namespace), data)
}

func (f *Filesystem) GetValue(ctx context.Context, namespace, key string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	values, err := f.loadNamespace(namespace)
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (f *Filesystem) SetValue(ctx context.Context, value, namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.loadNamespace(namespace)
	if err != nil {
		return err
	}
	values[key] = value
	return f.storeNamespace(namespace, values)
}

func (f *Filesystem) PurgeValues(ctx context.Context, namespace string, before int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.loadNamespace(namespace)
	if err != nil {
		return err
	}
	changed := false
	for k, v := range values {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n < before {
			delete(values, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return f.storeNamespace(namespace, values)
}

func (f *Filesystem) GetAllPastes(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ids []string
	err := f.walk(ctx, func(id string) bool {
		ids = append(ids, id)
		return true
	})
	return ids, err
}

func (f *Filesystem) ExpiredPastes(ctx context.Context, batch int, now int64) ([]string, error) {
	if batch < 1 {
		return nil, nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ids []string
	var readErr error
	err := f.walk(ctx, func(id string) bool {
		p, err := f.read(id)
		if err != nil {
			if !errors.Is(err, domain.ErrPasteNotFound) {
				readErr = err
			}
			return true
		}
		if isExpired(p, now) {
			ids = append(ids, id)
		}
		return len(ids) < batch
	})
	if err != nil {
		return ids, err
	}
	if readErr != nil {
		util.Warn().Err(readErr).Msg("unreadable paste skipped during expiry scan")
	}
	return ids, nil
}

// walk visits every paste id in the two level shard tree until fn returns false.
func (f *Filesystem) walk(ctx context.Context, fn func(id string) bool) error {
	first, err := os.ReadDir(f.dir)
	if err != nil {
		return errors.Wrap(err, "read data dir")
	}
	for _, a := range first {
		if !a.IsDir() || len(a.Name()) != 2 {
			continue
		}
		second, err := os.ReadDir(filepath.Join(f.dir, a.Name()))
		if err != nil {
			continue
		}
		for _, b := range second {
			if !b.IsDir() || len(b.Name()) != 2 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			files, err := os.ReadDir(filepath.Join(f.dir, a.Name(), b.Name()))
			if err != nil {
				continue
			}
			for _, file := range files {
				id, ok := strings.CutSuffix(file.Name(), ".json")
				if file.IsDir() || !ok || !util.IsValidID(id) {
					continue
				}
				if !fn(id) {
					return nil
				}
			}
		}
	}
	return nil
}

func (f *Filesystem) Ping(ctx context.Context) error {
	info, err := os.Stat(f.dir)
	if err != nil {
		return errors.Wrap(err, "stat data dir")
	}
	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", f.dir)
	}
	return nil
}

func (f *Filesystem) Close() error { return nil }
