package db

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"crybin/pkg/domain"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketPastes   = []byte("pastes")
	bucketComments = []byte("comments")
	bucketValues   = []byte("values")
)

// Bolt keeps everything in one embedded bbolt file. Comments are keyed
// {pasteid}/{parentid}/{commentid} so a paste's discussion is one prefix
// scan; values are keyed {namespace}/{key}. Every write is a transaction,
// so Create is a true check-and-set.
type Bolt struct {
	db *bbolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "bolt: create directory")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "bolt: open")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPastes, bucketComments, bucketValues} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "bolt: create bucket %q", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func commentBoltKey(pasteID, parentID, commentID string) []byte {
	return []byte(pasteID + "/" + parentID + "/" + commentID)
}

func valueBoltKey(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

func (b *Bolt) Create(ctx context.Context, id string, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketPastes)
		if bk.Get([]byte(id)) != nil {
			return ErrExists
		}
		return bk.Put([]byte(id), data)
	})
}

func (b *Bolt) Read(ctx context.Context, id string) (*domain.Paste, error) {
	var p domain.Paste
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPastes).Get([]byte(id))
		if data == nil {
			return domain.ErrPasteNotFound
		}
		return errors.Wrapf(json.Unmarshal(data, &p), "decode paste %s", id)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (b *Bolt) Exists(ctx context.Context, id string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketPastes).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketPastes).Delete([]byte(id)); err != nil {
			return err
		}
		comments := tx.Bucket(bucketComments)
		prefix := []byte(id + "/")
		var keys [][]byte
		c := comments.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := comments.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) CreateComment(ctx context.Context, pasteID, parentID, commentID string, cm *domain.Comment) error {
	data, err := json.Marshal(cm)
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	key := commentBoltKey(pasteID, parentID, commentID)
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketComments)
		if bk.Get(key) != nil {
			return ErrExists
		}
		return bk.Put(key, data)
	})
}

func (b *Bolt) ReadComments(ctx context.Context, pasteID string) ([]*domain.Comment, error) {
	d := NewDiscussion()
	prefix := []byte(pasteID + "/")
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketComments).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			parent, id, ok := strings.Cut(string(k[len(prefix):]), "/")
			if !ok {
				continue
			}
			var cm domain.Comment
			if err := json.Unmarshal(v, &cm); err != nil {
				return errors.Wrapf(err, "decode comment %s", id)
			}
			cm.ID = id
			cm.ParentID = parent
			d.Add(&cm)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.Comments(), nil
}

func (b *Bolt) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketComments).Get(commentBoltKey(pasteID, parentID, commentID)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) GetValue(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		value = string(tx.Bucket(bucketValues).Get(valueBoltKey(namespace, key)))
		return nil
	})
	return value, err
}

func (b *Bolt) SetValue(ctx context.Context, value, namespace, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put(valueBoltKey(namespace, key), []byte(value))
	})
}

func (b *Bolt) PurgeValues(ctx context.Context, namespace string, before int64) error {
	prefix := []byte(namespace + "/")
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketValues)
		var stale [][]byte
		c := bk.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if n, err := strconv.ParseInt(string(v), 10, 64); err == nil && n < before {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) GetAllPastes(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPastes).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (b *Bolt) ExpiredPastes(ctx context.Context, batch int, now int64) ([]string, error) {
	if batch < 1 {
		return nil, nil
	}
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPastes).Cursor()
		for k, v := c.First(); k != nil && len(ids) < batch; k, v = c.Next() {
			var p domain.Paste
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}
			if isExpired(&p, now) {
				ids = append(ids, string(k))
			}
		}
		return nil
	})
	return ids, err
}

func (b *Bolt) Ping(ctx context.Context) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketPastes) == nil {
			return errors.New("bolt: pastes bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error { return b.db.Close() }
