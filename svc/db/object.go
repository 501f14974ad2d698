package db

import (
	"context"
	"encoding/json"
	"path"
	"strconv"
	"strings"

	"crybin/pkg/domain"
	"crybin/svc/util"

	"github.com/pkg/errors"
)

var (
	errObjectNotFound = errors.New("object not found")
	errObjectExists   = errors.New("object already exists")
)

// ObjectInfo is one listing entry. Metadata is nil when the provider does
// not return it with listings.
type ObjectInfo struct {
	Key      string
	Metadata map[string]string
}

// Bucket is the slice of an object storage API the object store needs. Get
// and Head report errObjectNotFound for missing keys; Put with ifAbsent
// reports errObjectExists when the key is already taken.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte, metadata map[string]string, ifAbsent bool) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
	// List returns one page of keys under prefix and the token of the next
	// page, empty when done.
	List(ctx context.Context, prefix, pageToken string) ([]ObjectInfo, string, error)
}

// Object lays records out in a bucket as
//
//	{prefix}/{pasteid}
//	{prefix}/{pasteid}/discussion/{parentid}/{commentid}
//	{prefix}/config/{namespace}[/{key}]
//
// and mirrors the non secret metadata of each record as object metadata so
// expiry can be checked without downloading bodies.
type Object struct {
	bucket Bucket
	prefix string
	name   string
}

func NewObject(name string, b Bucket, prefix string) *Object {
	return &Object{bucket: b, prefix: strings.Trim(prefix, "/"), name: name}
}

func (o *Object) key(parts ...string) string {
	if o.prefix != "" {
		parts = append([]string{o.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (o *Object) root() string {
	if o.prefix == "" {
		return ""
	}
	return o.prefix + "/"
}

func (o *Object) pasteKey(id string) string { return o.key(id) }

func (o *Object) discussionPrefix(id string) string { return o.key(id, "discussion") + "/" }

func (o *Object) commentKey(pasteID, parentID, commentID string) string {
	return o.key(pasteID, "discussion", parentID, commentID)
}

func (o *Object) valueKey(namespace, key string) string {
	if key == "" {
		return o.key("config", namespace)
	}
	return o.key("config", namespace, key)
}

func (o *Object) Create(ctx context.Context, id string, p *domain.Paste) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal paste")
	}
	return o.createObject(ctx, o.pasteKey(id), data, p.Meta.ObjectMetadata())
}

func (o *Object) createObject(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if _, err := o.bucket.Head(ctx, key); err == nil {
		return ErrExists
	} else if !errors.Is(err, errObjectNotFound) {
		return errors.Wrapf(err, "%s head", o.name)
	}
	err := o.bucket.Put(ctx, key, data, meta, true)
	if errors.Is(err, errObjectExists) {
		return ErrExists
	}
	return errors.Wrapf(err, "%s put", o.name)
}

func (o *Object) Read(ctx context.Context, id string) (*domain.Paste, error) {
	data, err := o.bucket.Get(ctx, o.pasteKey(id))
	if errors.Is(err, errObjectNotFound) {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%s get", o.name)
	}
	var p domain.Paste
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrapf(err, "decode paste %s", id)
	}
	return &p, nil
}

func (o *Object) Exists(ctx context.Context, id string) (bool, error) {
	return o.exists(ctx, o.pasteKey(id))
}

func (o *Object) exists(ctx context.Context, key string) (bool, error) {
	_, err := o.bucket.Head(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errObjectNotFound) {
		return false, nil
	}
	return false, errors.Wrapf(err, "%s head", o.name)
}

// Delete removes the paste and its discussion. Every key is attempted even
// when one fails; the first failure is reported.
func (o *Object) Delete(ctx context.Context, id string) error {
	var firstErr error
	if err := o.bucket.Delete(ctx, o.pasteKey(id)); err != nil && !errors.Is(err, errObjectNotFound) {
		firstErr = errors.Wrapf(err, "%s delete", o.name)
	}
	err := o.each(ctx, o.discussionPrefix(id), func(obj ObjectInfo) (bool, error) {
		if err := o.bucket.Delete(ctx, obj.Key); err != nil && !errors.Is(err, errObjectNotFound) && firstErr == nil {
			firstErr = errors.Wrapf(err, "%s delete comment", o.name)
		}
		return true, nil
	})
	if err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (o *Object) CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal comment")
	}
	meta := c.Meta.ObjectMetadata()
	meta["pasteid"] = pasteID
	meta["parentid"] = parentID
	return o.createObject(ctx, o.commentKey(pasteID, parentID, commentID), data, meta)
}

func (o *Object) ReadComments(ctx context.Context, pasteID string) ([]*domain.Comment, error) {
	prefix := o.discussionPrefix(pasteID)
	d := NewDiscussion()
	err := o.each(ctx, prefix, func(obj ObjectInfo) (bool, error) {
		parent, id, ok := strings.Cut(strings.TrimPrefix(obj.Key, prefix), "/")
		if !ok || !util.IsValidID(parent) || !util.IsValidID(id) {
			return true, nil
		}
		data, err := o.bucket.Get(ctx, obj.Key)
		if errors.Is(err, errObjectNotFound) {
			return true, nil
		}
		if err != nil {
			return false, errors.Wrapf(err, "%s get comment", o.name)
		}
		var c domain.Comment
		if err := json.Unmarshal(data, &c); err != nil {
			return false, errors.Wrapf(err, "decode comment %s", id)
		}
		c.ID = id
		c.ParentID = parent
		d.Add(&c)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return d.Comments(), nil
}

func (o *Object) ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error) {
	return o.exists(ctx, o.commentKey(pasteID, parentID, commentID))
}

func (o *Object) GetValue(ctx context.Context, namespace, key string) (string, error) {
	data, err := o.bucket.Get(ctx, o.valueKey(namespace, key))
	if errors.Is(err, errObjectNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "%s get value", o.name)
	}
	return string(data), nil
}

func (o *Object) SetValue(ctx context.Context, value, namespace, key string) error {
	meta := map[string]string{"namespace": namespace}
	if namespace != NamespaceSalt {
		meta["value"] = value
	}
	err := o.bucket.Put(ctx, o.valueKey(namespace, key), []byte(value), meta, false)
	return errors.Wrapf(err, "%s put value", o.name)
}

func (o *Object) PurgeValues(ctx context.Context, namespace string, before int64) error {
	prefix := o.valueKey(namespace, "") + "/"
	return o.each(ctx, prefix, func(obj ObjectInfo) (bool, error) {
		meta := obj.Metadata
		if meta == nil {
			var err error
			if meta, err = o.bucket.Head(ctx, obj.Key); err != nil {
				if errors.Is(err, errObjectNotFound) {
					return true, nil
				}
				return false, errors.Wrapf(err, "%s head value", o.name)
			}
		}
		n, err := strconv.ParseInt(meta["value"], 10, 64)
		if err != nil || n >= before {
			return true, nil
		}
		if err := o.bucket.Delete(ctx, obj.Key); err != nil && !errors.Is(err, errObjectNotFound) {
			return false, errors.Wrapf(err, "%s delete value", o.name)
		}
		return true, nil
	})
}

func (o *Object) GetAllPastes(ctx context.Context) ([]string, error) {
	var ids []string
	err := o.eachPaste(ctx, func(id string, _ ObjectInfo) (bool, error) {
		ids = append(ids, id)
		return true, nil
	})
	return ids, err
}

// ExpiredPastes stops scanning once it holds more than batch ids, so it
// returns at most batch+1.
func (o *Object) ExpiredPastes(ctx context.Context, batch int, now int64) ([]string, error) {
	if batch < 1 {
		return nil, nil
	}
	var ids []string
	err := o.eachPaste(ctx, func(id string, obj ObjectInfo) (bool, error) {
		expired, err := o.expired(ctx, id, obj, now)
		if err != nil {
			util.Warn().Err(err).Str("id", id).Str("backend", o.name).Msg("expiry check failed")
			return true, nil
		}
		if expired {
			ids = append(ids, id)
		}
		return len(ids) <= batch, nil
	})
	return ids, err
}

// expired decides from object metadata alone whenever the record carries
// any: created is always written, and a missing expire_date means the paste
// never expires. Only records without metadata have their body read.
func (o *Object) expired(ctx context.Context, id string, obj ObjectInfo, now int64) (bool, error) {
	meta := obj.Metadata
	if meta == nil {
		var err error
		if meta, err = o.bucket.Head(ctx, obj.Key); err != nil {
			if errors.Is(err, errObjectNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	_, hasCreated := meta["created"]
	v, hasExpire := meta["expire_date"]
	if hasCreated || hasExpire {
		if !hasExpire {
			return false, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		return err == nil && n > 0 && n < now, nil
	}
	p, err := o.Read(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return false, nil
		}
		return false, err
	}
	return isExpired(p, now), nil
}

// eachPaste visits direct children of the prefix that look like paste ids.
func (o *Object) eachPaste(ctx context.Context, fn func(id string, obj ObjectInfo) (bool, error)) error {
	root := o.root()
	return o.each(ctx, root, func(obj ObjectInfo) (bool, error) {
		id := strings.TrimPrefix(obj.Key, root)
		if !util.IsValidID(id) {
			return true, nil
		}
		return fn(id, obj)
	})
}

func (o *Object) each(ctx context.Context, prefix string, fn func(ObjectInfo) (bool, error)) error {
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		objs, next, err := o.bucket.List(ctx, prefix, token)
		if err != nil {
			return errors.Wrapf(err, "%s list", o.name)
		}
		for _, obj := range objs {
			more, err := fn(obj)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if next == "" {
			return nil
		}
		token = next
	}
}

func (o *Object) Ping(ctx context.Context) error {
	_, _, err := o.bucket.List(ctx, o.valueKey(NamespaceSalt, ""), "")
	return errors.Wrapf(err, "%s ping", o.name)
}

func (o *Object) Close() error { return nil }
