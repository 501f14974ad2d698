package db

import (
	"context"

	"crybin/pkg/domain"

	"github.com/pkg/errors"
)

// Namespaces of the generic keyed value store.
const (
	NamespaceSalt           = "salt"
	NamespacePurgeLimiter   = "purge_limiter"
	NamespaceTrafficLimiter = "traffic_limiter"
)

var (
	// ErrExists is returned by Create and CreateComment when the id is taken.
	ErrExists = errors.New("record already exists")
)

// Store is the contract every storage backend satisfies. Absence is never an
// error here: Read returns domain.ErrPasteNotFound, Exists false, GetValue "".
// Any other error is a backend failure.
type Store interface {
	Create(ctx context.Context, id string, p *domain.Paste) error
	Read(ctx context.Context, id string) (*domain.Paste, error)
	Exists(ctx context.Context, id string) (bool, error)
	// Delete removes the paste and every comment filed under it. Unknown ids
	// are a no-op.
	Delete(ctx context.Context, id string) error

	CreateComment(ctx context.Context, pasteID, parentID, commentID string, c *domain.Comment) error
	// ReadComments returns the comments of a paste in discussion order.
	ReadComments(ctx context.Context, pasteID string) ([]*domain.Comment, error)
	ExistsComment(ctx context.Context, pasteID, parentID, commentID string) (bool, error)

	GetValue(ctx context.Context, namespace, key string) (string, error)
	SetValue(ctx context.Context, value, namespace, key string) error
	// PurgeValues drops keyed values of namespace whose numeric value is
	// below before.
	PurgeValues(ctx context.Context, namespace string, before int64) error

	GetAllPastes(ctx context.Context) ([]string, error)
	// ExpiredPastes lists ids whose expire_date is before now. Backends may
	// return up to batch+1 ids; nothing is returned for batch < 1.
	ExpiredPastes(ctx context.Context, batch int, now int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

func isExpired(p *domain.Paste, now int64) bool {
	return p.Meta.ExpireDate != 0 && p.Meta.ExpireDate < now
}
