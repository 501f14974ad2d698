package svc

import (
	"context"
	"encoding/json"
	"time"

	"crybin/cfg"
	"crybin/metrics"
	"crybin/pkg/domain"
	"crybin/pkg/format"
	"crybin/svc/auth"
	"crybin/svc/db"
	"crybin/svc/util"

	"github.com/pkg/errors"
)

const pasteContext = "?jsonld=paste"

// Paste is the paste and comment model. It owns lifetime policy and talks to
// the backend only through db.Store.
type Paste struct {
	store   db.Store
	salt    *auth.SaltStore
	cfg     *cfg.Cfg
	backend string
	now     func() time.Time
}

func NewPaste(store db.Store, salt *auth.SaltStore, c *cfg.Cfg) *Paste {
	if store == nil || salt == nil || c == nil {
		panic("paste service: nil dependency (store, salt or cfg)")
	}
	return &Paste{store: store, salt: salt, cfg: c, backend: c.StorageBackend, now: time.Now}
}

func (p *Paste) WithClock(now func() time.Time) *Paste {
	p.now = now
	return p
}

// Create validates and stores a new paste envelope and returns its id and
// delete token.
func (p *Paste) Create(ctx context.Context, e format.Envelope) (string, string, error) {
	if !format.IsValid(e, false) {
		return "", "", domain.ErrMalformedEnvelope
	}
	var paste domain.Paste
	if err := decode(withoutMeta(e), &paste); err != nil {
		return "", "", domain.ErrMalformedEnvelope
	}
	paste.Meta.Expire = expireLabel(e["meta"])
	if err := p.validate(&paste); err != nil {
		return "", "", err
	}
	now := p.now().Unix()
	p.sanitize(&paste, now)

	id := util.PasteID(paste.CT)
	exists, err := p.store.Exists(ctx, id)
	if err != nil {
		return "", "", p.failure(domain.ErrStorage, "exists", id, err)
	}
	if exists {
		return "", "", domain.ErrIDCollision
	}
	salt, err := auth.Generate()
	if err != nil {
		return "", "", p.failure(domain.ErrStorage, "salt", id, err)
	}
	paste.Meta.Created = now
	paste.Meta.Salt = salt
	if err := p.store.Create(ctx, id, &paste); err != nil {
		if errors.Is(err, db.ErrExists) {
			return "", "", domain.ErrIDCollision
		}
		return "", "", p.failure(domain.ErrStorage, "create", id, err)
	}
	metrics.PasteCreated.Inc()
	util.Debug().Str("id", id).Int64("expire_date", paste.Meta.ExpireDate).Msg("paste created")
	return id, auth.DeleteToken(id, salt, p.cfg.ZeroBinCompat), nil
}

func (p *Paste) validate(paste *domain.Paste) error {
	f, ok := paste.Flags()
	if !ok {
		return domain.ErrMalformedEnvelope
	}
	if !p.cfg.FormatterEnabled(f.Formatter) {
		return domain.ErrInvalidFormatter
	}
	if f.OpenDiscussion == domain.FlagInvalid || f.BurnAfterReading == domain.FlagInvalid {
		return domain.ErrInvalidFlags
	}
	if f.OpenDiscussion == 1 {
		if !p.cfg.Discussion {
			return domain.ErrDiscussionDisabled
		}
		if f.BurnAfterReading == 1 {
			return domain.ErrInvalidFlags
		}
	}
	return nil
}

// sanitize swaps the submitted expire label for an absolute expire_date.
// Unknown labels fall back to the configured default; zero seconds never
// expires.
func (p *Paste) sanitize(paste *domain.Paste, now int64) {
	label := paste.Meta.Expire
	paste.Meta = domain.Meta{}
	secs, ok := p.cfg.ExpireSeconds(label)
	if !ok {
		secs, _ = p.cfg.ExpireSeconds(p.cfg.ExpireDefault)
	}
	if secs > 0 {
		paste.Meta.ExpireDate = now + secs
	}
}

// Get returns the read view of a paste. Expired pastes are deleted and
// reported as not found; burn after reading pastes are deleted before the
// view is handed out.
func (p *Paste) Get(ctx context.Context, id string) (*domain.PasteView, error) {
	rec, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := p.now().Unix()
	v := rec.Clone()
	if v.Meta.ExpireDate != 0 {
		ttl := v.Meta.ExpireDate - now
		v.Meta.TimeToLive = &ttl
		v.Meta.ExpireDate = 0
	}
	if v.Data != "" && v.Meta.Formatter == "" {
		if v.Meta.SyntaxColoring {
			v.Meta.Formatter = domain.FormatterSyntaxHighlighting
		} else {
			v.Meta.Formatter = p.cfg.DefaultFormatter
		}
	}
	if v.Meta.Attachment != "" {
		v.Attachment, v.Meta.Attachment = v.Meta.Attachment, ""
	}
	if v.Meta.AttachmentName != "" {
		v.AttachmentName, v.Meta.AttachmentName = v.Meta.AttachmentName, ""
	}
	v.Meta.Salt = ""

	comments, err := p.store.ReadComments(ctx, id)
	if err != nil {
		return nil, p.failure(domain.ErrStorage, "read_comments", id, err)
	}
	if comments == nil {
		comments = []*domain.Comment{}
	}

	if rec.IsBurnAfterReading() {
		// A burn paste that cannot be destroyed is not served.
		if err := p.store.Delete(ctx, id); err != nil {
			return nil, p.failure(domain.ErrStorage, "burn", id, err)
		}
		metrics.PasteBurned.Inc()
	}
	metrics.PasteRetrieved.Inc()
	return &domain.PasteView{
		ID:            id,
		Paste:         v,
		Comments:      comments,
		CommentCount:  len(comments),
		CommentOffset: 0,
		Context:       pasteContext,
	}, nil
}

// load reads a live paste, applying lazy expiry and the legacy server salt.
func (p *Paste) load(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.IsValidID(id) {
		return nil, domain.ErrInvalidID
	}
	rec, err := p.store.Read(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, p.failure(domain.ErrStorage, "read", id, err)
	}
	if rec.Meta.ExpireDate != 0 && rec.Meta.ExpireDate < p.now().Unix() {
		if err := p.store.Delete(ctx, id); err != nil {
			util.Warn().Err(err).Str("id", id).Str("backend", p.backend).Msg("failed to delete expired paste")
		} else {
			metrics.PasteExpired.Inc()
		}
		return nil, domain.ErrPasteExpired
	}
	if rec.Meta.Salt == "" {
		salt, err := p.salt.Get(ctx)
		if err != nil {
			return nil, p.failure(domain.ErrStorage, "server_salt", id, err)
		}
		rec.Meta.Salt = salt
	}
	return rec, nil
}

func (p *Paste) Exists(ctx context.Context, id string) (bool, error) {
	if !util.IsValidID(id) {
		return false, domain.ErrInvalidID
	}
	ok, err := p.store.Exists(ctx, id)
	if err != nil {
		return false, p.failure(domain.ErrStorage, "exists", id, err)
	}
	return ok, nil
}

// DeleteToken recomputes the delete token of a stored paste.
func (p *Paste) DeleteToken(ctx context.Context, id string) (string, error) {
	rec, err := p.load(ctx, id)
	if err != nil {
		return "", err
	}
	return auth.DeleteToken(id, rec.Meta.Salt, p.cfg.ZeroBinCompat), nil
}

// Delete removes a paste and its comments when token matches.
func (p *Paste) Delete(ctx context.Context, id, token string) error {
	rec, err := p.load(ctx, id)
	if err != nil {
		return err
	}
	if !auth.VerifyDeleteToken(token, id, rec.Meta.Salt, p.cfg.ZeroBinCompat) {
		return domain.ErrInvalidDeleteToken
	}
	if err := p.remove(ctx, id); err != nil {
		return err
	}
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Msg("paste deleted via token")
	return nil
}

// remove is the delete path shared by token deletes and purge.
func (p *Paste) remove(ctx context.Context, id string) error {
	if err := p.store.Delete(ctx, id); err != nil {
		return p.failure(domain.ErrStorage, "delete", id, err)
	}
	return nil
}

// CreateComment validates and files a comment envelope under its paste and
// returns the comment id.
func (p *Paste) CreateComment(ctx context.Context, e format.Envelope) (string, error) {
	if !format.IsValid(e, true) {
		return "", domain.ErrMalformedEnvelope
	}
	var c domain.Comment
	if err := decode(e, &c); err != nil {
		return "", domain.ErrMalformedEnvelope
	}
	pasteID, parentID := c.PasteID, c.ParentID
	if !util.IsValidID(pasteID) || !util.IsValidID(parentID) {
		return "", domain.ErrInvalidID
	}
	if !p.cfg.Discussion {
		return "", domain.ErrDiscussionDisabled
	}
	paste, err := p.load(ctx, pasteID)
	if err != nil {
		return "", err
	}
	if !paste.IsOpenDiscussion() {
		return "", domain.ErrDiscussionClosed
	}
	if parentID != pasteID {
		if err := p.checkParent(ctx, pasteID, parentID); err != nil {
			return "", err
		}
	}

	id := util.PasteID(c.CT)
	exists, err := p.store.ExistsComment(ctx, pasteID, parentID, id)
	if err != nil {
		return "", p.failure(domain.ErrCommentStorage, "exists_comment", pasteID, err)
	}
	if exists {
		return "", domain.ErrIDCollision
	}
	c.PasteID, c.ParentID = "", ""
	c.Meta = domain.Meta{Created: p.now().Unix()}
	if err := p.store.CreateComment(ctx, pasteID, parentID, id, &c); err != nil {
		if errors.Is(err, db.ErrExists) {
			return "", domain.ErrIDCollision
		}
		return "", p.failure(domain.ErrCommentStorage, "create_comment", pasteID, err)
	}
	metrics.CommentCreated.Inc()
	return id, nil
}

func (p *Paste) checkParent(ctx context.Context, pasteID, parentID string) error {
	comments, err := p.store.ReadComments(ctx, pasteID)
	if err != nil {
		return p.failure(domain.ErrCommentStorage, "read_comments", pasteID, err)
	}
	for _, c := range comments {
		if c.ID == parentID {
			return nil
		}
	}
	return domain.ErrInvalidParent
}

// failure logs a backend error and hides it behind kind.
func (p *Paste) failure(kind *domain.Err, op, id string, err error) error {
	metrics.StorageFailures.WithLabelValues(p.backend, op).Inc()
	util.Error().Err(err).Str("id", id).Str("backend", p.backend).Str("op", op).Msg("storage failure")
	return domain.StorageFailure(kind, err)
}

func withoutMeta(e format.Envelope) format.Envelope {
	out := make(format.Envelope, len(e))
	for k, v := range e {
		if k != "meta" {
			out[k] = v
		}
	}
	return out
}

// expireLabel returns meta.expire, or "" when it is not a string so the
// default lifetime applies.
func expireLabel(raw json.RawMessage) string {
	var meta struct {
		Expire json.RawMessage `json:"expire"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	var label string
	if err := json.Unmarshal(meta.Expire, &label); err != nil {
		return ""
	}
	return label
}

func decode(e format.Envelope, v interface{}) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
