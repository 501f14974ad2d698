package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Formatter ids understood by the client.
const (
	FormatterPlainText          = "plaintext"
	FormatterSyntaxHighlighting = "syntaxhighlighting"
	FormatterMarkdown           = "markdown"
)

// Meta is the metadata block of a stored paste or comment. Expire is only
// ever present on inbound submissions, TimeToLive only on read views.
type Meta struct {
	Expire           string `json:"expire,omitempty"`
	Created          int64  `json:"created,omitempty"`
	ExpireDate       int64  `json:"expire_date,omitempty"`
	TimeToLive       *int64 `json:"time_to_live,omitempty"`
	Salt             string `json:"salt,omitempty"`
	Formatter        string `json:"formatter,omitempty"`
	PostDate         int64  `json:"postdate,omitempty"`
	BurnAfterReading bool   `json:"burnafterreading,omitempty"`
	OpenDiscussion   bool   `json:"opendiscussion,omitempty"`
	SyntaxColoring   bool   `json:"syntaxcoloring,omitempty"`
	Attachment       string `json:"attachment,omitempty"`
	AttachmentName   string `json:"attachmentname,omitempty"`
	Icon             string `json:"icon,omitempty"`
	Nickname         string `json:"nickname,omitempty"`
}

// ObjectMetadata flattens the metadata into string pairs for object stores,
// leaving out the salt and anything carrying payload. created is always set
// so a missing expire_date reads as "never expires".
func (m Meta) ObjectMetadata() map[string]string {
	out := map[string]string{"created": strconv.FormatInt(m.Created, 10)}
	put := func(k string, v int64) {
		if v != 0 {
			out[k] = strconv.FormatInt(v, 10)
		}
	}
	put("expire_date", m.ExpireDate)
	put("postdate", m.PostDate)
	if m.Formatter != "" {
		out["formatter"] = m.Formatter
	}
	if m.BurnAfterReading {
		out["burnafterreading"] = "1"
	}
	if m.OpenDiscussion {
		out["opendiscussion"] = "1"
	}
	return out
}

// Paste is the stored record of a paste: the v2 envelope plus server managed
// metadata. Data and the attachment fields only exist on legacy records.
type Paste struct {
	CT             string          `json:"ct,omitempty"`
	AData          json.RawMessage `json:"adata,omitempty"`
	V              float64         `json:"v,omitempty"`
	Meta           Meta            `json:"meta"`
	Data           string          `json:"data,omitempty"`
	Attachment     string          `json:"attachment,omitempty"`
	AttachmentName string          `json:"attachmentname,omitempty"`
}

// Flags are the paste options carried in adata. A flag that is not exactly
// 0 or 1 is reported as FlagInvalid.
type Flags struct {
	Formatter        string
	OpenDiscussion   int
	BurnAfterReading int
}

const FlagInvalid = -1

// Flags decodes the formatter and discussion/burn flags from adata.
// ok is false when the record has no v2 paste adata.
func (p *Paste) Flags() (f Flags, ok bool) {
	if len(p.AData) == 0 {
		return f, false
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(p.AData, &parts); err != nil || len(parts) < 4 {
		return f, false
	}
	if err := json.Unmarshal(parts[1], &f.Formatter); err != nil {
		f.Formatter = ""
	}
	f.OpenDiscussion = flagValue(parts[2])
	f.BurnAfterReading = flagValue(parts[3])
	return f, true
}

func flagValue(raw json.RawMessage) int {
	switch string(bytes.TrimSpace(raw)) {
	case "0":
		return 0
	case "1":
		return 1
	}
	return FlagInvalid
}

// IsBurnAfterReading reports the burn flag from adata or a legacy meta flag.
func (p *Paste) IsBurnAfterReading() bool {
	if f, ok := p.Flags(); ok && f.BurnAfterReading == 1 {
		return true
	}
	return p.Meta.BurnAfterReading
}

// IsOpenDiscussion reports the discussion flag from adata or a legacy meta flag.
func (p *Paste) IsOpenDiscussion() bool {
	if f, ok := p.Flags(); ok && f.OpenDiscussion == 1 {
		return true
	}
	return p.Meta.OpenDiscussion
}

// Clone returns a deep enough copy for the read path to mutate.
func (p *Paste) Clone() *Paste {
	c := *p
	if p.AData != nil {
		c.AData = append(json.RawMessage(nil), p.AData...)
	}
	if p.Meta.TimeToLive != nil {
		ttl := *p.Meta.TimeToLive
		c.Meta.TimeToLive = &ttl
	}
	return &c
}

// Comment is a stored comment. ID and ParentID are derived from the storage
// key and filled in on read; PasteID only exists on inbound submissions.
type Comment struct {
	ID       string          `json:"id,omitempty"`
	PasteID  string          `json:"pasteid,omitempty"`
	ParentID string          `json:"parentid,omitempty"`
	CT       string          `json:"ct,omitempty"`
	AData    json.RawMessage `json:"adata,omitempty"`
	V        float64         `json:"v,omitempty"`
	Meta     Meta            `json:"meta"`
	Data     string          `json:"data,omitempty"`
}

// Created is the slot timestamp of the comment, falling back to the legacy
// postdate field.
func (c *Comment) Created() int64 {
	if c.Meta.Created != 0 {
		return c.Meta.Created
	}
	return c.Meta.PostDate
}

// PasteView is the read-only structure handed to the request layer.
type PasteView struct {
	ID string `json:"id"`
	*Paste
	Comments      []*Comment `json:"comments"`
	CommentCount  int        `json:"comment_count"`
	CommentOffset int        `json:"comment_offset"`
	Context       string     `json:"@context"`
}
