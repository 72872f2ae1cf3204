package model

import (
	"bytes"
	"fmt"

	"github.com/roach88/polycentric/internal/wire"
)

// Post is the content of a ContentTypePost event.
type Post struct {
	Content string
}

// Marshal returns the wire form of p.
func (p Post) Marshal() []byte {
	return wire.AppendString(nil, 1, p.Content)
}

// UnmarshalPost decodes post content.
func UnmarshalPost(b []byte) (Post, error) {
	var p Post
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num == 1 {
			raw, err := f.Raw()
			p.Content = string(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return Post{}, fmt.Errorf("decode post: %w", err)
	}
	return p, nil
}

// ClaimType identifies the kind of external identity a claim asserts.
type ClaimType uint64

const (
	ClaimTypeHackerNews ClaimType = 1
	ClaimTypeYouTube    ClaimType = 2
	ClaimTypeOdysee     ClaimType = 3
	ClaimTypeRumble     ClaimType = 4
	ClaimTypeTwitter    ClaimType = 5
	ClaimTypeBitcoin    ClaimType = 6
	ClaimTypeGeneric    ClaimType = 7
	ClaimTypeDiscord    ClaimType = 8
	ClaimTypeInstagram  ClaimType = 9
	ClaimTypeGitHub     ClaimType = 10
	ClaimTypeWebsite    ClaimType = 15
)

var claimTypeNames = map[ClaimType]string{
	ClaimTypeHackerNews: "hackernews",
	ClaimTypeYouTube:    "youtube",
	ClaimTypeOdysee:     "odysee",
	ClaimTypeRumble:     "rumble",
	ClaimTypeTwitter:    "twitter",
	ClaimTypeBitcoin:    "bitcoin",
	ClaimTypeGeneric:    "generic",
	ClaimTypeDiscord:    "discord",
	ClaimTypeInstagram:  "instagram",
	ClaimTypeGitHub:     "github",
	ClaimTypeWebsite:    "website",
}

func (t ClaimType) String() string {
	if name, ok := claimTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("claim(%d)", uint64(t))
}

// ParseClaimType resolves a claim type by its lower-case name.
func ParseClaimType(name string) (ClaimType, bool) {
	for t, n := range claimTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// ClaimField is one key/value pair of a claim.
type ClaimField struct {
	Key   uint64
	Value string
}

// Claim is the content of a ContentTypeClaim event.
type Claim struct {
	ClaimType ClaimType
	Fields    []ClaimField
}

func identifierClaim(t ClaimType, id string) Claim {
	return Claim{ClaimType: t, Fields: []ClaimField{{Key: 1, Value: id}}}
}

func ClaimHackerNews(username string) Claim { return identifierClaim(ClaimTypeHackerNews, username) }
func ClaimYouTube(username string) Claim    { return identifierClaim(ClaimTypeYouTube, username) }
func ClaimTwitter(username string) Claim    { return identifierClaim(ClaimTypeTwitter, username) }
func ClaimBitcoin(address string) Claim     { return identifierClaim(ClaimTypeBitcoin, address) }
func ClaimGitHub(username string) Claim     { return identifierClaim(ClaimTypeGitHub, username) }
func ClaimGeneric(text string) Claim        { return identifierClaim(ClaimTypeGeneric, text) }

// Identifier returns the value of the first field, which every built-in
// claim type uses for the claimed identifier.
func (c Claim) Identifier() string {
	for _, f := range c.Fields {
		if f.Key == 1 {
			return f.Value
		}
	}
	return ""
}

// Marshal returns the wire form of c.
func (c Claim) Marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, uint64(c.ClaimType))
	for _, f := range c.Fields {
		var m []byte
		m = wire.AppendUint(m, 1, f.Key)
		m = wire.AppendString(m, 2, f.Value)
		b = wire.AppendMessage(b, 2, m)
	}
	return b
}

// UnmarshalClaim decodes claim content.
func UnmarshalClaim(b []byte) (Claim, error) {
	var c Claim
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			c.ClaimType = ClaimType(v)
			return err
		case 2:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			var cf ClaimField
			err = wire.Walk(raw, func(f wire.Field) error {
				switch f.Num {
				case 1:
					v, err := f.Uint()
					cf.Key = v
					return err
				case 2:
					raw, err := f.Raw()
					cf.Value = string(raw)
					return err
				}
				return nil
			})
			c.Fields = append(c.Fields, cf)
			return err
		}
		return nil
	})
	if err != nil {
		return Claim{}, fmt.Errorf("decode claim: %w", err)
	}
	return c, nil
}

// Delete is the content of a ContentTypeDelete event. It names the deleted
// event inside the deleting event's own system.
type Delete struct {
	Process      Process
	LogicalClock uint64
	ContentType  ContentType
}

// Marshal returns the wire form of d.
func (d Delete) Marshal() []byte {
	var b []byte
	b = wire.AppendBytes(b, 1, d.Process[:])
	b = wire.AppendUint(b, 2, d.LogicalClock)
	b = wire.AppendUint(b, 4, uint64(d.ContentType))
	return b
}

// UnmarshalDelete decodes delete content.
func UnmarshalDelete(b []byte) (Delete, error) {
	var d Delete
	var sawProcess bool
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			sawProcess = true
			d.Process, err = ProcessFromBytes(raw)
			return err
		case 2:
			v, err := f.Uint()
			d.LogicalClock = v
			return err
		case 4:
			v, err := f.Uint()
			d.ContentType = ContentType(v)
			return err
		}
		return nil
	})
	if err == nil && !sawProcess {
		err = fmt.Errorf("%w: delete without process", ErrMalformedEvent)
	}
	if err != nil {
		return Delete{}, fmt.Errorf("decode delete: %w", err)
	}
	return d, nil
}

// BlobMeta is the manifest event of a blob: its MIME type and the number of
// section events that follow it in the same process.
type BlobMeta struct {
	SectionCount uint64
	Mime         string
}

// Marshal returns the wire form of m.
func (m BlobMeta) Marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, m.SectionCount)
	b = wire.AppendString(b, 2, m.Mime)
	return b
}

// UnmarshalBlobMeta decodes a blob manifest.
func UnmarshalBlobMeta(b []byte) (BlobMeta, error) {
	var m BlobMeta
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			m.SectionCount = v
			return err
		case 2:
			raw, err := f.Raw()
			m.Mime = string(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return BlobMeta{}, fmt.Errorf("decode blob meta: %w", err)
	}
	return m, nil
}

// BlobSection is one chunk of blob data. MetaPointer is the logical clock
// of the manifest event in the same process.
type BlobSection struct {
	MetaPointer uint64
	Content     []byte
}

// Marshal returns the wire form of s.
func (s BlobSection) Marshal() []byte {
	var b []byte
	b = wire.AppendUint(b, 1, s.MetaPointer)
	b = wire.AppendBytes(b, 2, s.Content)
	return b
}

// UnmarshalBlobSection decodes a blob chunk.
func UnmarshalBlobSection(b []byte) (BlobSection, error) {
	var s BlobSection
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			v, err := f.Uint()
			s.MetaPointer = v
			return err
		case 2:
			raw, err := f.Raw()
			s.Content = bytes.Clone(raw)
			return err
		}
		return nil
	})
	if err != nil {
		return BlobSection{}, fmt.Errorf("decode blob section: %w", err)
	}
	return s, nil
}

// Opinion is the register value of a ContentTypeOpinion event.
type Opinion byte

const (
	OpinionLike    Opinion = 1
	OpinionDislike Opinion = 2
	OpinionNeutral Opinion = 3
)

func (o Opinion) String() string {
	switch o {
	case OpinionLike:
		return "like"
	case OpinionDislike:
		return "dislike"
	case OpinionNeutral:
		return "neutral"
	}
	return fmt.Sprintf("opinion(%d)", byte(o))
}

// ParseOpinion resolves an opinion by name.
func ParseOpinion(s string) (Opinion, error) {
	switch s {
	case "like":
		return OpinionLike, nil
	case "dislike":
		return OpinionDislike, nil
	case "neutral":
		return OpinionNeutral, nil
	}
	return 0, fmt.Errorf("unknown opinion %q", s)
}

// Bytes returns the register value stored for o.
func (o Opinion) Bytes() []byte {
	return []byte{byte(o)}
}

// PointerReference references another event.
func PointerReference(p Pointer) Reference {
	return Reference{ReferenceType: ReferenceTypePointer, Reference: p.Marshal()}
}

// SystemReference references another system.
func SystemReference(k PublicKey) Reference {
	return Reference{ReferenceType: ReferenceTypeSystem, Reference: k.Marshal()}
}

// BytesReference references an opaque subject such as a URL.
func BytesReference(b []byte) Reference {
	return Reference{ReferenceType: ReferenceTypeBytes, Reference: bytes.Clone(b)}
}

// Key returns a byte string identifying the referenced subject, unique
// across reference types.
func (r Reference) Key() []byte {
	key := make([]byte, 0, 1+len(r.Reference))
	key = append(key, byte(r.ReferenceType))
	return append(key, r.Reference...)
}

// Pointer decodes a pointer reference.
func (r Reference) Pointer() (Pointer, error) {
	if r.ReferenceType != ReferenceTypePointer {
		return Pointer{}, fmt.Errorf("reference type %d is not a pointer", r.ReferenceType)
	}
	return UnmarshalPointer(r.Reference)
}
