package model

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent is returned when event bytes cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrInvalidSignature is returned when a signed event does not verify
	// against its embedded system key.
	ErrInvalidSignature = errors.New("invalid signature")
)

// ContentType tags the payload carried by an event.
type ContentType uint64

const (
	ContentTypeDelete          ContentType = 1
	ContentTypeSystemProcesses ContentType = 2
	ContentTypePost            ContentType = 3
	ContentTypeFollow          ContentType = 4
	ContentTypeUsername        ContentType = 5
	ContentTypeDescription     ContentType = 6
	ContentTypeBlobMeta        ContentType = 7
	ContentTypeBlobSection     ContentType = 8
	ContentTypeAvatar          ContentType = 9
	ContentTypeServer          ContentType = 10
	ContentTypeVouch           ContentType = 11
	ContentTypeClaim           ContentType = 12
	ContentTypeBanner          ContentType = 13
	ContentTypeOpinion         ContentType = 14
	ContentTypeStore           ContentType = 15
	ContentTypeAuthority       ContentType = 16
)

var contentTypeNames = map[ContentType]string{
	ContentTypeDelete:          "delete",
	ContentTypeSystemProcesses: "system_processes",
	ContentTypePost:            "post",
	ContentTypeFollow:          "follow",
	ContentTypeUsername:        "username",
	ContentTypeDescription:     "description",
	ContentTypeBlobMeta:        "blob_meta",
	ContentTypeBlobSection:     "blob_section",
	ContentTypeAvatar:          "avatar",
	ContentTypeServer:          "server",
	ContentTypeVouch:           "vouch",
	ContentTypeClaim:           "claim",
	ContentTypeBanner:          "banner",
	ContentTypeOpinion:         "opinion",
	ContentTypeStore:           "store",
	ContentTypeAuthority:       "authority",
}

func (c ContentType) String() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("content_type(%d)", uint64(c))
}

// ParseContentType resolves a content type by name.
func ParseContentType(name string) (ContentType, bool) {
	for ct, n := range contentTypeNames {
		if n == name {
			return ct, true
		}
	}
	return 0, false
}

// LWWElement is a last-writer-wins register write.
type LWWElement struct {
	Value            []byte
	UnixMilliseconds uint64
}

// SetOperation is the mutation applied by an LWWElementSet write.
type SetOperation uint64

const (
	SetOperationAdd    SetOperation = 0
	SetOperationRemove SetOperation = 1
)

// LWWElementSet is an add or remove of one member of a last-writer-wins set.
type LWWElementSet struct {
	Operation        SetOperation
	Value            []byte
	UnixMilliseconds uint64
}

// ReferenceType tags what a Reference points at.
type ReferenceType uint64

const (
	ReferenceTypeSystem  ReferenceType = 1
	ReferenceTypePointer ReferenceType = 2
	ReferenceTypeBytes   ReferenceType = 3
)

// Reference links an event to another system, event or opaque subject.
type Reference struct {
	ReferenceType ReferenceType
	Reference     []byte
}

// Index records, for the emitting process, the latest logical clock of one
// content type at the time an event was created.
type Index struct {
	IndexType    ContentType
	LogicalClock uint64
}

// Pointer addresses a single event.
type Pointer struct {
	System       PublicKey
	Process      Process
	LogicalClock uint64
}

// Equal reports whether p and o address the same event.
func (p Pointer) Equal(o Pointer) bool {
	return p.System.Equal(o.System) && p.Process == o.Process && p.LogicalClock == o.LogicalClock
}

// String returns the event link: the base64url encoding of the pointer's
// wire form.
func (p Pointer) String() string {
	return base64.RawURLEncoding.EncodeToString(p.Marshal())
}

// ParsePointer parses an event link produced by Pointer.String.
func ParsePointer(s string) (Pointer, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Pointer{}, fmt.Errorf("parse pointer: %w", err)
	}
	p, err := UnmarshalPointer(raw)
	if err != nil {
		return Pointer{}, fmt.Errorf("parse pointer: %w", err)
	}
	return p, nil
}

// Event is the unit of replication. An event is identified by its
// (System, Process, LogicalClock) triple and is immutable once signed.
type Event struct {
	System        PublicKey
	Process       Process
	LogicalClock  uint64
	ContentType   ContentType
	Content       []byte
	LWWElement    *LWWElement
	LWWElementSet *LWWElementSet
	References    []Reference
	Indices       []Index
}

// Pointer returns the coordinates of e.
func (e *Event) Pointer() Pointer {
	return Pointer{System: e.System, Process: e.Process, LogicalClock: e.LogicalClock}
}

// SignedEvent carries the canonical event bytes and the signature made by
// the event's system key over them.
type SignedEvent struct {
	Signature []byte
	Event     []byte
}

// SignEvent encodes e canonically and signs it with key.
func SignEvent(key PrivateKey, e *Event) (*SignedEvent, error) {
	raw := e.Marshal()
	sig, err := key.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}
	return &SignedEvent{Signature: sig, Event: raw}, nil
}

// Decode parses the embedded event and verifies the signature against the
// event's own system key.
func (s *SignedEvent) Decode() (*Event, error) {
	e, err := UnmarshalEvent(s.Event)
	if err != nil {
		return nil, err
	}
	if !e.System.Verify(s.Event, s.Signature) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSignature, e.Pointer())
	}
	return e, nil
}

// Verify decodes the event and checks its signature, discarding the result.
func (s *SignedEvent) Verify() error {
	_, err := s.Decode()
	return err
}
