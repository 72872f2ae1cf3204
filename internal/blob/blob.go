// Package blob stores opaque binary payloads (avatars, banners, images) as
// a manifest event followed by section events in the same process.
//
// The manifest records the MIME type and how many sections follow. Each
// section names the manifest's logical clock, so sections remain
// attributable even when other appends interleave with a publish.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/store"
)

// DefaultSectionSize is the largest payload carried by one section event.
const DefaultSectionSize = 512 * 1024

// ErrIncomplete is returned by Load when the manifest or some sections have
// not been replicated yet.
var ErrIncomplete = errors.New("blob incomplete")

// Appender appends one event to the local process and returns its pointer.
type Appender interface {
	AppendContent(ctx context.Context, ct model.ContentType, content []byte) (model.Pointer, error)
}

// Blob is a reassembled payload.
type Blob struct {
	Mime string
	Data []byte
}

// Publish appends the manifest and section events for data and returns the
// manifest pointer. A sectionSize <= 0 uses DefaultSectionSize.
func Publish(ctx context.Context, a Appender, mime string, data []byte, sectionSize int) (model.Pointer, error) {
	if sectionSize <= 0 {
		sectionSize = DefaultSectionSize
	}
	sections := (len(data) + sectionSize - 1) / sectionSize

	meta, err := a.AppendContent(ctx, model.ContentTypeBlobMeta, model.BlobMeta{
		SectionCount: uint64(sections),
		Mime:         mime,
	}.Marshal())
	if err != nil {
		return model.Pointer{}, fmt.Errorf("publish blob: %w", err)
	}

	for i := 0; i < sections; i++ {
		end := min((i+1)*sectionSize, len(data))
		section := model.BlobSection{MetaPointer: meta.LogicalClock, Content: data[i*sectionSize : end]}
		if _, err := a.AppendContent(ctx, model.ContentTypeBlobSection, section.Marshal()); err != nil {
			return model.Pointer{}, fmt.Errorf("publish blob section %d: %w", i, err)
		}
	}
	return meta, nil
}

const loadPageSize = 64

// Load reassembles the blob whose manifest is at meta.
func Load(ctx context.Context, st *store.Store, meta model.Pointer) (*Blob, error) {
	se, err := st.GetSignedEvent(ctx, meta)
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}
	if se == nil {
		return nil, fmt.Errorf("%w: manifest %s not stored", ErrIncomplete, meta)
	}
	e, err := model.UnmarshalEvent(se.Event)
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}
	if e.ContentType != model.ContentTypeBlobMeta || !e.Pointer().Equal(meta) {
		return nil, fmt.Errorf("load blob: %s is not a blob manifest", meta)
	}
	m, err := model.UnmarshalBlobMeta(e.Content)
	if err != nil {
		return nil, fmt.Errorf("load blob: %w", err)
	}

	b := &Blob{Mime: m.Mime}
	found := uint64(0)
	from := meta.LogicalClock + 1
	for found < m.SectionCount {
		pointers, records, err := st.ScanEvents(ctx, meta.System, meta.Process, from, loadPageSize)
		if err != nil {
			return nil, fmt.Errorf("load blob: %w", err)
		}
		for i, rec := range records {
			// Sections are contiguous in the log apart from interleaved
			// appends, so a gap means the rest has not arrived.
			if pointers[i].LogicalClock != from {
				return nil, fmt.Errorf("%w: %d of %d sections", ErrIncomplete, found, m.SectionCount)
			}
			from++
			if rec.IsTombstone() {
				continue
			}
			se, err := model.UnmarshalEvent(rec.Event.Event)
			if err != nil || se.ContentType != model.ContentTypeBlobSection {
				continue
			}
			section, err := model.UnmarshalBlobSection(se.Content)
			if err != nil || section.MetaPointer != meta.LogicalClock {
				continue
			}
			b.Data = append(b.Data, section.Content...)
			if found++; found == m.SectionCount {
				break
			}
		}
		if len(records) < loadPageSize && found < m.SectionCount {
			return nil, fmt.Errorf("%w: %d of %d sections", ErrIncomplete, found, m.SectionCount)
		}
	}
	return b, nil
}
