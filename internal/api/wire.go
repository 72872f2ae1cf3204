package api

import (
	"encoding/base64"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
	"github.com/roach88/polycentric/internal/rangeset"
	"github.com/roach88/polycentric/internal/store"
	"github.com/roach88/polycentric/internal/synchronization"
	"github.com/roach88/polycentric/internal/wire"
)

// Request and response bodies are protobuf wire messages:
//
//	RangesForSystem { repeated RangesForProcess ranges = 1; }
//	RangesForProcess { bytes process = 1; RangeSet ranges = 2; }
//	Events { repeated SignedEvent events = 1; }
//	SearchResult { repeated Pointer pointers = 1; bytes cursor = 2; }
const contentType = "application/x-protobuf"

func marshalRanges(prs []store.ProcessRanges) []byte {
	var b []byte
	for _, pr := range prs {
		var m []byte
		m = wire.AppendBytes(m, 1, pr.Process[:])
		m = wire.AppendMessage(m, 2, pr.Ranges.Marshal())
		b = wire.AppendMessage(b, 1, m)
	}
	return b
}

func unmarshalRanges(b []byte) ([]store.ProcessRanges, error) {
	var out []store.ProcessRanges
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		raw, err := f.Raw()
		if err != nil {
			return err
		}
		var pr store.ProcessRanges
		err = wire.Walk(raw, func(f wire.Field) error {
			switch f.Num {
			case 1:
				v, err := f.Raw()
				if err != nil {
					return err
				}
				pr.Process, err = model.ProcessFromBytes(v)
				return err
			case 2:
				v, err := f.Raw()
				if err != nil {
					return err
				}
				pr.Ranges, err = rangeset.Unmarshal(v)
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = append(out, pr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode ranges: %w", err)
	}
	return out, nil
}

func marshalEvents(events []*model.SignedEvent) []byte {
	var b []byte
	for _, se := range events {
		b = wire.AppendMessage(b, 1, se.Marshal())
	}
	return b
}

// unmarshalEvents decodes an event list. Events that do not decode as a
// SignedEvent are returned in bad rather than failing the whole list.
func unmarshalEvents(b []byte) (events []*model.SignedEvent, bad int, err error) {
	err = wire.Walk(b, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		raw, err := f.Raw()
		if err != nil {
			return err
		}
		se, err := model.UnmarshalSignedEvent(raw)
		if err != nil {
			bad++
			return nil
		}
		events = append(events, se)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("decode events: %w", err)
	}
	return events, bad, nil
}

func marshalSearchResult(r *synchronization.SearchResult) []byte {
	var b []byte
	for _, p := range r.Pointers {
		b = wire.AppendMessage(b, 1, p.Marshal())
	}
	return wire.AppendBytes(b, 2, r.Cursor)
}

func unmarshalSearchResult(b []byte) (*synchronization.SearchResult, error) {
	r := &synchronization.SearchResult{}
	err := wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case 1:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			p, err := model.UnmarshalPointer(raw)
			if err != nil {
				return err
			}
			r.Pointers = append(r.Pointers, p)
		case 2:
			raw, err := f.Raw()
			if err != nil {
				return err
			}
			r.Cursor = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode search result: %w", err)
	}
	return r, nil
}

func encodeParam(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func decodeParam(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
