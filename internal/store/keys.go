package store

import (
	"encoding/binary"
	"fmt"

	"github.com/roach88/polycentric/internal/model"
)

// Key layout (all integers big-endian so byte order equals numeric order):
//
//	system  = keyType(8) | keyLen(2) | key
//	process = system | process(16)
//	event   = process | logicalClock(8)
//
// The events, index_claims, process_states and system_states keyspaces use
// event, event, process and system keys respectively, so a prefix scan over
// a system key visits exactly that system's records.

var metaProcessSecret = []byte("process_secret")

func systemKey(system model.PublicKey) []byte {
	key := make([]byte, 0, 10+len(system.Key)+model.ProcessSize+8)
	key = binary.BigEndian.AppendUint64(key, uint64(system.KeyType))
	key = binary.BigEndian.AppendUint16(key, uint16(len(system.Key)))
	return append(key, system.Key...)
}

func processKey(system model.PublicKey, process model.Process) []byte {
	return append(systemKey(system), process[:]...)
}

func eventKey(p model.Pointer) []byte {
	return binary.BigEndian.AppendUint64(processKey(p.System, p.Process), p.LogicalClock)
}

// parseEventKey is the inverse of eventKey.
func parseEventKey(key []byte) (model.Pointer, error) {
	var p model.Pointer
	if len(key) < 10 {
		return p, fmt.Errorf("%w: event key too short", ErrCorrupt)
	}
	p.System.KeyType = model.KeyType(binary.BigEndian.Uint64(key[:8]))
	n := int(binary.BigEndian.Uint16(key[8:10]))
	rest := key[10:]
	if len(rest) != n+model.ProcessSize+8 {
		return p, fmt.Errorf("%w: event key has %d bytes after header, want %d", ErrCorrupt, len(rest), n+model.ProcessSize+8)
	}
	p.System.Key = append([]byte(nil), rest[:n]...)
	copy(p.Process[:], rest[n:n+model.ProcessSize])
	p.LogicalClock = binary.BigEndian.Uint64(rest[n+model.ProcessSize:])
	return p, nil
}

// parseProcessKey extracts the process from a process_states key whose
// system prefix has already been matched.
func parseProcessKey(prefixLen int, key []byte) (model.Process, error) {
	if len(key) != prefixLen+model.ProcessSize {
		return model.Process{}, fmt.Errorf("%w: process key has %d bytes", ErrCorrupt, len(key))
	}
	var p model.Process
	copy(p[:], key[prefixLen:])
	return p, nil
}

// parseSystemKey is the inverse of systemKey.
func parseSystemKey(key []byte) (model.PublicKey, error) {
	if len(key) < 10 {
		return model.PublicKey{}, fmt.Errorf("%w: system key too short", ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint16(key[8:10]))
	if len(key) != 10+n {
		return model.PublicKey{}, fmt.Errorf("%w: system key length mismatch", ErrCorrupt)
	}
	return model.PublicKey{
		KeyType: model.KeyType(binary.BigEndian.Uint64(key[:8])),
		Key:     append([]byte(nil), key[10:]...),
	}, nil
}
