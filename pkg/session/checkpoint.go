package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CheckpointVersion is bumped whenever the layout of a Checkpoint changes.
const CheckpointVersion = 1

var (
	// ErrMemoryShrunk is returned when the live memory is smaller than a checkpoint.
	ErrMemoryShrunk = errors.New("engine memory is smaller than the checkpoint")

	// ErrVersionMismatch is returned when restoring a checkpoint of another layout version.
	ErrVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrMemoryAccess is returned when the memory rejects a read or write.
	ErrMemoryAccess = errors.New("engine memory access out of range")
)

// Memory is the linear memory of an engine. wazero's api.Memory satisfies it.
type Memory interface {
	// Size returns the current size in bytes.
	Size() uint32

	// Read returns a view of byteCount bytes at offset.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write copies v into memory at offset.
	Write(offset uint32, v []byte) bool
}

// Globals exposes the mutable globals of an engine that belong to its state.
type Globals interface {
	// Names returns the globals included in a checkpoint.
	Names() []string

	// Get returns the raw value of a global.
	Get(name string) (uint64, bool)

	// Set overwrites the raw value of a global.
	Set(name string, value uint64) error
}

// Checkpoint is an immutable image of the engine state.
type Checkpoint struct {
	// Version is the layout version, see CheckpointVersion.
	Version int

	// Memory is a private copy of the linear memory.
	Memory []byte

	// Globals holds the raw values of the captured globals.
	Globals map[string]uint64

	// Digest is the hex SHA-256 of Memory.
	Digest string

	// CapturedAt is when the checkpoint was taken.
	CapturedAt time.Time
}

// Capture copies the whole memory and the named globals into a new Checkpoint.
// globals may be nil.
func Capture(mem Memory, globals Globals) (*Checkpoint, error) {
	if mem == nil {
		return nil, fmt.Errorf("capture: %w", ErrMemoryAccess)
	}

	size := mem.Size()
	view, ok := mem.Read(0, size)
	if !ok {
		return nil, fmt.Errorf("capture %d bytes: %w", size, ErrMemoryAccess)
	}

	// Read returns a view into the live memory.
	image := make([]byte, len(view))
	copy(image, view)

	cp := &Checkpoint{
		Version:    CheckpointVersion,
		Memory:     image,
		Globals:    make(map[string]uint64),
		CapturedAt: time.Now(),
	}

	if globals != nil {
		for _, name := range globals.Names() {
			value, ok := globals.Get(name)
			if !ok {
				return nil, fmt.Errorf("capture global %q: not exported", name)
			}
			cp.Globals[name] = value
		}
	}

	sum := sha256.Sum256(image)
	cp.Digest = hex.EncodeToString(sum[:])

	return cp, nil
}

// Size returns the number of memory bytes held by the checkpoint.
func (c *Checkpoint) Size() int {
	return len(c.Memory)
}

// Restore writes the checkpoint back verbatim. Only the captured prefix of the
// memory is overwritten; the memory is never resized.
func (c *Checkpoint) Restore(mem Memory, globals Globals) error {
	if c.Version != CheckpointVersion {
		return fmt.Errorf("restore version %d (want %d): %w", c.Version, CheckpointVersion, ErrVersionMismatch)
	}

	if mem == nil {
		return fmt.Errorf("restore: %w", ErrMemoryAccess)
	}

	if uint64(mem.Size()) < uint64(len(c.Memory)) {
		return fmt.Errorf("restore %d bytes into %d: %w", len(c.Memory), mem.Size(), ErrMemoryShrunk)
	}

	if !mem.Write(0, c.Memory) {
		return fmt.Errorf("restore %d bytes: %w", len(c.Memory), ErrMemoryAccess)
	}

	if globals == nil {
		return nil
	}

	names := make([]string, 0, len(c.Globals))
	for name := range c.Globals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := globals.Set(name, c.Globals[name]); err != nil {
			return fmt.Errorf("restore global %q: %w", name, err)
		}
	}

	return nil
}

// Verify reports whether the captured prefix of mem equals the checkpoint byte for byte.
func (c *Checkpoint) Verify(mem Memory) bool {
	if mem == nil || uint64(mem.Size()) < uint64(len(c.Memory)) {
		return false
	}

	view, ok := mem.Read(0, uint32(len(c.Memory)))
	if !ok {
		return false
	}

	return bytes.Equal(view, c.Memory)
}
