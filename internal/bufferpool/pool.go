// Package bufferpool implements fixed-count pools of page-aligned frame slots
// carved out of one contiguous backing region.
//
// Each slot is registered with the driver at creation time, either writable
// (granted to the producer) or held back in Free, according to a reservation
// policy that depends on the pool role:
//
//   - preview: the last ReservedSlots slots are withheld. They are the target
//     of crop/zoom blits, which the driver must never write into.
//   - video: only the first ActiveSlots slots are writable. The rest are
//     granted later, as the encoder releases earlier frames.
//   - raw, thumbnail, jpeg: every slot is writable.
//
// Ownership of a slot changes only through Transfer.
package bufferpool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/camera-core/internal/hal"
)

// Default reservation policy.
const (
	DefaultReservedPreviewSlots = 1
	DefaultActiveVideoSlots     = 3
)

// Owner is the party currently entitled to touch a slot.
type Owner int

const (
	OwnerFree     Owner = iota // held by the pool, not granted to anyone
	OwnerProducer              // writable by the driver
	OwnerConsumer              // delivered to a consumer, read-only for the driver
)

func (o Owner) String() string {
	switch o {
	case OwnerFree:
		return "free"
	case OwnerProducer:
		return "producer"
	case OwnerConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("owner(%d)", int(o))
	}
}

// Slot is the bookkeeping for one frame buffer.
type Slot struct {
	Index        int
	Owner        Owner
	Handle       uintptr
	Offset       int
	LumaOffset   int
	ChromaOffset int
	Timestamp    time.Time
}

// Registrar is the subset of the driver a pool talks to.
type Registrar interface {
	RegisterBuffer(b hal.Buffer, writable bool) error
	UnregisterBuffer(b hal.Buffer) error
}

// Config describes a pool to create.
type Config struct {
	Role         hal.Role
	FrameSize    int // bytes per frame, rounded up to a page per slot
	Count        int
	LumaOffset   int
	ChromaOffset int

	// ReservedSlots applies to RolePreview: slots at the tail never granted
	// to the producer.
	ReservedSlots int

	// ActiveSlots applies to RoleVideo: slots at the head granted to the
	// producer at creation. Zero means DefaultActiveVideoSlots.
	ActiveSlots int
}

// Pool is a fixed set of equal slots over one backing region.
//
// Thread-safety: all methods are safe for concurrent use.
type Pool struct {
	mu sync.Mutex

	role     hal.Role
	slotSize int
	region   Region
	drv      Registrar

	slots      []Slot
	registered []bool
	destroyed  bool
}

// New allocates the backing region, slices it into slots and registers each
// slot with drv. On any failure everything already done is undone and the
// returned error wraps ErrAllocationFailed or ErrInvalidRequest.
func New(cfg Config, drv Registrar, alloc Allocator) (*Pool, error) {
	if cfg.Count <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("bufferpool: %s pool count=%d frame_size=%d: %w",
			cfg.Role, cfg.Count, cfg.FrameSize, hal.ErrInvalidRequest)
	}
	if cfg.Role == hal.RolePreview && (cfg.ReservedSlots < 0 || cfg.ReservedSlots >= cfg.Count) {
		return nil, fmt.Errorf("bufferpool: preview pool reserves %d of %d slots: %w",
			cfg.ReservedSlots, cfg.Count, hal.ErrInvalidRequest)
	}
	if cfg.Role == hal.RoleVideo {
		if cfg.ActiveSlots == 0 {
			cfg.ActiveSlots = min(DefaultActiveVideoSlots, cfg.Count)
		}
		if cfg.ActiveSlots < 0 || cfg.ActiveSlots > cfg.Count {
			return nil, fmt.Errorf("bufferpool: video pool activates %d of %d slots: %w",
				cfg.ActiveSlots, cfg.Count, hal.ErrInvalidRequest)
		}
	}
	if alloc == nil {
		alloc = NewHeapRegion
	}

	slotSize := CeilToPage(cfg.FrameSize)
	region, err := alloc(slotSize * cfg.Count)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: %s region of %d bytes: %w", cfg.Role, slotSize*cfg.Count, err)
	}

	p := &Pool{
		role:       cfg.Role,
		slotSize:   slotSize,
		region:     region,
		drv:        drv,
		slots:      make([]Slot, cfg.Count),
		registered: make([]bool, cfg.Count),
	}

	for i := range p.slots {
		w := writable(cfg, i)
		owner := OwnerFree
		if w {
			owner = OwnerProducer
		}
		p.slots[i] = Slot{
			Index:        i,
			Owner:        owner,
			Handle:       region.Handle(),
			Offset:       i * slotSize,
			LumaOffset:   cfg.LumaOffset,
			ChromaOffset: cfg.ChromaOffset,
		}

		if drv == nil {
			continue
		}
		if err := drv.RegisterBuffer(p.buffer(i), w); err != nil {
			p.destroyLocked()
			return nil, fmt.Errorf("bufferpool: register %s slot %d: %v: %w", cfg.Role, i, err, hal.ErrAllocationFailed)
		}
		p.registered[i] = true
	}

	slog.Debug("bufferpool: created",
		"role", cfg.Role.String(),
		"slots", cfg.Count,
		"slot_size", slotSize,
		"frame_size", cfg.FrameSize,
		"handle", region.Handle(),
	)

	return p, nil
}

func writable(cfg Config, i int) bool {
	switch cfg.Role {
	case hal.RolePreview:
		return i < cfg.Count-cfg.ReservedSlots
	case hal.RoleVideo:
		return i < cfg.ActiveSlots
	default:
		return true
	}
}

// Destroy unregisters every registered slot and releases the backing region.
//
// Unregistration is best-effort: a failure is logged and the teardown
// continues. Safe to call multiple times.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyLocked()
}

func (p *Pool) destroyLocked() error {
	if p.destroyed {
		return nil
	}
	p.destroyed = true

	for i, ok := range p.registered {
		if !ok {
			continue
		}
		if err := p.drv.UnregisterBuffer(p.buffer(i)); err != nil {
			slog.Warn("bufferpool: unregister failed",
				"role", p.role.String(),
				"slot", i,
				"error", err,
			)
		}
		p.registered[i] = false
	}

	if err := p.region.Close(); err != nil {
		return fmt.Errorf("bufferpool: release %s region: %w", p.role, err)
	}

	slog.Debug("bufferpool: destroyed", "role", p.role.String(), "slots", len(p.slots))
	return nil
}

func (p *Pool) buffer(i int) hal.Buffer {
	off := i * p.slotSize
	return hal.Buffer{
		Role:   p.role,
		Index:  i,
		Handle: p.region.Handle(),
		Offset: off,
		Size:   p.slotSize,
		Data:   p.region.Bytes()[off : off+p.slotSize : off+p.slotSize],
	}
}

// Buffer returns the driver-facing view of slot i.
func (p *Pool) Buffer(i int) (hal.Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(i); err != nil {
		return hal.Buffer{}, err
	}
	return p.buffer(i), nil
}

// Bytes returns the memory of slot i, or nil if i is out of range or the
// pool is destroyed.
func (p *Pool) Bytes(i int) []byte {
	b, err := p.Buffer(i)
	if err != nil {
		return nil
	}
	return b.Data
}

// Slot returns a copy of slot i's bookkeeping.
func (p *Pool) Slot(i int) (Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(i); err != nil {
		return Slot{}, err
	}
	return p.slots[i], nil
}

// Transfer hands slot i from one owner to another. It fails if the slot is
// not currently held by from.
func (p *Pool) Transfer(i int, from, to Owner) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(i); err != nil {
		return err
	}
	if p.slots[i].Owner != from {
		return fmt.Errorf("bufferpool: %s slot %d owned by %s, not %s: %w",
			p.role, i, p.slots[i].Owner, from, hal.ErrInvalidRequest)
	}
	p.slots[i].Owner = to
	return nil
}

// Stamp records the capture time of the frame in slot i.
func (p *Pool) Stamp(i int, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkLocked(i) == nil {
		p.slots[i].Timestamp = ts
	}
}

// SlotTime returns the capture time last stamped on slot i.
func (p *Pool) SlotTime(i int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkLocked(i) != nil {
		return time.Time{}
	}
	return p.slots[i].Timestamp
}

// Descriptor builds a frame descriptor for slot i.
func (p *Pool) Descriptor(i int, ts time.Time) (hal.FrameDescriptor, error) {
	b, err := p.Buffer(i)
	if err != nil {
		return hal.FrameDescriptor{}, err
	}
	return hal.DescriptorFor(b, ts), nil
}

// Owns reports whether desc references a slot of this pool.
func (p *Pool) Owns(desc hal.FrameDescriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.destroyed &&
		desc.Role == p.role &&
		desc.Handle == p.region.Handle() &&
		desc.Index >= 0 && desc.Index < len(p.slots)
}

// SlotsOwnedBy lists, in index order, the slots currently held by owner.
func (p *Pool) SlotsOwnedBy(owner Owner) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for _, s := range p.slots {
		if s.Owner == owner {
			out = append(out, s.Index)
		}
	}
	return out
}

func (p *Pool) checkLocked(i int) error {
	if p.destroyed {
		return fmt.Errorf("bufferpool: %s pool destroyed: %w", p.role, hal.ErrInvalidRequest)
	}
	if i < 0 || i >= len(p.slots) {
		return fmt.Errorf("bufferpool: %s slot %d out of range [0,%d): %w",
			p.role, i, len(p.slots), hal.ErrInvalidRequest)
	}
	return nil
}

// Len returns the slot count.
func (p *Pool) Len() int { return len(p.slots) }

// SlotSize returns the page-aligned size of each slot.
func (p *Pool) SlotSize() int { return p.slotSize }

// Handle returns the backing region's handle.
func (p *Pool) Handle() uintptr { return p.region.Handle() }

// Role returns the pool's role.
func (p *Pool) Role() hal.Role { return p.role }
