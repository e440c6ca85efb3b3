// Package heap implements the managed heap for the taskgc runtime: a
// conservative, stop-the-world mark-and-sweep collector over a virtual
// address space.
//
// Go is memory-safe, so the collector cannot walk real machine stacks or
// CPU registers the way the original C runtime does. Instead the heap
// models a 64-bit virtual address space: every allocation is assigned a
// monotonically increasing, 8-byte-aligned address range, and execution
// contexts carry explicit shadow stacks and register files of raw words.
// Conservative pointer discovery then works exactly as in a real
// conservative collector: any word found in a root range is classified
// against sorted interval tables, and a hit (including an interior
// pointer into an object's auxiliary buffer) keeps the owning object
// alive.
//
// The heap is a plain single-threaded data structure except for an
// internal lock that guards its address lookup tables; mutual exclusion
// between allocation, mutation and collection is the caller's job (the
// runtime layer serializes allocation and coordinates stop-the-world in
// threaded mode, and the deterministic fiber scheduler is single-threaded
// by construction).
package heap

import (
	"fmt"
	"os"
	"sync"
)

// Addr is a virtual heap address. 0 is the nil address. Object addresses
// always point at the payload, never at the header.
type Addr uint64

// Tag identifies the kind of a heap object. The set is closed: every tag
// has its own tracing rule in the collector and its own secondary-free
// rule in the sweeper.
type Tag uint8

// Object kind tags. The numbering mirrors the runtime ABI; tag 6 is
// reserved (formerly a JSON node kind).
const (
	TagObject      Tag = 0  // plain record: all declared slots scanned conservatively
	TagString      Tag = 1  // immutable, no child pointers
	TagArray       Tag = 2  // handle [len][cap][data]; data buffer swept with the handle
	TagTrait       Tag = 3  // [data][vtable]; only data is traced
	TagMap         Tag = 4  // [count][cap][keys][vals][meta]
	TagSet         Tag = 5  // [count][cap][keys][meta]
	tagReserved    Tag = 6  //nolint:unused // reserved kind, never allocated
	TagTask        Tag = 7  // [closure][result][error][done][sync][detached][cancelled]
	TagBytes       Tag = 8  // handle [len][cap][data]; byte elements, no child pointers
	TagChannel     Tag = 9  // [sync][buf][cap][count][head][tail][closed][senders]
	TagStringSlice Tag = 10 // [backing][offset][len]; unowned view
)

// Slot indices for the handle layouts above.
const (
	ArrayLen, ArrayCap, ArrayData = 0, 1, 2

	BytesLen, BytesCap, BytesData = 0, 1, 2

	TraitData, TraitVtable = 0, 1

	MapCount, MapCap, MapKeys, MapVals, MapMeta = 0, 1, 2, 3, 4

	SetCount, SetCap, SetKeys, SetMeta = 0, 1, 2, 3

	TaskClosure, TaskResult, TaskErr, TaskDone, TaskSync, TaskDetached, TaskCancelled = 0, 1, 2, 3, 4, 5, 6

	ChanSync, ChanBuf, ChanCap, ChanCount, ChanHead, ChanTail, ChanClosed, ChanSenders = 0, 1, 2, 3, 4, 5, 6, 7

	SliceBacking, SliceOffset, SliceLen = 0, 1, 2
)

// Handle sizes in payload bytes.
const (
	ArrayHandleSize = 3 * WordSize
	BytesHandleSize = 3 * WordSize
	TraitHandleSize = 2 * WordSize
	MapHandleSize   = 5 * WordSize
	SetHandleSize   = 4 * WordSize
	TaskHandleSize  = 7 * WordSize
	ChanHandleSize  = 8 * WordSize
	SliceHandleSize = 3 * WordSize
)

// MetaOccupied marks an occupied open-addressing slot in a map/set meta
// byte. Values below it are empty or tombstone.
const MetaOccupied = 0x80

const (
	// WordSize is the payload slot size; all conservative scanning is in
	// 8-byte words.
	WordSize = 8

	// HeaderBytes is the accounted size of an object header.
	HeaderBytes = 32

	// MinThreshold is the floor for the collection threshold (256 KiB).
	MinThreshold = 256 << 10

	// baseAddr is the first address handed out. Keeping it well above
	// small integers means function IDs, lengths and flags on scanned
	// slots never collide with real addresses.
	baseAddr Addr = 0x1000_0000
)

// object is an allocated heap object: header fields plus payload.
type object struct {
	next      *object // allocation list link
	addr      Addr    // payload base address
	size      uint64  // payload bytes; matches the accounted total exactly
	mark      bool
	tag       Tag
	scanSlots uint16 // 8-byte payload slots scanned conservatively

	slots []uint64 // payload slots (nil for strings)
	str   string   // string payload (TagString only)
}

// rawBuf is an auxiliary buffer: backing storage for arrays, bytes
// buffers, map/set tables and channel rings. It has no header of its own;
// ownership is established per collection through the interval index.
type rawBuf struct {
	addr  Addr
	size  uint64   // accounted bytes
	words []uint64 // word buffers
	bytes []byte   // byte buffers (bytes data, map/set meta)
}

// Reaper releases mode-owned sync resources (task mutex/cond pairs,
// channel sync) when the owning handle is swept. The sweep calls it for
// every unmarked task and channel header before the header is unlinked,
// never earlier: another context may still be parked on the resource
// while the handle is reachable.
type Reaper interface {
	ReapSync(tag Tag, handle Addr)
}

// RootSource supplies the collector's roots: word ranges (register files
// and shadow stacks, scanned conservatively) and explicit addresses
// (per-context current-error slots).
type RootSource interface {
	VisitRootWords(fn func(words []uint64))
	VisitRootAddrs(fn func(a Addr))
}

// Config tunes a Heap. The zero value is usable.
type Config struct {
	// Threshold is the initial collection threshold in bytes.
	// Values below MinThreshold are raised to it.
	Threshold uint64

	// Reaper handles sync-resource teardown during sweep. Optional.
	Reaper Reaper
}

// Heap owns the allocation list, the virtual address space and the
// collection machinery. Create with New, tear down with Shutdown.
type Heap struct {
	mu sync.RWMutex // guards lookup tables and counters, not slot contents

	head     *object
	objects  map[Addr]*object // payload base -> object
	raws     map[Addr]*rawBuf // buffer base -> buffer
	nextAddr Addr

	bytesAllocated uint64
	threshold      uint64
	collections    uint64

	reaper Reaper

	// Collection scratch state, rebuilt each cycle.
	intervals    []interval
	auxIntervals []auxInterval
	worklist     []*object
}

// New creates an initialized heap.
func New(cfg Config) *Heap {
	th := cfg.Threshold
	if th < MinThreshold {
		th = MinThreshold
	}
	return &Heap{
		objects:   make(map[Addr]*object),
		raws:      make(map[Addr]*rawBuf),
		nextAddr:  baseAddr,
		threshold: th,
		reaper:    cfg.Reaper,
	}
}

// Shutdown drops every object and buffer regardless of reachability,
// reaping sync resources along the way.
func (h *Heap) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reaper != nil {
		for o := h.head; o != nil; o = o.next {
			if o.tag == TagTask || o.tag == TagChannel {
				h.reaper.ReapSync(o.tag, o.addr)
			}
		}
	}
	h.head = nil
	h.objects = make(map[Addr]*object)
	h.raws = make(map[Addr]*rawBuf)
	h.bytesAllocated = 0
}

// fatal reports an unrecoverable heap failure and terminates the process.
// There is no recovery path for an unavailable heap.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "taskgc: "+format+"\n", args...)
	os.Exit(1)
}

func roundUp(n uint64) uint64 {
	return (n + WordSize - 1) &^ uint64(WordSize-1)
}

// reserve carves an address range out of the virtual space.
// Caller holds h.mu.
func (h *Heap) reserve(size uint64) Addr {
	a := h.nextAddr
	next := a + Addr(roundUp(size))
	if next < a {
		fatal("out of memory: virtual address space exhausted")
	}
	// Leave a one-word gap so [start,end) ranges never abut; an end
	// pointer of one object must not classify as the next object.
	h.nextAddr = next + WordSize
	return a
}

// Alloc allocates an object of the given kind with size payload bytes,
// of which scanSlots leading 8-byte slots are candidate pointers. It
// never returns 0. The caller is responsible for triggering a collection
// beforehand (see NeedsCollect); Alloc itself only grants memory.
func (h *Heap) Alloc(size uint64, tag Tag, scanSlots uint16) Addr {
	if size == 0 {
		size = WordSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := &object{
		addr:      h.reserve(size),
		size:      size,
		tag:       tag,
		scanSlots: scanSlots,
		slots:     make([]uint64, (size+WordSize-1)/WordSize),
	}
	o.next = h.head
	h.head = o
	h.objects[o.addr] = o
	h.bytesAllocated += HeaderBytes + size
	return o.addr
}

// NeedsCollect reports whether granting need more bytes would push the
// accounted total past the collection threshold.
func (h *Heap) NeedsCollect(need uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bytesAllocated+need+HeaderBytes > h.threshold
}

// AllocRawWords allocates an auxiliary word buffer of n slots.
func (h *Heap) AllocRawWords(n uint64) Addr {
	if n == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &rawBuf{size: n * WordSize, words: make([]uint64, n)}
	b.addr = h.reserve(b.size)
	h.raws[b.addr] = b
	h.bytesAllocated += b.size
	return b.addr
}

// AllocRawBytes allocates an auxiliary byte buffer of n bytes.
func (h *Heap) AllocRawBytes(n uint64) Addr {
	if n == 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &rawBuf{size: n, bytes: make([]byte, n)}
	b.addr = h.reserve(b.size)
	h.raws[b.addr] = b
	h.bytesAllocated += b.size
	return b.addr
}

func (h *Heap) object(a Addr) *object {
	h.mu.RLock()
	o := h.objects[a]
	h.mu.RUnlock()
	return o
}

func (h *Heap) raw(a Addr) *rawBuf {
	h.mu.RLock()
	b := h.raws[a]
	h.mu.RUnlock()
	return b
}

// Slot reads payload slot i of the object at base address a.
func (h *Heap) Slot(a Addr, i int) uint64 {
	o := h.object(a)
	if o == nil {
		fatal("slot read through dangling address 0x%x", uint64(a))
	}
	return o.slots[i]
}

// SetSlot writes payload slot i of the object at base address a.
// Concurrent access to the same object is the caller's concern; the heap
// only guarantees the address lookup is safe.
func (h *Heap) SetSlot(a Addr, i int, v uint64) {
	o := h.object(a)
	if o == nil {
		fatal("slot write through dangling address 0x%x", uint64(a))
	}
	o.slots[i] = v
}

// Word reads slot i of the auxiliary word buffer at base address a.
func (h *Heap) Word(a Addr, i int) uint64 {
	b := h.raw(a)
	if b == nil {
		fatal("buffer read through dangling address 0x%x", uint64(a))
	}
	return b.words[i]
}

// SetWord writes slot i of the auxiliary word buffer at base address a.
func (h *Heap) SetWord(a Addr, i int, v uint64) {
	b := h.raw(a)
	if b == nil {
		fatal("buffer write through dangling address 0x%x", uint64(a))
	}
	b.words[i] = v
}

// Byte reads byte i of the auxiliary byte buffer at base address a.
func (h *Heap) Byte(a Addr, i int) byte {
	b := h.raw(a)
	if b == nil {
		fatal("buffer read through dangling address 0x%x", uint64(a))
	}
	return b.bytes[i]
}

// SetByte writes byte i of the auxiliary byte buffer at base address a.
func (h *Heap) SetByte(a Addr, i int, v byte) {
	b := h.raw(a)
	if b == nil {
		fatal("buffer write through dangling address 0x%x", uint64(a))
	}
	b.bytes[i] = v
}

// IsObject reports whether a is the payload base address of a live object.
func (h *Heap) IsObject(a Addr) bool {
	return h.object(a) != nil
}

// TagOf returns the kind of the object at base address a.
func (h *Heap) TagOf(a Addr) Tag {
	o := h.object(a)
	if o == nil {
		fatal("tag lookup through dangling address 0x%x", uint64(a))
	}
	return o.tag
}

// SizeOf returns the payload size of the object at base address a.
func (h *Heap) SizeOf(a Addr) uint64 {
	o := h.object(a)
	if o == nil {
		fatal("size lookup through dangling address 0x%x", uint64(a))
	}
	return o.size
}

// ScanSlotsOf returns the conservative scan-slot count of the object at a.
func (h *Heap) ScanSlotsOf(a Addr) uint16 {
	o := h.object(a)
	if o == nil {
		fatal("header lookup through dangling address 0x%x", uint64(a))
	}
	return o.scanSlots
}

// BytesAllocated returns the accounted byte total: headers, payloads and
// auxiliary buffers of every live allocation.
func (h *Heap) BytesAllocated() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bytesAllocated
}

// Threshold returns the current collection threshold.
func (h *Heap) Threshold() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.threshold
}

// Collections returns how many collections have run.
func (h *Heap) Collections() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collections
}

// ObjectCount walks the allocation list and returns the number of live
// headers. Diagnostic use only.
func (h *Heap) ObjectCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for o := h.head; o != nil; o = o.next {
		n++
	}
	return n
}
