package heap

// Typed constructors for the built-in heap kinds. Each one allocates the
// handle (and any auxiliary buffer) with the scan-slot count that matches
// its layout, so the collector traces exactly the fields that can hold
// addresses.

// NewString allocates an immutable string object. Strings carry no child
// pointers, so the scan-slot count is zero and the payload lives in Go
// string storage rather than slots.
func (h *Heap) NewString(s string) Addr {
	size := uint64(len(s))
	if size == 0 {
		size = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o := &object{
		addr: h.reserve(size),
		size: size,
		tag:  TagString,
		str:  s,
	}
	o.next = h.head
	h.head = o
	h.objects[o.addr] = o
	h.bytesAllocated += HeaderBytes + size
	return o.addr
}

// StringAt returns the payload of the string object at base address a.
func (h *Heap) StringAt(a Addr) string {
	o := h.object(a)
	if o == nil || o.tag != TagString {
		fatal("string read through non-string address 0x%x", uint64(a))
	}
	return o.str
}

// NewArray allocates an array handle with a word buffer of cap elements.
// Only the data slot is a pointer; len and cap are plain integers, and
// keeping them out of the scan range avoids false retention from small
// counters.
func (h *Heap) NewArray(length, capacity uint64) Addr {
	if capacity < length {
		capacity = length
	}
	a := h.Alloc(ArrayHandleSize, TagArray, 0)
	h.SetSlot(a, ArrayLen, length)
	h.SetSlot(a, ArrayCap, capacity)
	h.SetSlot(a, ArrayData, uint64(h.AllocRawWords(capacity)))
	return a
}

// NewBytes allocates a bytes handle with a byte buffer of cap elements.
func (h *Heap) NewBytes(length, capacity uint64) Addr {
	if capacity < length {
		capacity = length
	}
	a := h.Alloc(BytesHandleSize, TagBytes, 0)
	h.SetSlot(a, BytesLen, length)
	h.SetSlot(a, BytesCap, capacity)
	h.SetSlot(a, BytesData, uint64(h.AllocRawBytes(capacity)))
	return a
}

// NewTrait allocates a trait handle wrapping data with the given vtable
// id. Only the data slot is scanned.
func (h *Heap) NewTrait(data Addr, vtable uint64) Addr {
	a := h.Alloc(TraitHandleSize, TagTrait, 1)
	h.SetSlot(a, TraitData, uint64(data))
	h.SetSlot(a, TraitVtable, vtable)
	return a
}

// NewMap allocates an empty open-addressing map with capacity buckets.
// Keys and values are word buffers; metadata is one byte per bucket.
func (h *Heap) NewMap(capacity uint64) Addr {
	if capacity == 0 {
		capacity = 8
	}
	a := h.Alloc(MapHandleSize, TagMap, 0)
	h.SetSlot(a, MapCount, 0)
	h.SetSlot(a, MapCap, capacity)
	h.SetSlot(a, MapKeys, uint64(h.AllocRawWords(capacity)))
	h.SetSlot(a, MapVals, uint64(h.AllocRawWords(capacity)))
	h.SetSlot(a, MapMeta, uint64(h.AllocRawBytes(capacity)))
	return a
}

// NewSet allocates an empty open-addressing set with capacity buckets.
func (h *Heap) NewSet(capacity uint64) Addr {
	if capacity == 0 {
		capacity = 8
	}
	a := h.Alloc(SetHandleSize, TagSet, 0)
	h.SetSlot(a, SetCount, 0)
	h.SetSlot(a, SetCap, capacity)
	h.SetSlot(a, SetKeys, uint64(h.AllocRawWords(capacity)))
	h.SetSlot(a, SetMeta, uint64(h.AllocRawBytes(capacity)))
	return a
}

// NewTask allocates a task handle for the given closure. The sync slot is
// filled in by the runtime layer, which owns the mode-specific resource
// behind it. Result, error, done, detached and cancelled start zero.
// Only the first three slots can hold addresses.
func (h *Heap) NewTask(closure Addr) Addr {
	a := h.Alloc(TaskHandleSize, TagTask, 3)
	h.SetSlot(a, TaskClosure, uint64(closure))
	return a
}

// NewChannel allocates a channel handle with a ring buffer of capacity
// elements. Capacity 0 yields a rendezvous channel; it still gets a
// one-word ring so the in-flight element of a handoff lives in traced
// heap storage rather than an untracked local. The ring holds element
// addresses but is deliberately not given scan slots on the handle:
// enqueued elements are traced by the channel's tracing rule, which
// walks only the live ring positions.
func (h *Heap) NewChannel(capacity uint64) Addr {
	a := h.Alloc(ChanHandleSize, TagChannel, 0)
	h.SetSlot(a, ChanCap, capacity)
	ring := capacity
	if ring == 0 {
		ring = 1
	}
	h.SetSlot(a, ChanBuf, uint64(h.AllocRawWords(ring)))
	return a
}

// NewStringSlice allocates a view over backing [offset, offset+length).
// The backing slot is the only pointer.
func (h *Heap) NewStringSlice(backing Addr, offset, length uint64) Addr {
	a := h.Alloc(SliceHandleSize, TagStringSlice, 1)
	h.SetSlot(a, SliceBacking, uint64(backing))
	h.SetSlot(a, SliceOffset, offset)
	h.SetSlot(a, SliceLen, length)
	return a
}

// SliceString materializes the text a string slice refers to.
func (h *Heap) SliceString(a Addr) string {
	backing := Addr(h.Slot(a, SliceBacking))
	off := h.Slot(a, SliceOffset)
	n := h.Slot(a, SliceLen)
	s := h.StringAt(backing)
	if off > uint64(len(s)) {
		off = uint64(len(s))
	}
	if off+n > uint64(len(s)) {
		n = uint64(len(s)) - off
	}
	return s[off : off+n]
}
