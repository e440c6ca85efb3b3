package heap

// Collect runs one full stop-the-world mark-and-sweep cycle. The caller
// must have brought every mutator to a halt first; Collect assumes it has
// exclusive access to all object payloads for the duration.
//
// Phases:
//  1. rebuild the interval tables from the allocation list,
//  2. mark from the roots (conservative word ranges plus explicit
//     addresses), draining a breadth-first worklist,
//  3. sweep the allocation list, reaping sync resources and releasing
//     auxiliary buffers alongside their owners,
//  4. retune the threshold to twice the surviving bytes, floored at
//     MinThreshold.
func (h *Heap) Collect(roots RootSource) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buildIntervals()

	for o := h.head; o != nil; o = o.next {
		o.mark = false
	}

	h.worklist = h.worklist[:0]
	roots.VisitRootWords(func(words []uint64) {
		for _, w := range words {
			h.markCandidate(Addr(w))
		}
	})
	roots.VisitRootAddrs(func(a Addr) {
		h.markCandidate(a)
	})

	for len(h.worklist) > 0 {
		o := h.worklist[len(h.worklist)-1]
		h.worklist = h.worklist[:len(h.worklist)-1]
		h.trace(o)
	}

	h.sweep()

	h.threshold = 2 * h.bytesAllocated
	if h.threshold < MinThreshold {
		h.threshold = MinThreshold
	}
	h.collections++
}

// markCandidate classifies one candidate word. A hit in a payload range
// marks that object; a hit in an auxiliary range marks the owning handle.
// Marked objects are queued exactly once.
func (h *Heap) markCandidate(a Addr) {
	if a == 0 {
		return
	}
	o := h.findObject(a)
	if o == nil {
		o = h.findAuxOwner(a)
	}
	if o == nil || o.mark {
		return
	}
	o.mark = true
	h.worklist = append(h.worklist, o)
}

// trace queues the children of a marked object according to its kind.
func (h *Heap) trace(o *object) {
	switch o.tag {
	case TagString:
		// No children.

	case TagArray:
		data := Addr(o.slots[ArrayData])
		if b := h.raws[data]; b != nil {
			n := o.slots[ArrayLen]
			for i := uint64(0); i < n && i < uint64(len(b.words)); i++ {
				h.markCandidate(Addr(b.words[i]))
			}
		}

	case TagBytes:
		// Byte elements, no children.

	case TagTrait:
		h.markCandidate(Addr(o.slots[TraitData]))

	case TagMap:
		h.traceTable(Addr(o.slots[MapMeta]), Addr(o.slots[MapKeys]), Addr(o.slots[MapVals]), o.slots[MapCap])

	case TagSet:
		h.traceTable(Addr(o.slots[SetMeta]), Addr(o.slots[SetKeys]), 0, o.slots[SetCap])

	case TagChannel:
		// Only the count live ring positions hold elements; stale slots
		// past the tail are garbage and must not retain anything.
		buf := Addr(o.slots[ChanBuf])
		if b := h.raws[buf]; b != nil {
			capacity := o.slots[ChanCap]
			count := o.slots[ChanCount]
			head := o.slots[ChanHead]
			if capacity == 0 {
				// Rendezvous handoff slot.
				if count > 0 {
					h.markCandidate(Addr(b.words[0]))
				}
				break
			}
			for i := uint64(0); i < count; i++ {
				h.markCandidate(Addr(b.words[(head+i)%capacity]))
			}
		}

	case TagStringSlice:
		h.markCandidate(Addr(o.slots[SliceBacking]))

	default:
		// Records, tasks and anything with declared scan slots: the
		// leading scanSlots words are candidate pointers.
		n := int(o.scanSlots)
		if n > len(o.slots) {
			n = len(o.slots)
		}
		for i := 0; i < n; i++ {
			h.markCandidate(Addr(o.slots[i]))
		}
	}
}

// traceTable queues keys (and values, if vals is nonzero) of the occupied
// buckets of an open-addressing table.
func (h *Heap) traceTable(meta, keys, vals Addr, capacity uint64) {
	mb := h.raws[meta]
	kb := h.raws[keys]
	if mb == nil || kb == nil {
		return
	}
	var vb *rawBuf
	if vals != 0 {
		vb = h.raws[vals]
	}
	for i := uint64(0); i < capacity && i < uint64(len(mb.bytes)); i++ {
		if mb.bytes[i] < MetaOccupied {
			continue
		}
		h.markCandidate(Addr(kb.words[i]))
		if vb != nil {
			h.markCandidate(Addr(vb.words[i]))
		}
	}
}

// freeAux releases one auxiliary buffer and its accounted bytes.
func (h *Heap) freeAux(a Addr) {
	if a == 0 {
		return
	}
	b := h.raws[a]
	if b == nil {
		return
	}
	h.bytesAllocated -= b.size
	delete(h.raws, a)
}

// sweep unlinks every unmarked object, releasing its auxiliary buffers
// and, for tasks and channels, reaping the mode-owned sync resource.
func (h *Heap) sweep() {
	link := &h.head
	for *link != nil {
		o := *link
		if o.mark {
			link = &o.next
			continue
		}
		switch o.tag {
		case TagArray:
			h.freeAux(Addr(o.slots[ArrayData]))
		case TagBytes:
			h.freeAux(Addr(o.slots[BytesData]))
		case TagMap:
			h.freeAux(Addr(o.slots[MapKeys]))
			h.freeAux(Addr(o.slots[MapVals]))
			h.freeAux(Addr(o.slots[MapMeta]))
		case TagSet:
			h.freeAux(Addr(o.slots[SetKeys]))
			h.freeAux(Addr(o.slots[SetMeta]))
		case TagChannel:
			if h.reaper != nil {
				h.reaper.ReapSync(TagChannel, o.addr)
			}
			h.freeAux(Addr(o.slots[ChanBuf]))
		case TagTask:
			if h.reaper != nil {
				h.reaper.ReapSync(TagTask, o.addr)
			}
		}
		h.bytesAllocated -= HeaderBytes + o.size
		delete(h.objects, o.addr)
		*link = o.next
	}
}
