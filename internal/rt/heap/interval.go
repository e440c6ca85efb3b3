package heap

import "sort"

// Conservative pointer classification. Before each mark phase the
// collector snapshots every live allocation into two sorted interval
// tables: one for object payload ranges and one for auxiliary buffer
// ranges, the latter carrying the owning handle. Classification of a
// candidate word is then a binary search; a hit anywhere inside a range,
// not just at its base, keeps the owner alive, which is what makes
// interior pointers safe.

// interval covers an object payload [start, end).
type interval struct {
	start, end Addr
	obj        *object
}

// auxInterval covers an auxiliary buffer [start, end) owned by a handle.
type auxInterval struct {
	start, end Addr
	owner      *object
}

// addAux registers one auxiliary range if the address names a live buffer.
// A zero address (empty buffer, capacity-0 channel ring) is skipped.
func (h *Heap) addAux(owner *object, a Addr) {
	if a == 0 {
		return
	}
	b := h.raws[a]
	if b == nil {
		return
	}
	h.auxIntervals = append(h.auxIntervals, auxInterval{
		start: b.addr,
		end:   b.addr + Addr(b.size),
		owner: owner,
	})
}

// buildIntervals rebuilds both tables from the allocation list. Auxiliary
// ranges are registered per kind: array and bytes data, map keys, values
// and metadata, set keys and metadata. Channel rings are deliberately
// absent; enqueued elements are traced through the channel's own tracing
// rule, and a stray interior pointer into a ring must not resurrect the
// channel. Caller holds h.mu.
func (h *Heap) buildIntervals() {
	h.intervals = h.intervals[:0]
	h.auxIntervals = h.auxIntervals[:0]

	for o := h.head; o != nil; o = o.next {
		h.intervals = append(h.intervals, interval{
			start: o.addr,
			end:   o.addr + Addr(o.size),
			obj:   o,
		})
		switch o.tag {
		case TagArray:
			h.addAux(o, Addr(o.slots[ArrayData]))
		case TagBytes:
			h.addAux(o, Addr(o.slots[BytesData]))
		case TagMap:
			h.addAux(o, Addr(o.slots[MapKeys]))
			h.addAux(o, Addr(o.slots[MapVals]))
			h.addAux(o, Addr(o.slots[MapMeta]))
		case TagSet:
			h.addAux(o, Addr(o.slots[SetKeys]))
			h.addAux(o, Addr(o.slots[SetMeta]))
		}
	}

	sort.Slice(h.intervals, func(i, j int) bool {
		return h.intervals[i].start < h.intervals[j].start
	})
	sort.Slice(h.auxIntervals, func(i, j int) bool {
		return h.auxIntervals[i].start < h.auxIntervals[j].start
	})
}

// findObject classifies a candidate word against the object table.
// Returns nil unless the word lands inside some payload range.
func (h *Heap) findObject(a Addr) *object {
	lo, hi := 0, len(h.intervals)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		iv := &h.intervals[mid]
		switch {
		case a < iv.start:
			hi = mid - 1
		case a >= iv.end:
			lo = mid + 1
		default:
			return iv.obj
		}
	}
	return nil
}

// findAuxOwner classifies a candidate word against the auxiliary table.
// Returns the owning handle, or nil.
func (h *Heap) findAuxOwner(a Addr) *object {
	lo, hi := 0, len(h.auxIntervals)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		iv := &h.auxIntervals[mid]
		switch {
		case a < iv.start:
			hi = mid - 1
		case a >= iv.end:
			lo = mid + 1
		default:
			return iv.owner
		}
	}
	return nil
}
