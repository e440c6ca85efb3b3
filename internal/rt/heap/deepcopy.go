package heap

// DeepCopy clones the object graph rooted at a, producing a structurally
// identical graph that shares no mutable storage with the original. It is
// the isolation mechanism for task spawning: the spawned closure gets its
// own copy of its environment, so cross-task communication happens only
// through channels and task results.
//
// Sharing rules: strings are immutable and shared as-is; tasks and
// channels are the communication endpoints themselves, so copying them
// would defeat their purpose, and they too are shared by reference.
// Everything else is cloned, cycles included, via the visited map.
func (h *Heap) DeepCopy(a Addr) Addr {
	return h.deepCopy(a, make(map[Addr]Addr))
}

func (h *Heap) deepCopy(a Addr, visited map[Addr]Addr) Addr {
	if a == 0 {
		return 0
	}
	o := h.object(a)
	if o == nil {
		// Not an object base address: a scalar, an interior pointer or
		// a buffer address reached through an untyped slot. Copied as a
		// plain word.
		return a
	}
	switch o.tag {
	case TagString, TagTask, TagChannel:
		return a
	}
	if dup, ok := visited[a]; ok {
		return dup
	}

	switch o.tag {
	case TagArray:
		n := h.Slot(a, ArrayLen)
		capacity := h.Slot(a, ArrayCap)
		dup := h.NewArray(n, capacity)
		visited[a] = dup
		src := Addr(h.Slot(a, ArrayData))
		dst := Addr(h.Slot(dup, ArrayData))
		for i := uint64(0); i < n; i++ {
			h.SetWord(dst, int(i), uint64(h.deepCopy(Addr(h.Word(src, int(i))), visited)))
		}
		return dup

	case TagBytes:
		n := h.Slot(a, BytesLen)
		capacity := h.Slot(a, BytesCap)
		dup := h.NewBytes(n, capacity)
		visited[a] = dup
		src := Addr(h.Slot(a, BytesData))
		dst := Addr(h.Slot(dup, BytesData))
		for i := uint64(0); i < n; i++ {
			h.SetByte(dst, int(i), h.Byte(src, int(i)))
		}
		return dup

	case TagTrait:
		dup := h.Alloc(TraitHandleSize, TagTrait, 1)
		visited[a] = dup
		h.SetSlot(dup, TraitVtable, h.Slot(a, TraitVtable))
		h.SetSlot(dup, TraitData, uint64(h.deepCopy(Addr(h.Slot(a, TraitData)), visited)))
		return dup

	case TagMap:
		capacity := h.Slot(a, MapCap)
		dup := h.NewMap(capacity)
		visited[a] = dup
		h.SetSlot(dup, MapCount, h.Slot(a, MapCount))
		meta := Addr(h.Slot(a, MapMeta))
		keys := Addr(h.Slot(a, MapKeys))
		vals := Addr(h.Slot(a, MapVals))
		dmeta := Addr(h.Slot(dup, MapMeta))
		dkeys := Addr(h.Slot(dup, MapKeys))
		dvals := Addr(h.Slot(dup, MapVals))
		for i := uint64(0); i < capacity; i++ {
			m := h.Byte(meta, int(i))
			h.SetByte(dmeta, int(i), m)
			if m < MetaOccupied {
				continue
			}
			h.SetWord(dkeys, int(i), uint64(h.deepCopy(Addr(h.Word(keys, int(i))), visited)))
			h.SetWord(dvals, int(i), uint64(h.deepCopy(Addr(h.Word(vals, int(i))), visited)))
		}
		return dup

	case TagSet:
		capacity := h.Slot(a, SetCap)
		dup := h.NewSet(capacity)
		visited[a] = dup
		h.SetSlot(dup, SetCount, h.Slot(a, SetCount))
		meta := Addr(h.Slot(a, SetMeta))
		keys := Addr(h.Slot(a, SetKeys))
		dmeta := Addr(h.Slot(dup, SetMeta))
		dkeys := Addr(h.Slot(dup, SetKeys))
		for i := uint64(0); i < capacity; i++ {
			m := h.Byte(meta, int(i))
			h.SetByte(dmeta, int(i), m)
			if m < MetaOccupied {
				continue
			}
			h.SetWord(dkeys, int(i), uint64(h.deepCopy(Addr(h.Word(keys, int(i))), visited)))
		}
		return dup

	case TagStringSlice:
		dup := h.NewStringSlice(Addr(h.Slot(a, SliceBacking)), h.Slot(a, SliceOffset), h.Slot(a, SliceLen))
		visited[a] = dup
		return dup

	default:
		// Plain record: clone the payload, recursing through the scanned
		// prefix and copying the rest as raw words.
		dup := h.Alloc(o.size, o.tag, o.scanSlots)
		visited[a] = dup
		scan := int(o.scanSlots)
		for i := range o.slots {
			if i < scan {
				h.SetSlot(dup, i, uint64(h.deepCopy(Addr(o.slots[i]), visited)))
			} else {
				h.SetSlot(dup, i, o.slots[i])
			}
		}
		return dup
	}
}
