package heap

import "testing"

func TestDeepCopyScalarsPassThrough(t *testing.T) {
	h := New(Config{})
	if got := h.DeepCopy(0); got != 0 {
		t.Errorf("DeepCopy(0) = 0x%x, want 0", uint64(got))
	}
	// Plain numbers that are not object addresses copy as themselves.
	if got := h.DeepCopy(Addr(42)); got != 42 {
		t.Errorf("DeepCopy(42) = %d, want 42", uint64(got))
	}
}

func TestDeepCopySharesStringsTasksChannels(t *testing.T) {
	h := New(Config{})
	s := h.NewString("shared")
	ch := h.NewChannel(2)
	task := h.NewTask(0)

	if got := h.DeepCopy(s); got != s {
		t.Error("string was copied, want shared")
	}
	if got := h.DeepCopy(ch); got != ch {
		t.Error("channel was copied, want shared")
	}
	if got := h.DeepCopy(task); got != task {
		t.Error("task was copied, want shared")
	}
}

func TestDeepCopyRecordIsolation(t *testing.T) {
	h := New(Config{})
	inner := h.Alloc(WordSize, TagObject, 0)
	h.SetSlot(inner, 0, 111)
	rec := h.Alloc(2*WordSize, TagObject, 1)
	h.SetSlot(rec, 0, uint64(inner))
	h.SetSlot(rec, 1, 999) // plain word past the scan prefix

	dup := h.DeepCopy(rec)
	if dup == rec {
		t.Fatal("record not copied")
	}
	dupInner := Addr(h.Slot(dup, 0))
	if dupInner == inner {
		t.Fatal("nested record shared, want copied")
	}
	if got := h.Slot(dup, 1); got != 999 {
		t.Errorf("raw word = %d, want 999", got)
	}

	// Mutating the original must not leak into the copy.
	h.SetSlot(inner, 0, 222)
	if got := h.Slot(dupInner, 0); got != 111 {
		t.Errorf("copy observed original's mutation: %d", got)
	}
}

func TestDeepCopyArray(t *testing.T) {
	h := New(Config{})
	arr := h.NewArray(3, 4)
	data := Addr(h.Slot(arr, ArrayData))
	elem := h.NewString("elem")
	h.SetWord(data, 0, uint64(elem))
	h.SetWord(data, 1, 17)

	dup := h.DeepCopy(arr)
	if dup == arr {
		t.Fatal("array not copied")
	}
	if got := h.Slot(dup, ArrayLen); got != 3 {
		t.Errorf("copied len = %d, want 3", got)
	}
	dupData := Addr(h.Slot(dup, ArrayData))
	if dupData == data {
		t.Fatal("backing buffer shared")
	}
	if got := Addr(h.Word(dupData, 0)); got != elem {
		t.Error("immutable string element should be shared")
	}
	if got := h.Word(dupData, 1); got != 17 {
		t.Errorf("scalar element = %d, want 17", got)
	}
}

func TestDeepCopyBytes(t *testing.T) {
	h := New(Config{})
	b := h.NewBytes(4, 4)
	data := Addr(h.Slot(b, BytesData))
	for i := 0; i < 4; i++ {
		h.SetByte(data, i, byte(i+1))
	}
	dup := h.DeepCopy(b)
	dupData := Addr(h.Slot(dup, BytesData))
	if dupData == data {
		t.Fatal("byte buffer shared")
	}
	h.SetByte(data, 0, 99)
	if got := h.Byte(dupData, 0); got != 1 {
		t.Errorf("copy observed original's mutation: %d", got)
	}
}

func TestDeepCopyMap(t *testing.T) {
	h := New(Config{})
	m := h.NewMap(8)
	meta := Addr(h.Slot(m, MapMeta))
	keys := Addr(h.Slot(m, MapKeys))
	vals := Addr(h.Slot(m, MapVals))
	val := h.Alloc(WordSize, TagObject, 0)
	h.SetSlot(val, 0, 5)
	h.SetByte(meta, 3, MetaOccupied|0x2a)
	h.SetWord(keys, 3, 77)
	h.SetWord(vals, 3, uint64(val))
	h.SetSlot(m, MapCount, 1)

	dup := h.DeepCopy(m)
	if got := h.Slot(dup, MapCount); got != 1 {
		t.Errorf("copied count = %d, want 1", got)
	}
	dupMeta := Addr(h.Slot(dup, MapMeta))
	if got := h.Byte(dupMeta, 3); got != MetaOccupied|0x2a {
		t.Errorf("meta byte = 0x%x, want 0x%x", got, MetaOccupied|0x2a)
	}
	dupVals := Addr(h.Slot(dup, MapVals))
	if Addr(h.Word(dupVals, 3)) == val {
		t.Error("map value shared, want copied")
	}
}

func TestDeepCopyCycle(t *testing.T) {
	h := New(Config{})
	a := h.Alloc(WordSize, TagObject, 1)
	b := h.Alloc(WordSize, TagObject, 1)
	h.SetSlot(a, 0, uint64(b))
	h.SetSlot(b, 0, uint64(a))

	dupA := h.DeepCopy(a)
	dupB := Addr(h.Slot(dupA, 0))
	if dupA == a || dupB == b {
		t.Fatal("cycle members shared")
	}
	if got := Addr(h.Slot(dupB, 0)); got != dupA {
		t.Error("copied cycle does not close on the copy")
	}
}

func TestDeepCopySharedSubobjectCopiedOnce(t *testing.T) {
	h := New(Config{})
	shared := h.Alloc(WordSize, TagObject, 0)
	rec := h.Alloc(2*WordSize, TagObject, 2)
	h.SetSlot(rec, 0, uint64(shared))
	h.SetSlot(rec, 1, uint64(shared))

	dup := h.DeepCopy(rec)
	if got, want := h.Slot(dup, 0), h.Slot(dup, 1); got != want {
		t.Error("diamond-shared subobject duplicated into two copies")
	}
}
