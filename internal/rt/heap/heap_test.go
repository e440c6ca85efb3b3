package heap

import (
	"fmt"
	"testing"
)

// rootList is a test RootSource with explicit word and address roots.
type rootList struct {
	words []uint64
	addrs []Addr
}

func (r *rootList) VisitRootWords(fn func([]uint64)) {
	fn(r.words)
}

func (r *rootList) VisitRootAddrs(fn func(Addr)) {
	for _, a := range r.addrs {
		fn(a)
	}
}

func TestAllocAssignsDistinctAlignedAddrs(t *testing.T) {
	h := New(Config{})
	seen := make(map[Addr]bool)
	for i := 0; i < 100; i++ {
		a := h.Alloc(24, TagObject, 3)
		if a == 0 {
			t.Fatal("Alloc returned nil address")
		}
		if uint64(a)%WordSize != 0 {
			t.Errorf("address 0x%x not 8-byte aligned", uint64(a))
		}
		if seen[a] {
			t.Errorf("address 0x%x handed out twice", uint64(a))
		}
		seen[a] = true
	}
}

func TestSlotRoundTrip(t *testing.T) {
	h := New(Config{})
	a := h.Alloc(32, TagObject, 4)
	for i := 0; i < 4; i++ {
		h.SetSlot(a, i, uint64(i)*7+1)
	}
	for i := 0; i < 4; i++ {
		if got, want := h.Slot(a, i), uint64(i)*7+1; got != want {
			t.Errorf("slot %d = %d, want %d", i, got, want)
		}
	}
}

func TestStringObjects(t *testing.T) {
	h := New(Config{})
	s := h.NewString("hello runtime")
	if got := h.StringAt(s); got != "hello runtime" {
		t.Errorf("StringAt = %q, want %q", got, "hello runtime")
	}
	if got := h.TagOf(s); got != TagString {
		t.Errorf("TagOf = %d, want TagString", got)
	}
	// Empty strings still get a real address.
	e := h.NewString("")
	if e == 0 {
		t.Fatal("empty string got nil address")
	}
	if got := h.StringAt(e); got != "" {
		t.Errorf("empty StringAt = %q", got)
	}
}

func TestStringSliceView(t *testing.T) {
	h := New(Config{})
	backing := h.NewString("hello runtime")
	sl := h.NewStringSlice(backing, 6, 7)
	if got := h.SliceString(sl); got != "runtime" {
		t.Errorf("SliceString = %q, want %q", got, "runtime")
	}
	// Out-of-range views clamp instead of panicking.
	far := h.NewStringSlice(backing, 6, 100)
	if got := h.SliceString(far); got != "runtime" {
		t.Errorf("clamped SliceString = %q, want %q", got, "runtime")
	}
}

func TestAccountingIncludesAuxBuffers(t *testing.T) {
	h := New(Config{})
	before := h.BytesAllocated()
	if before != 0 {
		t.Fatalf("fresh heap reports %d bytes", before)
	}
	h.NewArray(8, 8)
	want := uint64(HeaderBytes + ArrayHandleSize + 8*WordSize)
	if got := h.BytesAllocated(); got != want {
		t.Errorf("after array: %d bytes, want %d", got, want)
	}
	h.NewBytes(16, 16)
	want += HeaderBytes + BytesHandleSize + 16
	if got := h.BytesAllocated(); got != want {
		t.Errorf("after bytes: %d bytes, want %d", got, want)
	}
	h.NewMap(8)
	want += HeaderBytes + MapHandleSize + 8*WordSize + 8*WordSize + 8
	if got := h.BytesAllocated(); got != want {
		t.Errorf("after map: %d bytes, want %d", got, want)
	}
}

func TestAccountingReturnsToZeroAfterFullSweep(t *testing.T) {
	h := New(Config{})
	h.NewArray(8, 8)
	h.NewMap(4)
	h.NewSet(4)
	h.NewString("gone")
	h.NewChannel(2)
	h.Collect(&rootList{})
	if got := h.BytesAllocated(); got != 0 {
		t.Errorf("after sweeping everything: %d bytes, want 0", got)
	}
	if got := h.ObjectCount(); got != 0 {
		t.Errorf("after sweeping everything: %d objects, want 0", got)
	}
}

// The header size and the accounted bytes come from the same request
// value with no narrowing in between, so the sweep gives back exactly
// what Alloc charged even for large payloads.
func TestLargeAllocSizeNotNarrowed(t *testing.T) {
	h := New(Config{})
	const size = 6 << 20
	a := h.Alloc(size, TagObject, 0)
	if got := h.SizeOf(a); got != size {
		t.Errorf("SizeOf = %d, want %d", got, size)
	}
	if got := h.BytesAllocated(); got != HeaderBytes+size {
		t.Errorf("accounted %d bytes, want %d", got, HeaderBytes+size)
	}
	h.Collect(&rootList{})
	if got := h.BytesAllocated(); got != 0 {
		t.Errorf("after sweep: %d bytes, want 0", got)
	}
}

func TestThresholdRetunesToTwiceSurvivors(t *testing.T) {
	h := New(Config{})
	big := make([]byte, 200_000)
	keep := h.NewString(string(big))
	h.NewString(string(big)) // garbage
	h.Collect(&rootList{addrs: []Addr{keep}})

	live := h.BytesAllocated()
	if live == 0 {
		t.Fatal("rooted string was swept")
	}
	if got, want := h.Threshold(), 2*live; got != want {
		t.Errorf("threshold = %d, want %d", got, want)
	}
}

func TestThresholdFloor(t *testing.T) {
	h := New(Config{})
	h.NewString("tiny")
	h.Collect(&rootList{})
	if got := h.Threshold(); got != MinThreshold {
		t.Errorf("threshold = %d, want floor %d", got, MinThreshold)
	}
}

func TestNeedsCollect(t *testing.T) {
	h := New(Config{Threshold: MinThreshold})
	if h.NeedsCollect(64) {
		t.Error("fresh heap wants collection")
	}
	h.AllocRawBytes(MinThreshold)
	if !h.NeedsCollect(64) {
		t.Error("heap past threshold does not want collection")
	}
}

func TestShutdownReapsEverything(t *testing.T) {
	rp := &recordingReaper{}
	h := New(Config{Reaper: rp})
	h.NewChannel(2)
	h.NewTask(0)
	h.NewString("x")
	h.Shutdown()
	if got := h.ObjectCount(); got != 0 {
		t.Errorf("after shutdown: %d objects", got)
	}
	if got := len(rp.reaped); got != 2 {
		t.Errorf("reaped %d sync resources, want 2", got)
	}
}

type recordingReaper struct {
	reaped []Tag
}

func (r *recordingReaper) ReapSync(tag Tag, _ Addr) {
	r.reaped = append(r.reaped, tag)
}

func BenchmarkAlloc(b *testing.B) {
	h := New(Config{Threshold: 1 << 40}) // never collect
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		h.Alloc(32, TagObject, 4)
	}
}

func BenchmarkCollectSmallHeap(b *testing.B) {
	h := New(Config{Threshold: 1 << 40})
	roots := &rootList{}
	for i := 0; i < 100; i++ {
		a := h.NewString(fmt.Sprintf("live-%d", i))
		roots.addrs = append(roots.addrs, a)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Collect(roots)
	}
}
