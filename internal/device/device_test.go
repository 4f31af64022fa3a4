// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSelect(t *testing.T) {
	d, err := Select(0)
	if err != nil {
		t.Fatalf("Select(0)=%v", err)
	}
	defer d.Close()
	if d.Lanes < 1 || d.MemoryBytes <= 0 || d.Name == "" {
		t.Errorf("Select(0)=%v; want lanes, memory and name", d)
	}
	if _, err := Select(1); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Select(1)=%v; want %v", err, ErrNoDevice)
	}
	if _, err := Select(-1); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Select(-1)=%v; want %v", err, ErrNoDevice)
	}
}

func TestAllocBudget(t *testing.T) {
	d := New("test", 2, 1024)
	defer d.Close()
	a, err := Alloc[int16](d, 256)
	if err != nil {
		t.Fatalf("Alloc 512 bytes=%v", err)
	}
	if d.Allocated() != 512 {
		t.Errorf("Allocated()=%d; want 512", d.Allocated())
	}
	if _, err := Alloc[int32](d, 256); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Alloc 1024 more bytes=%v; want %v", err, ErrOutOfMemory)
	}
	if d.Allocated() != 512 {
		t.Errorf("Allocated() after failure=%d; want 512", d.Allocated())
	}
	a.Free()
	a.Free()
	if d.Allocated() != 0 {
		t.Errorf("Allocated() after free=%d; want 0", d.Allocated())
	}
}

func TestStreamOrder(t *testing.T) {
	d := New("test", 4, 1<<20)
	defer d.Close()
	s := d.NewStream(2)
	var mutex sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := s.Callback("append", func() error {
			mutex.Lock()
			got = append(got, i)
			mutex.Unlock()
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d]=%d; want %d", i, v, i)
		}
	}
	if len(got) != 100 {
		t.Errorf("len(got)=%d; want 100", len(got))
	}
}

func TestCopyRoundTrip(t *testing.T) {
	d := New("test", 4, 1<<20)
	defer d.Close()
	s := d.NewStream(0)
	b, err := Alloc[int16](d, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Free()
	src := []int16{1, 2, 3, 4}
	dst := make([]int16, 8)
	if err := Memset(s, b, 0, 8, int16(9)); err != nil {
		t.Fatal(err)
	}
	if err := CopyToDevice(s, b, 2, src); err != nil {
		t.Fatal(err)
	}
	if err := CopyToHost(s, dst, b, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	want := []int16{9, 9, 1, 2, 3, 4, 9, 9}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d]=%d; want %d", i, dst[i], want[i])
		}
	}
	if err := CopyToDevice(s, b, 6, src); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CopyToDevice past end=%v; want %v", err, ErrOutOfRange)
	}
}

func TestLaunchCoversAllLanes(t *testing.T) {
	d := New("test", 3, 1<<20)
	defer d.Close()
	s := d.NewStream(0)
	counts := make([]int32, 1000)
	lc := LaunchConfig{Name: "count", Elements: 1000, Groups: 16, GroupSize: 64}
	err := Launch(s, lc, func(wg WorkGroup) {
		for i := wg.First; i < wg.End; i++ {
			atomic.AddInt32(&counts[i], 1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Synchronize(); err != nil {
		t.Fatal(err)
	}
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("counts[%d]=%d; want 1", i, c)
		}
	}
}

func TestLaunchUnderProvisioned(t *testing.T) {
	d := New("test", 2, 1<<20)
	defer d.Close()
	s := d.NewStream(0)
	ran := false
	err := Launch(s, LaunchConfig{Name: "short", Elements: 1000, Groups: 3, GroupSize: 256}, func(wg WorkGroup) { ran = true })
	if !errors.Is(err, ErrUnderProvisioned) {
		t.Errorf("Launch()=%v; want %v", err, ErrUnderProvisioned)
	}
	s.Synchronize()
	if ran {
		t.Errorf("under-provisioned kernel ran")
	}
}

func TestStickyFailure(t *testing.T) {
	d := New("test", 2, 1<<20)
	defer d.Close()
	s := d.NewStream(0)
	other := d.NewStream(0)

	err := Launch(s, LaunchConfig{Name: "fault", Elements: 4, Groups: 1, GroupSize: 4}, func(wg WorkGroup) {
		var empty []int16
		_ = empty[wg.End] // out of range
	})
	if err != nil {
		t.Fatal(err)
	}
	ranAfter := false
	s.Callback("after", func() error { ranAfter = true; return nil })
	e, err := s.Record()
	if err != nil {
		t.Fatal(err)
	}
	other.WaitEvent(e)
	ranOther := false
	other.Callback("other", func() error { ranOther = true; return nil })

	if err := s.Synchronize(); !errors.Is(err, ErrKernelFault) {
		t.Errorf("Synchronize()=%v; want %v", err, ErrKernelFault)
	}
	if err := other.Synchronize(); !errors.Is(err, ErrKernelFault) {
		t.Errorf("other.Synchronize()=%v; want propagated %v", err, ErrKernelFault)
	}
	if ranAfter || ranOther {
		t.Errorf("ranAfter=%v ranOther=%v; want no work after failure", ranAfter, ranOther)
	}
	var opErr *OpError
	if err := d.Synchronize(); !errors.As(err, &opErr) {
		t.Errorf("device Synchronize()=%v; want *OpError", err)
	}
}

func TestEventOrdersStreams(t *testing.T) {
	d := New("test", 4, 1<<20)
	defer d.Close()
	producer, consumer := d.NewStream(0), d.NewStream(0)
	var value atomic.Int32
	producer.Callback("slow", func() error {
		time.Sleep(20 * time.Millisecond)
		value.Store(42)
		return nil
	})
	e, err := producer.Record()
	if err != nil {
		t.Fatal(err)
	}
	consumer.WaitEvent(e)
	var seen int32
	consumer.Callback("read", func() error { seen = value.Load(); return nil })
	if err := d.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if seen != 42 {
		t.Errorf("seen=%d; want 42", seen)
	}
	if err := e.Wait(); err != nil {
		t.Errorf("e.Wait()=%v; want nil", err)
	}
}

func TestClosedStream(t *testing.T) {
	d := New("test", 1, 1<<20)
	s := d.NewStream(0)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Callback("late", func() error { return nil }); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Callback after close=%v; want %v", err, ErrStreamClosed)
	}
}

func TestDestroyStream(t *testing.T) {
	d := New("test", 2, 1<<20)
	defer d.Close()
	a, b := d.NewStream(0), d.NewStream(0)
	var ran atomic.Bool
	if err := a.Callback("work", func() error { ran.Store(true); return nil }); err != nil {
		t.Fatal(err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatal(err)
	}
	if !ran.Load() {
		t.Errorf("Destroy() returned before pending work ran")
	}
	if err := a.Callback("late", func() error { return nil }); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Callback after Destroy=%v; want %v", err, ErrStreamClosed)
	}
	if c := d.NewStream(0); c.ID == a.ID || c.ID == b.ID {
		t.Errorf("new stream reuses ID %d", c.ID)
	}
	if err := d.Synchronize(); err != nil {
		t.Errorf("Synchronize()=%v; want nil", err)
	}
}

func TestHostPools(t *testing.T) {
	a := HostAllocInt16(100)
	if len(a) != 100 {
		t.Errorf("len(HostAllocInt16(100))=%d; want 100", len(a))
	}
	HostFreeInt16(a[:10])
	b := HostAllocInt32(7)
	if len(b) != 7 {
		t.Errorf("len(HostAllocInt32(7))=%d; want 7", len(b))
	}
	HostFreeInt32(b)
	ClearHostPools()
}
