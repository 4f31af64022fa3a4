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
	"fmt"
	"sync"
)

// Default number of operations which can be submitted to a stream without blocking
const DefaultQueueDepth = 256

// An operation submitted to a stream
type op struct {
	name   string
	always bool // runs even after an earlier operation of the stream failed
	run    func() error
}

// An ordered sequence of device operations. Operations of one stream execute
// strictly in submission order, operations of different streams run concurrently
// unless ordered through events. Submission does not wait for execution
type Stream struct {
	ID      int
	dev     *Device
	queue   chan op
	pending sync.WaitGroup

	mutex sync.Mutex
	err   error

	// guards submission against close, separate from mutex as the worker never takes it
	sendMutex sync.RWMutex
	closed    bool
}

// Creates a new stream on the device with the given queue depth, 0 for the default
func (d *Device) NewStream(queueDepth int) *Stream {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	d.mutex.Lock()
	s := &Stream{ID: d.created, dev: d, queue: make(chan op, queueDepth)}
	d.created++
	d.streams = append(d.streams, s)
	d.mutex.Unlock()
	go s.loop()
	return s
}

func (s *Stream) loop() {
	for o := range s.queue {
		s.execute(o)
		s.pending.Done()
	}
}

func (s *Stream) execute(o op) {
	if !o.always && s.Err() != nil {
		return // skip work after the first failure
	}
	if err := o.run(); err != nil {
		s.fail(&OpError{Op: o.name, Stream: s.ID, Err: err})
	}
}

// Records the first failure of the stream
func (s *Stream) fail(err error) {
	s.mutex.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mutex.Unlock()
}

// First error of the stream, if any
func (s *Stream) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

func (s *Stream) submit(name string, always bool, run func() error) error {
	s.sendMutex.RLock()
	defer s.sendMutex.RUnlock()
	if s.closed {
		return &OpError{Op: name, Stream: s.ID, Err: ErrStreamClosed}
	}
	s.pending.Add(1)
	s.queue <- op{name: name, always: always, run: run} // blocks while the queue is full
	return nil
}

// Waits until all operations submitted so far have executed. Returns the first failure
func (s *Stream) Synchronize() error {
	s.pending.Wait()
	return s.Err()
}

// Waits for the stream to drain, then releases it. Later submissions fail
func (s *Stream) Destroy() error {
	err := s.Synchronize()
	s.close()
	d := s.dev
	d.mutex.Lock()
	for i, o := range d.streams {
		if o == s {
			d.streams = append(d.streams[:i], d.streams[i+1:]...)
			break
		}
	}
	d.mutex.Unlock()
	return err
}

func (s *Stream) close() {
	s.sendMutex.Lock()
	defer s.sendMutex.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

// Marks a point in a stream. Completes once all prior operations of the stream have executed
type Event struct {
	stream int
	done   chan struct{}
	err    error
}

// Completes the event with the state of the recording stream
func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Waits for the event on the host side, and returns the error of the recording stream
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Submits an event record to the stream. The event also completes if the stream has failed
func (s *Stream) Record() (*Event, error) {
	e := &Event{stream: s.ID, done: make(chan struct{})}
	err := s.submit("record", true, func() error {
		e.complete(s.Err())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Makes all later operations of the stream wait for the event. A failure
// of the recording stream propagates to this stream
func (s *Stream) WaitEvent(e *Event) error {
	return s.submit("waitEvent", false, func() error {
		<-e.done
		if e.err != nil {
			return fmt.Errorf("event of stream %d: %w", e.stream, e.err)
		}
		return nil
	})
}

// Submits a host function to the stream, to run after all prior operations
func (s *Stream) Callback(name string, f func() error) error {
	return s.submit(name, false, f)
}

// Submits a copy of host memory into a device buffer at the given element offset
func CopyToDevice[T Element](s *Stream, dst *Buffer[T], offset int, src []T) error {
	if offset < 0 || offset+len(src) > dst.Len() {
		return &OpError{Op: "copyToDevice", Stream: s.ID, Err: fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, offset, offset+len(src), dst.Len())}
	}
	return s.submit("copyToDevice", false, func() error {
		if dst.freed.Load() {
			return ErrFreed
		}
		copy(dst.data[offset:offset+len(src)], src)
		return nil
	})
}

// Submits a copy from a device buffer at the given element offset into host memory
func CopyToHost[T Element](s *Stream, dst []T, src *Buffer[T], offset int) error {
	if offset < 0 || offset+len(dst) > src.Len() {
		return &OpError{Op: "copyToHost", Stream: s.ID, Err: fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, offset, offset+len(dst), src.Len())}
	}
	return s.submit("copyToHost", false, func() error {
		if src.freed.Load() {
			return ErrFreed
		}
		copy(dst, src.data[offset:offset+len(dst)])
		return nil
	})
}

// Submits filling n elements of a device buffer from the given offset with a value
func Memset[T Element](s *Stream, b *Buffer[T], offset, n int, v T) error {
	if offset < 0 || n < 0 || offset+n > b.Len() {
		return &OpError{Op: "memset", Stream: s.ID, Err: fmt.Errorf("%w: [%d,%d) of %d", ErrOutOfRange, offset, offset+n, b.Len())}
	}
	return s.submit("memset", false, func() error {
		if b.freed.Load() {
			return ErrFreed
		}
		data := b.data[offset : offset+n]
		for i := range data {
			data[i] = v
		}
		return nil
	})
}
