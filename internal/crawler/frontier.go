package crawler

import "errors"

// ErrFrontierFull is returned by Push when a bounded frontier is at capacity.
var ErrFrontierFull = errors.New("frontier is full")

// Frontier is the FIFO worklist of directory paths pending a visit.
type Frontier struct {
	items    []string
	head     int
	capacity int
}

// NewFrontier returns an empty frontier. capacity <= 0 means unbounded.
func NewFrontier(capacity int) *Frontier {
	return &Frontier{capacity: capacity}
}

// Push appends path to the back.
func (f *Frontier) Push(path string) error {
	if f.capacity > 0 && f.Len() >= f.capacity {
		return ErrFrontierFull
	}
	f.items = append(f.items, path)
	return nil
}

// Front returns the next path without removing it.
func (f *Frontier) Front() (string, bool) {
	if f.Len() == 0 {
		return "", false
	}
	return f.items[f.head], true
}

// PopFront removes and returns the next path.
func (f *Frontier) PopFront() (string, bool) {
	if f.Len() == 0 {
		return "", false
	}
	path := f.items[f.head]
	f.items[f.head] = ""
	f.head++
	if f.head > 64 && f.head*2 >= len(f.items) {
		f.items = append([]string(nil), f.items[f.head:]...)
		f.head = 0
	}
	return path, true
}

// Len reports the number of pending paths.
func (f *Frontier) Len() int {
	return len(f.items) - f.head
}
