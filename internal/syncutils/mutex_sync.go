//go:build !deadlock

// Package syncutils provides the mutex types used by the in-process lock
// and the memory store.  Building with `-tags deadlock` swaps them for
// go-deadlock's detecting implementations.
package syncutils

import "sync"

type Mutex struct {
	sync.Mutex
}

type RWMutex struct {
	sync.RWMutex
}
