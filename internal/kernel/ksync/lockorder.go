package ksync

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

// Level identifies a rung in the lock-order ladder from spec.md §4.6/§5:
// per-core, address-space, scheduler ready queue, task table, FD table,
// object-level locks, acquired only left-to-right.
type Level int

const (
	LevelPerCore Level = iota
	LevelAddressSpace
	LevelSchedulerQueue
	LevelTaskTable
	LevelFDTable
	LevelObject
)

func (l Level) String() string {
	switch l {
	case LevelPerCore:
		return "per-core"
	case LevelAddressSpace:
		return "address-space"
	case LevelSchedulerQueue:
		return "scheduler-queue"
	case LevelTaskTable:
		return "task-table"
	case LevelFDTable:
		return "fd-table"
	case LevelObject:
		return "object"
	default:
		return "unknown"
	}
}

var (
	orderMu sync.Mutex
	held    = map[int64][]Level{}
)

// goroutineID recovers the calling goroutine's id from its stack trace. This
// stands in for "the calling kernel thread" (there is one goroutine per
// thread in this hosted build, see DESIGN.md) and is used only by the debug
// lock-order checker below — never on a path that matters for correctness.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}

// EnterLevel records that the calling goroutine is about to hold a lock at
// the given level, panicking if it already holds a lock at the same or a
// higher level — spec.md §8's "Lock order (debug)" testable property.
func EnterLevel(level Level) {
	id := goroutineID()
	orderMu.Lock()
	defer orderMu.Unlock()
	stack := held[id]
	if len(stack) > 0 && stack[len(stack)-1] >= level {
		panic(fmt.Sprintf("ksync: lock order violation: acquiring %s while holding %s", level, stack[len(stack)-1]))
	}
	held[id] = append(stack, level)
}

// ExitLevel records release of a lock entered via EnterLevel. Must be
// called in LIFO order with EnterLevel; a mismatch is itself a bug.
func ExitLevel(level Level) {
	id := goroutineID()
	orderMu.Lock()
	defer orderMu.Unlock()
	stack := held[id]
	if len(stack) == 0 || stack[len(stack)-1] != level {
		panic("ksync: lock order release mismatch")
	}
	held[id] = stack[:len(stack)-1]
}
