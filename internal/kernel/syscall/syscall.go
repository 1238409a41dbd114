// Package syscall implements the EL0/EL1 trap-boundary ABI of spec.md §6:
// the 17-entry syscall table, register-convention argument extraction, user
// pointer validation, and the channel wire format. It is the one place that
// translates internal errors (aspace, pte, proc) into the negative return
// codes and signals spec.md §7 describes.
//
// Grounded on the teacher's internal/hv/kvm exit-reason switch (kvm_arm64.go)
// for the "one big dispatch table keyed by a small integer, args pulled out
// of a fixed register set" shape, here wired into internal/kernel/trap's
// vector table instead of a hypervisor's vmexit loop.
package syscall

import (
	"encoding/binary"
	"errors"

	"github.com/tinyrange/pikernel/internal/kernel/aspace"
	"github.com/tinyrange/pikernel/internal/kernel/proc"
	"github.com/tinyrange/pikernel/internal/kernel/pte"
	"github.com/tinyrange/pikernel/internal/kernel/thread"
	"github.com/tinyrange/pikernel/internal/kernel/trap"
)

// Syscall numbers, exactly as spec.md §6 lists them — non-contiguous and
// not zero-based, unlike kconfig.MaxSyscalls's internal array indexing.
const (
	SHUTDOWN  = 1
	YIELD     = 3
	SPAWN     = 5
	EXIT      = 6
	CHANNEL   = 7
	SEND      = 8
	RECV      = 9
	PREAD     = 10
	PWRITE    = 11
	CLOSE     = 12
	DUP3      = 13
	PIPE      = 14
	OPENAT    = 15
	EXECVE_FD = 16
	WAIT      = 17
	MMAP      = 18
	MUNMAP    = 19
)

// Negative return codes (spec.md §7's error kinds, given stable numbering
// here since the spec only names the categories, not the literal values).
const (
	errBadPointer      int64 = -1
	errUnknownFD       int64 = -2
	errOutOfFDs        int64 = -3
	errQueueFull       int64 = -4
	errOOM             int64 = -5
	errCollision       int64 = -6
	errNotFound        int64 = -7
	errNotReady        int64 = -8
	errMisaligned      int64 = -9
	errUnsupportedSize int64 = -10
	errInvalid         int64 = -11
)

// NoObject is the channel wire format's "no object" sentinel (spec.md §6).
const NoObject uint32 = 0xFFFFFFFF

// noFD marks an MMAP call with no backing file descriptor.
const noFD uint32 = 0xFFFFFFFF

const defaultUserStackSize = 64 * 1024

// Env supplies the collaborators this package cannot construct itself,
// because they live outside the core's scope per spec.md §1's explicit
// non-goals (ELF parsing, power management).
type Env struct {
	// Shutdown powers the board off; SHUTDOWN never returns if this is set.
	// Left nil in tests, where it panics instead (there is nothing to power
	// off in a hosted build).
	Shutdown func()

	// ELFLoader parses an already-open FD's contents into a Program for
	// EXECVE_FD. ELF parsing itself is an external collaborator (spec.md
	// §1); this hook is where that collaborator plugs in.
	ELFLoader func(fd proc.FD) (proc.Program, error)

	// EnterUser is called once for a freshly spawned user thread with its
	// Context and UserRegs already populated at pc/sp/x0. There is no
	// portable way to actually execute EL0 instructions in a hosted Go
	// build, so by default a spawned thread exits immediately after this
	// hook returns (or is called at all, if nil); tests supply a stand-in
	// that exercises whatever user-mode behavior they want to observe.
	EnterUser func(t *thread.Thread)
}

// Install registers every syscall number against tbl, wiring env into each
// handler's closure.
func Install(tbl *trap.Table, env *Env) {
	tbl.RegisterSyscall(SHUTDOWN, handleShutdown(env))
	tbl.RegisterSyscall(YIELD, handleYield)
	tbl.RegisterSyscall(SPAWN, handleSpawn(env))
	tbl.RegisterSyscall(EXIT, handleExit)
	tbl.RegisterSyscall(CHANNEL, handleChannel)
	tbl.RegisterSyscall(SEND, handleSend)
	tbl.RegisterSyscall(RECV, handleRecv)
	tbl.RegisterSyscall(PREAD, handlePread)
	tbl.RegisterSyscall(PWRITE, handlePwrite)
	tbl.RegisterSyscall(CLOSE, handleClose)
	tbl.RegisterSyscall(DUP3, handleDup3)
	tbl.RegisterSyscall(PIPE, handlePipe)
	tbl.RegisterSyscall(OPENAT, handleOpenat)
	tbl.RegisterSyscall(EXECVE_FD, handleExecveFD(env))
	tbl.RegisterSyscall(WAIT, handleWait)
	tbl.RegisterSyscall(MMAP, handleMmap)
	tbl.RegisterSyscall(MUNMAP, handleMunmap)
}

// current resolves the calling thread and its owning process from nothing
// but the trapped Context, via the per-core slot thread.Enter populates
// (spec.md §4.5/§4.10).
func current() (*thread.Thread, *proc.Process) {
	t := thread.Current()
	if t == nil {
		panic("syscall: dispatched with no current thread")
	}
	p, ok := t.Process.(*proc.Process)
	if !ok || p == nil {
		panic("syscall: current thread has no owning process")
	}
	return t, p
}

func ret(ctx *thread.Context, v int64) *thread.Context {
	ctx.Regs[0] = uint64(v)
	return ctx
}

func errno(err error) int64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, aspace.ErrOOM), errors.Is(err, aspace.ErrNoSpace), errors.Is(err, pte.ErrOutOfMemory):
		return errOOM
	case errors.Is(err, aspace.ErrCollision), errors.Is(err, pte.ErrCollision):
		return errCollision
	case errors.Is(err, aspace.ErrNotFound):
		return errNotFound
	case errors.Is(err, pte.ErrMisalignedAddress):
		return errMisaligned
	case errors.Is(err, pte.ErrUnsupportedSize):
		return errUnsupportedSize
	case errors.Is(err, proc.ErrChannelFull):
		return errQueueFull
	case errors.Is(err, proc.ErrChannelClosed), errors.Is(err, proc.ErrChannelEmpty):
		return errNotReady
	case errors.Is(err, proc.ErrPipeClosed):
		return errNotReady
	case errors.Is(err, proc.ErrOutOfFDs):
		return errOutOfFDs
	default:
		return errInvalid
	}
}

// readUser validates and copies length bytes from the current process's
// user memory. A zero length always succeeds with a nil slice.
func readUser(p *proc.Process, va, length uint64) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	if !p.AS.CheckRange(va, length, false) {
		return nil, false
	}
	buf := make([]byte, length)
	if err := p.ReadUser(va, buf); err != nil {
		return nil, false
	}
	return buf, true
}

// writeUser validates and copies data into the current process's user
// memory.
func writeUser(p *proc.Process, va uint64, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	if !p.AS.CheckRange(va, uint64(len(data)), true) {
		return false
	}
	return p.WriteUser(va, data) == nil
}

func writeUserU64(p *proc.Process, va, v uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return writeUser(p, va, buf[:])
}

// ---- SHUTDOWN ----

func handleShutdown(env *Env) trap.SyscallHandler {
	return func(ctx *thread.Context) *thread.Context {
		if env.Shutdown == nil {
			panic("syscall: SHUTDOWN with no power-management collaborator wired")
		}
		env.Shutdown()
		panic("syscall: SHUTDOWN returned")
	}
}

// ---- YIELD ----

func handleYield(ctx *thread.Context) *thread.Context {
	t, _ := current()
	thread.Yield(t)
	return ret(ctx, 0)
}

// ---- SPAWN(pc, sp, x0, flags) ----

func handleSpawn(env *Env) trap.SyscallHandler {
	return func(ctx *thread.Context) *thread.Context {
		pc, sp, x0, flags := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3]
		_, p := current()

		sameProcess := flags&1 != 0
		target := p
		var exitFD *proc.ExitStatusFD
		if !sameProcess {
			child, err := p.Fork()
			if err != nil {
				return ret(ctx, errno(err))
			}
			exitFD = proc.NewExitStatusFD()
			child.ExitFD = exitFD
			target = child
		}

		nt := thread.New(target, func(nt *thread.Thread) {
			nt.Ctx.PC, nt.Ctx.SP, nt.Ctx.Regs[0] = pc, sp, x0
			nt.User = &thread.UserRegs{UserSP: sp, TTBR0: target.AS.GetTTBR0(), EnteredUser: true}
			if env != nil && env.EnterUser != nil {
				env.EnterUser(nt)
			}
			thread.Deschedule(nt, thread.ActionExit)
		})
		target.AddThread(nt)
		thread.Unpark(nt) // moves it Ready and onto sched's queue for its first Enter

		if sameProcess {
			return ret(ctx, int64(nt.ID))
		}
		idx, err := p.FDs.Insert(exitFD)
		if err != nil {
			return ret(ctx, errno(err))
		}
		return ret(ctx, int64(idx))
	}
}

// ---- EXIT(status) ----

func handleExit(ctx *thread.Context) *thread.Context {
	status := int64(ctx.Regs[0])
	t, p := current()

	p.RemoveThread(t)
	if p.ThreadCount() == 0 {
		p.CloseAllFDs()
		if p.ExitFD != nil {
			p.ExitFD.Deliver(int(status))
		}
	}
	thread.Deschedule(t, thread.ActionExit)
	panic("unreachable: Deschedule(ActionExit) never returns")
}

// ---- CHANNEL(out_fd2_ptr) ----

func handleChannel(ctx *thread.Context) *thread.Context {
	outPtr := ctx.Regs[0]
	_, p := current()

	a, b := proc.NewChannelPair()
	idxA, err := p.FDs.Insert(a)
	if err != nil {
		return ret(ctx, errno(err))
	}
	idxB, err := p.FDs.Insert(b)
	if err != nil {
		p.FDs.Close(idxA)
		return ret(ctx, errno(err))
	}
	if outPtr != 0 && !writeUserU64(p, outPtr, uint64(idxB)) {
		p.FDs.Close(idxA)
		p.FDs.Close(idxB)
		return ret(ctx, errBadPointer)
	}
	return ret(ctx, int64(idxA))
}

const messageHeaderSize = 8 + 4*4 // tag + 4 object slots

func decodeHeader(buf []byte) proc.Message {
	var msg proc.Message
	msg.Tag = binary.LittleEndian.Uint64(buf[0:8])
	for i := 0; i < 4; i++ {
		msg.Objects[i] = binary.LittleEndian.Uint32(buf[8+4*i:])
	}
	return msg
}

func encodeHeader(msg proc.Message) []byte {
	buf := make([]byte, messageHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], msg.Tag)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(buf[8+4*i:], msg.Objects[i])
	}
	return buf
}

// ---- SEND(fd, msg, buf, len, flags) ----

func handleSend(ctx *thread.Context) *thread.Context {
	fd, msgPtr, bufPtr, length := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3]
	_, p := current()

	h, ok := p.FDs.Get(int(fd))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	ep, ok := h.FD.(*proc.ChannelEndpoint)
	if !ok {
		return ret(ctx, errInvalid)
	}

	header, ok := readUser(p, msgPtr, messageHeaderSize)
	if !ok {
		return ret(ctx, errBadPointer)
	}
	msg := decodeHeader(header)

	payload, ok := readUser(p, bufPtr, length)
	if !ok {
		return ret(ctx, errBadPointer)
	}
	msg.Payload = payload

	var handles [4]*proc.Handle
	for i, obj := range msg.Objects {
		if obj == NoObject {
			continue
		}
		oh, ok := p.FDs.Take(int(obj))
		if !ok {
			return ret(ctx, errUnknownFD)
		}
		handles[i] = oh
	}
	msg.Handles = handles

	if err := ep.Send(msg); err != nil {
		return ret(ctx, errno(err))
	}
	return ret(ctx, int64(len(payload)))
}

// ---- RECV(fd, msg_out, buf_out, cap, flags) ----

func handleRecv(ctx *thread.Context) *thread.Context {
	fd, msgOutPtr, bufOutPtr, capacity, flags := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3], ctx.Regs[4]
	_, p := current()

	h, ok := p.FDs.Get(int(fd))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	ep, ok := h.FD.(*proc.ChannelEndpoint)
	if !ok {
		return ret(ctx, errInvalid)
	}

	msg, err := ep.Recv(flags&1 == 0)
	if err != nil {
		return ret(ctx, errno(err))
	}
	if uint64(len(msg.Payload)) > capacity {
		return ret(ctx, errInvalid)
	}

	for i, oh := range msg.Handles {
		if oh == nil {
			msg.Objects[i] = NoObject
			continue
		}
		idx, err := p.FDs.InsertHandle(oh)
		if err != nil {
			return ret(ctx, errno(err))
		}
		msg.Objects[i] = uint32(idx)
	}

	if !writeUser(p, msgOutPtr, encodeHeader(msg)) {
		return ret(ctx, errBadPointer)
	}
	if !writeUser(p, bufOutPtr, msg.Payload) {
		return ret(ctx, errBadPointer)
	}
	return ret(ctx, int64(len(msg.Payload)))
}

// ---- PREAD(fd, buf, len, offset) ----

func handlePread(ctx *thread.Context) *thread.Context {
	fd, bufPtr, length, offset := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3]
	_, p := current()

	h, ok := p.FDs.Get(int(fd))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	if !p.AS.CheckRange(bufPtr, length, true) {
		return ret(ctx, errBadPointer)
	}
	staging := make([]byte, length)
	n, err := h.FD.Read(int64(offset), staging)
	if err != nil {
		return ret(ctx, errInvalid)
	}
	if !writeUser(p, bufPtr, staging[:n]) {
		return ret(ctx, errBadPointer)
	}
	return ret(ctx, n)
}

// ---- PWRITE(fd, buf, len, offset) ----

func handlePwrite(ctx *thread.Context) *thread.Context {
	fd, bufPtr, length, offset := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3]
	_, p := current()

	h, ok := p.FDs.Get(int(fd))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	data, ok := readUser(p, bufPtr, length)
	if !ok {
		return ret(ctx, errBadPointer)
	}
	n, err := h.FD.Write(int64(offset), data)
	if err != nil {
		return ret(ctx, errInvalid)
	}
	return ret(ctx, n)
}

// ---- CLOSE(fd) ----

func handleClose(ctx *thread.Context) *thread.Context {
	fd := ctx.Regs[0]
	_, p := current()
	if _, ok := p.FDs.Close(int(fd)); !ok {
		return ret(ctx, errUnknownFD)
	}
	return ret(ctx, 0)
}

// ---- DUP3(old, new, flags) ----

func handleDup3(ctx *thread.Context) *thread.Context {
	oldFD, newFD := ctx.Regs[0], ctx.Regs[1]
	_, p := current()
	if err := p.FDs.Dup3(int(oldFD), int(newFD)); err != nil {
		return ret(ctx, errUnknownFD)
	}
	return ret(ctx, int64(newFD))
}

// ---- PIPE(flags) ----

func handlePipe(ctx *thread.Context) *thread.Context {
	_, p := current()
	r, w := proc.NewPipe()
	idxR, err := p.FDs.Insert(r)
	if err != nil {
		return ret(ctx, errno(err))
	}
	idxW, err := p.FDs.Insert(w)
	if err != nil {
		p.FDs.Close(idxR)
		return ret(ctx, errno(err))
	}
	// Pack both indices into the return register: low 32 bits the read end,
	// high 32 bits the write end (there is no second output register in
	// spec.md's ABI to carry a pair of values).
	return ret(ctx, int64(uint64(idxR)|uint64(idxW)<<32))
}

// ---- OPENAT(dir_fd, path_len, path_ptr, flags, mode) ----

func handleOpenat(ctx *thread.Context) *thread.Context {
	dirFD, pathLen, pathPtr := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2]
	_, p := current()

	h, ok := p.FDs.Get(int(dirFD))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	opener, ok := h.FD.(proc.Openable)
	if !ok {
		return ret(ctx, errInvalid)
	}
	nameBytes, ok := readUser(p, pathPtr, pathLen)
	if !ok {
		return ret(ctx, errBadPointer)
	}
	fd, err := opener.Open(string(nameBytes))
	if err != nil {
		return ret(ctx, errNotFound)
	}
	idx, err := p.FDs.Insert(fd)
	if err != nil {
		return ret(ctx, errno(err))
	}
	return ret(ctx, int64(idx))
}

// ---- EXECVE_FD(fd, flags, argc, argv, envc, envp) ----

func handleExecveFD(env *Env) trap.SyscallHandler {
	return func(ctx *thread.Context) *thread.Context {
		fd := ctx.Regs[0]
		// argv/envp (Regs[3], Regs[5]) are accepted per the ABI but not
		// threaded onto the new stack: there is no crt0 in this hosted build
		// to consume them, the same simplification Exec's own doc comment
		// makes for ELF loading.
		_, p := current()

		h, ok := p.FDs.Get(int(fd))
		if !ok {
			return ret(ctx, errUnknownFD)
		}
		if env == nil || env.ELFLoader == nil {
			return ret(ctx, errInvalid)
		}
		prog, err := env.ELFLoader(h.FD)
		if err != nil {
			return ret(ctx, errInvalid)
		}
		if err := p.Exec(prog, ctx, defaultUserStackSize); err != nil {
			return ret(ctx, errno(err))
		}
		return ctx
	}
}

// ---- WAIT(fd) ----

func handleWait(ctx *thread.Context) *thread.Context {
	fd := ctx.Regs[0]
	_, p := current()

	h, ok := p.FDs.Get(int(fd))
	if !ok {
		return ret(ctx, errUnknownFD)
	}
	exitFD, ok := h.FD.(*proc.ExitStatusFD)
	if !ok {
		return ret(ctx, errInvalid)
	}
	return ret(ctx, int64(exitFD.Wait()))
}

// ---- MMAP(hint, len, prot, populate, fd, offset) ----

const (
	protRead = 1 << iota
	protWrite
	protExec
)

func handleMmap(ctx *thread.Context) *thread.Context {
	hint, length, prot, populate, fd, offset := ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3], ctx.Regs[4], ctx.Regs[5]
	_, p := current()

	perms := aspace.Perms{
		Read:     prot&protRead != 0,
		WriteEL0: prot&protWrite != 0,
		ExecEL0:  prot&protExec != 0,
	}

	var hintPtr *uint64
	if hint != 0 {
		hintPtr = &hint
	}

	kind := aspace.Anonymous
	var backing aspace.FileBacking
	if uint32(fd) != noFD {
		h, ok := p.FDs.Get(int(fd))
		if !ok {
			return ret(ctx, errUnknownFD)
		}
		kind = aspace.FileBacked
		backing = h
	}

	va, err := p.AS.Mmap(hintPtr, length, kind, perms, populate != 0, backing, offset)
	if err != nil {
		return ret(ctx, errno(err))
	}
	return ret(ctx, int64(va))
}

// ---- MUNMAP(addr, len) ----

func handleMunmap(ctx *thread.Context) *thread.Context {
	addr := ctx.Regs[0]
	_, p := current()
	if err := p.AS.Munmap(addr); err != nil {
		return ret(ctx, errno(err))
	}
	return ret(ctx, 0)
}
