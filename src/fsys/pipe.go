package fsys

import (
	"sync"

	"rvkernel/src/defs"
	"rvkernel/src/fd"
)

// pipeEnd is one side of an in-memory pipe (spec.md §6 pipe). Both ends
// share a pipe, which owns the single buffer and condition variable;
// closing the read or write end independently is tracked so a reader
// sees EOF once the writer is gone, matching a real pipe's contract.
type pipeEnd struct {
	p         *pipe
	isWriter  bool
	closeOnce sync.Once
}

type pipe struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []byte
	readersOpen int
	writersOpen int
}

func newPipe() (*pipeEnd, *pipeEnd) {
	p := &pipe{readersOpen: 1, writersOpen: 1}
	p.cond = sync.NewCond(&p.mu)
	return &pipeEnd{p: p, isWriter: false}, &pipeEnd{p: p, isWriter: true}
}

func (e *pipeEnd) Dup() fd.File {
	e.p.mu.Lock()
	if e.isWriter {
		e.p.writersOpen++
	} else {
		e.p.readersOpen++
	}
	e.p.mu.Unlock()
	return &pipeEnd{p: e.p, isWriter: e.isWriter}
}

func (e *pipeEnd) Close() defs.Err_t {
	e.closeOnce.Do(func() {
		e.p.mu.Lock()
		if e.isWriter {
			e.p.writersOpen--
		} else {
			e.p.readersOpen--
		}
		e.p.cond.Broadcast()
		e.p.mu.Unlock()
	})
	return 0
}

func (e *pipeEnd) Read(dst []byte) (int, defs.Err_t) {
	if e.isWriter {
		return 0, -defs.EINVAL
	}
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 && p.writersOpen > 0 {
		p.cond.Wait()
	}
	if len(p.buf) == 0 {
		return 0, 0 // EOF: no data, no writers left
	}
	n := copy(dst, p.buf)
	p.buf = p.buf[n:]
	return n, 0
}

func (e *pipeEnd) Write(src []byte) (int, defs.Err_t) {
	if !e.isWriter {
		return 0, -defs.EINVAL
	}
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readersOpen == 0 {
		return 0, -defs.EPIPE
	}
	p.buf = append(p.buf, src...)
	p.cond.Broadcast()
	return len(src), 0
}

func (e *pipeEnd) Stat(st *fd.Stat) defs.Err_t {
	*st = fd.Stat{}
	return 0
}

// Pipe installs a fresh read/write fd pair (spec.md §6 pipe: "returns
// read, then write fd").
func (s *Syscalls) Pipe() (int, int, defs.Err_t) {
	r, w := newPipe()
	rfd, err := s.P.Fds.Alloc(r)
	if err != 0 {
		return -1, -1, err
	}
	wfd, err := s.P.Fds.Alloc(w)
	if err != 0 {
		s.P.Fds.Close(rfd)
		return -1, -1, err
	}
	return rfd, wfd, 0
}
