package fsys

import (
	"testing"

	"rvkernel/src/defs"
	"rvkernel/src/fd"
	"rvkernel/src/limits"
	"rvkernel/src/mem"
	"rvkernel/src/proc"
)

type fakeInode struct {
	data     []byte
	dir      bool
	nlink    int
	children map[string]*fakeInode
}

func newFakeDir() *fakeInode {
	return &fakeInode{dir: true, nlink: 2, children: make(map[string]*fakeInode)}
}

func (n *fakeInode) ReadAt(buf []byte, off int64) (int, defs.Err_t) {
	if off >= int64(len(n.data)) {
		return 0, 0
	}
	c := copy(buf, n.data[off:])
	return c, 0
}

func (n *fakeInode) WriteAt(buf []byte, off int64) (int, defs.Err_t) {
	need := int(off) + len(buf)
	if need > len(n.data) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:], buf)
	return len(buf), 0
}

func (n *fakeInode) Lookup(name string) (proc.Inode, defs.Err_t) {
	if n.children == nil {
		return nil, -defs.ENOENT
	}
	child, ok := n.children[name]
	if !ok {
		return nil, -defs.ENOENT
	}
	return child, 0
}

func (n *fakeInode) Create(name string, dir bool) (proc.Inode, defs.Err_t) {
	if n.children == nil {
		n.children = make(map[string]*fakeInode)
	}
	if _, exists := n.children[name]; exists {
		return nil, -defs.EEXIST
	}
	child := &fakeInode{dir: dir, nlink: 1}
	if dir {
		child.nlink = 2
		child.children = make(map[string]*fakeInode)
	}
	n.children[name] = child
	return child, 0
}

func (n *fakeInode) Link(name string, target proc.Inode) defs.Err_t {
	t := target.(*fakeInode)
	if n.children == nil {
		n.children = make(map[string]*fakeInode)
	}
	if _, exists := n.children[name]; exists {
		return -defs.EEXIST
	}
	n.children[name] = t
	t.nlink++
	return 0
}

func (n *fakeInode) Unlink(name string) defs.Err_t {
	child, ok := n.children[name]
	if !ok {
		return -defs.ENOENT
	}
	child.nlink--
	delete(n.children, name)
	return 0
}

func (n *fakeInode) Truncate() defs.Err_t {
	n.data = nil
	return 0
}

func (n *fakeInode) IsDir() bool  { return n.dir }
func (n *fakeInode) Nlink() int   { return n.nlink }
func (n *fakeInode) Stat(st *fd.Stat) defs.Err_t {
	st.Size = uint64(len(n.data))
	st.Nlink = int16(n.nlink)
	return 0
}

type noopLog struct{}

func (noopLog) BeginOp() {}
func (noopLog) EndOp()   {}

type fakeExecer struct{ called bool }

func (e *fakeExecer) Exec(p *proc.Process, alloc *mem.Allocator, path string, argv []string) (int, defs.Err_t) {
	e.called = true
	return len(argv), 0
}

func newSyscalls(t *testing.T) (*Syscalls, *mem.Allocator) {
	t.Helper()
	alloc := mem.NewAllocator(128)
	p, ok := proc.New(alloc)
	if !ok {
		t.Fatal("proc.New failed")
	}
	p.Cwd = newFakeDir()
	return &Syscalls{P: p, Alloc: alloc, Log: noopLog{}, Exec_: &fakeExecer{}}, alloc
}

func TestOpenCreateReadWrite(t *testing.T) {
	s, _ := newSyscalls(t)

	fdNum, err := s.Open("greeting", defs.O_CREATE|defs.O_RDWR)
	if err != 0 {
		t.Fatalf("open/create failed: %d", err)
	}

	n, err := s.Write(fdNum, []byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("write = (%d,%d), want (5,0)", n, err)
	}

	var st fd.Stat
	if err := s.Fstat(fdNum, &st); err != 0 || st.Size != 5 {
		t.Fatalf("fstat = (%+v,%d)", st, err)
	}
}

func TestOpenMissingWithoutCreateFails(t *testing.T) {
	s, _ := newSyscalls(t)
	if _, err := s.Open("nope", defs.O_RDONLY); err == 0 {
		t.Fatal("open of a missing file without O_CREATE should fail")
	}
}

// TestLinkUnlinkRoundTrip covers spec.md §8: link(old,new); unlink(new)
// returns the file system to its prior state (nlink unchanged).
func TestLinkUnlinkRoundTrip(t *testing.T) {
	s, _ := newSyscalls(t)
	if _, err := s.Open("original", defs.O_CREATE|defs.O_RDWR); err != 0 {
		t.Fatalf("create failed: %d", err)
	}
	target, _ := s.P.Cwd.Lookup("original")
	nlinkBefore := target.Nlink()

	if err := s.Link("original", "alias"); err != 0 {
		t.Fatalf("link failed: %d", err)
	}
	if err := s.Unlink("alias"); err != 0 {
		t.Fatalf("unlink failed: %d", err)
	}

	after, _ := s.P.Cwd.Lookup("original")
	if after.Nlink() != nlinkBefore {
		t.Fatalf("nlink after link+unlink = %d, want %d", after.Nlink(), nlinkBefore)
	}
	if _, err := s.P.Cwd.Lookup("alias"); err == 0 {
		t.Fatal("alias should no longer exist after unlink")
	}
}

func TestLinkRefusesDirectory(t *testing.T) {
	s, _ := newSyscalls(t)
	if err := s.Mkdir("adir"); err != 0 {
		t.Fatalf("mkdir failed: %d", err)
	}
	if err := s.Link("adir", "alias"); err == 0 {
		t.Fatal("link of a directory should be refused")
	}
}

func TestUnlinkRefusesDotAndDotDot(t *testing.T) {
	s, _ := newSyscalls(t)
	if err := s.Unlink("."); err == 0 {
		t.Fatal("unlink(\".\") should be refused")
	}
	if err := s.Unlink(".."); err == 0 {
		t.Fatal("unlink(\"..\") should be refused")
	}
}

func TestChdirRequiresDirectory(t *testing.T) {
	s, _ := newSyscalls(t)
	s.Open("afile", defs.O_CREATE|defs.O_RDWR)
	if err := s.Chdir("afile"); err == 0 {
		t.Fatal("chdir onto a regular file should fail with ENOTDIR")
	}
	if err := s.Mkdir("adir"); err != 0 {
		t.Fatalf("mkdir failed: %d", err)
	}
	if err := s.Chdir("adir"); err != 0 {
		t.Fatalf("chdir onto a directory should succeed: %d", err)
	}
}

func TestDupSharesOffset(t *testing.T) {
	s, _ := newSyscalls(t)
	fdNum, _ := s.Open("f", defs.O_CREATE|defs.O_RDWR)
	s.Write(fdNum, []byte("0123456789"))

	dupFd, err := s.Dup(fdNum)
	if err != 0 {
		t.Fatalf("dup failed: %d", err)
	}
	// The dup shares the same open-file description and offset: a write
	// through the original fd, then a read through the dup, continues
	// from where the write left off rather than from the start.
	buf := make([]byte, 4)
	n, err := s.Read(dupFd, buf)
	if err != 0 {
		t.Fatalf("read failed: %d", err)
	}
	if n != 0 {
		t.Fatalf("expected EOF-at-offset-10 (n=0), got n=%d data=%q", n, buf[:n])
	}
}

func TestExecArgumentChecking(t *testing.T) {
	s, _ := newSyscalls(t)

	tooMany := make([]string, limits.MAXARG+1)
	if _, err := s.Exec("prog", tooMany); err == 0 {
		t.Fatal("exec with more than MAXARG arguments should fail")
	}

	tooLong := []string{string(make([]byte, mem.PGSIZE))}
	if _, err := s.Exec("prog", tooLong); err == 0 {
		t.Fatal("exec with an over-long argument should fail")
	}

	argc, err := s.Exec("prog", []string{"a", "b"})
	if err != 0 || argc != 2 {
		t.Fatalf("exec = (%d,%d), want (2,0)", argc, err)
	}
}

func TestPipeReadWrite(t *testing.T) {
	s, _ := newSyscalls(t)
	rfd, wfd, err := s.Pipe()
	if err != 0 {
		t.Fatalf("pipe failed: %d", err)
	}
	if rfd == wfd {
		t.Fatal("pipe should return distinct read and write fds")
	}

	if _, err := s.Write(wfd, []byte("ping")); err != 0 {
		t.Fatalf("write failed: %d", err)
	}
	if err := s.Close(wfd); err != 0 {
		t.Fatalf("close failed: %d", err)
	}

	buf := make([]byte, 16)
	n, err := s.Read(rfd, buf)
	if err != 0 || string(buf[:n]) != "ping" {
		t.Fatalf("read = (%q,%d), want (\"ping\",0)", buf[:n], err)
	}
}
