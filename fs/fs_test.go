package fs

import (
	"path/filepath"
	"testing"

	"nanokern/defs"
	"nanokern/mem"
	"nanokern/vm"
)

// mountTestFs formats a small throwaway image in t.TempDir and mounts it,
// sizing physical memory generously since the block cache and inode cache
// both allocate pages through mem.Physmem.
func mountTestFs(t *testing.T) *Fs_t {
	t.Helper()
	mem.Phys_init(4096)

	img := filepath.Join(t.TempDir(), "disk.img")
	if err := Mkfs(img, DefaultMkfsConfig()); err != nil {
		t.Fatalf("mkfs: %v", err)
	}
	d, err := OpenFileDisk(img)
	if err != nil {
		t.Fatalf("open disk: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return MkFs(d)
}

func fakebuf(b []uint8) *vm.Fakeubuf_t {
	var fb vm.Fakeubuf_t
	fb.Fake_init(b)
	return &fb
}

func writeFile(t *testing.T, f *Fs_t, path string, data []byte) {
	t.Helper()
	ip, err := f.Open(path, nil, defs.O_CREAT|defs.O_RDWR)
	if err != 0 {
		t.Fatalf("open %s for create: %v", path, err)
	}
	ip.Iunlock()
	file := f.MkFile(ip, false)
	n, werr := file.Write(fakebuf(data))
	if werr != 0 || n != len(data) {
		t.Fatalf("write %s: n=%d err=%v", path, n, werr)
	}
	if cerr := file.Close(); cerr != 0 {
		t.Fatalf("close %s: %v", path, cerr)
	}
}

func readFile(t *testing.T, f *Fs_t, path string) []byte {
	t.Helper()
	ip, err := f.Open(path, nil, defs.O_RDONLY)
	if err != 0 {
		t.Fatalf("open %s: %v", path, err)
	}
	ip.Iunlock()
	file := f.MkFile(ip, false)
	buf := make([]byte, 1<<20)
	fb := fakebuf(buf)
	n, rerr := file.Read(fb)
	if rerr != 0 {
		t.Fatalf("read %s: %v", path, rerr)
	}
	file.Close()
	return buf[:n]
}

func TestMkfsRootDirectory(t *testing.T) {
	f := mountTestFs(t)
	root := f.Root()
	root.Ilock()
	defer func() { root.Iunlock(); f.Iput(root) }()

	if root.Type != defs.I_DIR {
		t.Fatalf("root type = %v, want I_DIR", root.Type)
	}
	if root.Nlink != 2 {
		t.Fatalf("root nlink = %d, want 2 (. and the implicit parent)", root.Nlink)
	}
	if root.Size != uint32(2*direntSize) {
		t.Fatalf("root size = %d, want %d", root.Size, 2*direntSize)
	}
}

func TestWriteReopenReadRoundtrip(t *testing.T) {
	f := mountTestFs(t)
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	writeFile(t, f, "/f", data)

	got := readFile(t, f, "/f")
	if len(got) != len(data) {
		t.Fatalf("read back %d bytes, want %d", len(got), len(data))
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], data[i])
		}
	}
}

func TestLinkUnlinkAccounting(t *testing.T) {
	f := mountTestFs(t)
	writeFile(t, f, "/a", []byte("hello"))

	if err := f.Link("/a", "/b", nil); err != 0 {
		t.Fatalf("link: %v", err)
	}

	ip, err := f.Namei("/a", nil)
	if err != 0 {
		t.Fatalf("namei /a: %v", err)
	}
	ip.Ilock()
	if ip.Nlink != 2 {
		t.Fatalf("nlink after link = %d, want 2", ip.Nlink)
	}
	ip.Iunlock()
	f.Iput(ip)

	if err := f.Unlink("/a", nil); err != 0 {
		t.Fatalf("unlink /a: %v", err)
	}

	// /b must still resolve and read back the original contents: unlinking
	// one name must not touch the shared inode's data while another link
	// keeps it alive.
	if got := string(readFile(t, f, "/b")); got != "hello" {
		t.Fatalf("/b contents = %q, want %q", got, "hello")
	}

	if _, err := f.Namei("/a", nil); err != -defs.ENOENT {
		t.Fatalf("namei /a after unlink = %v, want ENOENT", err)
	}

	if err := f.Unlink("/b", nil); err != 0 {
		t.Fatalf("unlink /b: %v", err)
	}
	if _, err := f.Namei("/b", nil); err != -defs.ENOENT {
		t.Fatalf("namei /b after unlink = %v, want ENOENT", err)
	}
}

func TestMkdirNestedPathAndNonEmptyRejected(t *testing.T) {
	f := mountTestFs(t)
	if err := f.Mkdir("/d", nil); err != 0 {
		t.Fatalf("mkdir /d: %v", err)
	}
	writeFile(t, f, "/d/f", []byte("x"))

	if err := f.Unlink("/d", nil); err != -defs.ENOTEMPTY {
		t.Fatalf("unlink non-empty dir = %v, want ENOTEMPTY", err)
	}

	if err := f.Unlink("/d/f", nil); err != 0 {
		t.Fatalf("unlink /d/f: %v", err)
	}
	if err := f.Unlink("/d", nil); err != 0 {
		t.Fatalf("unlink now-empty /d: %v", err)
	}
}

func TestSymlinkFollowAndCycleRejected(t *testing.T) {
	f := mountTestFs(t)
	writeFile(t, f, "/target", []byte("hi"))
	if err := f.Symlink("/target", "/link", nil); err != 0 {
		t.Fatalf("symlink: %v", err)
	}

	ip, err := f.Open("/link", nil, defs.O_RDONLY)
	if err != 0 {
		t.Fatalf("open /link: %v", err)
	}
	ip.Iunlock()
	file := f.MkFile(ip, false)
	buf := make([]byte, 16)
	fb := fakebuf(buf)
	n, rerr := file.Read(fb)
	file.Close()
	if rerr != 0 || string(buf[:n]) != "hi" {
		t.Fatalf("read through /link = %q, err=%v", buf[:n], rerr)
	}

	if err := f.Symlink("/loop2", "/loop", nil); err != 0 {
		t.Fatalf("symlink /loop: %v", err)
	}
	if err := f.Symlink("/loop", "/loop2", nil); err != 0 {
		t.Fatalf("symlink /loop2: %v", err)
	}
	if _, err := f.Open("/loop", nil, defs.O_RDONLY); err != -defs.ELOOP {
		t.Fatalf("open /loop (cycle) = %v, want ELOOP", err)
	}
}

func TestCreateExclRejectsExisting(t *testing.T) {
	f := mountTestFs(t)
	writeFile(t, f, "/f", []byte("x"))
	if _, err := f.Open("/f", nil, defs.O_CREAT|defs.O_EXCL); err != -defs.EEXIST {
		t.Fatalf("O_CREAT|O_EXCL on existing file = %v, want EEXIST", err)
	}
}
