package defs

// File open flags, passed to the open(2) syscall and to fs.Fs_open. Shaped
// like POSIX's O_* bits, matching the teacher's usage in ufs/ufs.go
// (defs.O_CREAT, defs.O_RDONLY, defs.O_RDWR).
const (
	O_RDONLY  int = 0x0
	O_WRONLY  int = 0x1
	O_RDWR    int = 0x2
	O_CREAT   int = 0x40
	O_EXCL    int = 0x80
	O_TRUNC   int = 0x200
	O_APPEND  int = 0x400
	O_NOFOLLOW int = 0x8000
)

// Seek whence values, matching the teacher's defs.SEEK_END usage.
const (
	SEEK_SET int = 0
	SEEK_CUR int = 1
	SEEK_END int = 2
)

// mmap prot/flags, spec.md section 6.
const (
	PROT_NONE  int = 0x0
	PROT_READ  int = 0x1
	PROT_WRITE int = 0x2
	PROT_EXEC  int = 0x4

	MAP_SHARED  int = 0x1
	MAP_PRIVATE int = 0x2
	MAP_ANON    int = 0x20
	MAP_FAILED  int = -1
)

// Symlink resolution depth. spec.md section 9 leaves the exact value a
// tunable rather than a contract; 10 is the value carried by the xv6
// variant this spec was distilled from.
const SymlinkMaxDepth = 10
