// Command mkfs formats a fresh disk image for nanokern's filesystem, the
// host-side counterpart to the teacher's biscuit/src/mkfs command: no
// kernel runs here, it just writes the superblock, inode table, free-block
// bitmap, and an empty root directory straight to a file.
package main

import (
	"flag"
	"fmt"
	"os"

	"nanokern/fs"
)

func main() {
	var (
		ninodes = flag.Int("inodes", 200, "number of inode slots")
		ndata   = flag.Int("data", 1000, "number of data blocks")
		loglen  = flag.Int("logblocks", fs.LOGSIZE, "blocks reserved for the write-ahead log")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := fs.MkfsConfig{Loglen: *loglen, Ninodes: *ninodes, Ndata: *ndata}
	if err := fs.Mkfs(flag.Arg(0), cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
