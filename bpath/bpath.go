// Package bpath canonicalizes absolute paths: resolving "." and ".."
// components lexically, without touching the file system. fd.Cwd_t uses it
// to keep a process's cwd path printable/comparable without re-walking the
// directory tree (grounded on spec.md 4.H's namex description of how "."
// and ".." are handled during resolution, applied here purely as string
// surgery the way xv6's namex does it inline).
package bpath

import "nanokern/ustr"

// Canonicalize rewrites an absolute path, collapsing "." components,
// resolving ".." against the preceding component (a leading "/.." stays
// at "/", matching namex's root behavior), and collapsing repeated "/".
// The result always starts with "/" and never ends with one unless it is
// exactly "/".
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	var stack []ustr.Ustr
	i := 0
	for i < len(p) {
		for i < len(p) && p[i] == '/' {
			i++
		}
		start := i
		for i < len(p) && p[i] != '/' {
			i++
		}
		if start == i {
			continue
		}
		comp := p[start:i]
		switch {
		case comp.Isdot():
			// no-op
		case comp.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, comp)
		}
	}
	if len(stack) == 0 {
		return ustr.MkUstrRoot()
	}
	ret := ustr.MkUstr()
	for _, c := range stack {
		ret = append(ret, '/')
		ret = append(ret, c...)
	}
	return ret
}
