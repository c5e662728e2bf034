package interpose

import "golang.org/x/sys/unix"

// accessFromFlags translates the open(2) flag word into the access triple
// the wire protocol carries.
func accessFromFlags(flags int) (read, write, create bool) {
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		read = true
	case unix.O_WRONLY:
		write = true
	case unix.O_RDWR:
		read, write = true, true
	}
	create = flags&unix.O_CREAT != 0
	return read, write, create
}
