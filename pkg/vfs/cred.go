package vfs

import "golang.org/x/sys/unix"

// Cred identifies the caller of a filesystem operation. UID 0 is the
// superuser, as in the kernel, so the zero Cred passes every permission
// check. Callers acting for another process must fill UID and GID; use
// CurrentCred for the running process.
type Cred struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// RootCred has unrestricted access.
var RootCred = Cred{UID: 0, GID: 0}

// CurrentCred returns the credential of the running process.
func CurrentCred() Cred {
	cred := Cred{
		UID: uint32(unix.Getuid()),
		GID: uint32(unix.Getgid()),
	}
	if groups, err := unix.Getgroups(); err == nil {
		for _, g := range groups {
			cred.Groups = append(cred.Groups, uint32(g))
		}
	}
	return cred
}

// IsRoot reports whether the credential is the superuser.
func (c Cred) IsRoot() bool {
	return c.UID == 0
}

// InGroup reports whether gid is the primary or a supplementary group.
func (c Cred) InGroup(gid uint32) bool {
	if c.GID == gid {
		return true
	}
	for _, g := range c.Groups {
		if g == gid {
			return true
		}
	}
	return false
}
