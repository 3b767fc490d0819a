package fsmeta

import (
	"fmt"
	"os/user"
	"strconv"
)

// LookupUID resolves a user name to its numeric id.
func LookupUID(name string) (uint32, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	return uint32(id), nil
}

// LookupGID resolves a group name to its numeric id.
func LookupGID(name string) (uint32, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("group %s has non-numeric gid %q", name, g.Gid)
	}
	return uint32(id), nil
}
