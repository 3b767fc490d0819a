package manifest

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/jjuanino/clame/internal/fsmeta"
)

// Process carries the fallbacks used when neither an item nor the schema
// defaults name an attribute.
type Process struct {
	Owner string
	Group string
	Umask uint32
}

// CurrentProcess describes the running installer.
func CurrentProcess() (Process, error) {
	u, err := user.LookupId(strconv.Itoa(os.Geteuid()))
	if err != nil {
		return Process{}, fmt.Errorf("lookup effective user: %w", err)
	}
	g, err := user.LookupGroupId(strconv.Itoa(os.Getegid()))
	if err != nil {
		return Process{}, fmt.Errorf("lookup effective group: %w", err)
	}
	return Process{Owner: u.Username, Group: g.Name, Umask: fsmeta.Umask()}, nil
}

// Resolved is a schema item with every attribute decided and its
// destination anchored at the install base directory.
type Resolved struct {
	Type        fsmeta.Kind `json:"type"`
	Destination string      `json:"destination"`
	Path        string      `json:"path"`
	Mode        uint32      `json:"mode"`
	Owner       string      `json:"owner"`
	Group       string      `json:"group"`
	Digest      string      `json:"digest,omitempty"`
	Origin      string      `json:"origin,omitempty"`
	NoBackup    bool        `json:"no_backup,omitempty"`
}

// Abs anchors p at baseDir unless it is already absolute.
func Abs(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(baseDir, p)
}

// Resolve decides mode, owner and group for every schema item and maps
// destinations under baseDir. Item attributes win over schema defaults,
// which win over the process fallbacks. Symlinks always get mode 0777.
func (c *Core) Resolve(baseDir string, proc Process) ([]Resolved, error) {
	out := make([]Resolved, 0, len(c.Schema))
	for _, it := range c.Schema {
		defaults := c.Defaults.NotDir
		full := uint32(0o666)
		if it.Type == fsmeta.KindDirectory {
			defaults = c.Defaults.Dir
			full = 0o777
		}

		r := Resolved{
			Type:        it.Type,
			Destination: it.Destination,
			Path:        Abs(baseDir, it.Destination),
			Owner:       firstNonEmpty(it.Owner, defaults.Owner, proc.Owner),
			Group:       firstNonEmpty(it.Group, defaults.Group, proc.Group),
			Digest:      it.Digest,
			Origin:      it.Origin,
			NoBackup:    it.NoBackup,
		}

		switch {
		case it.Type == fsmeta.KindSymlink:
			r.Mode = 0o777
		case it.Mode != "":
			m, err := ParseMode(it.Mode)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", it.Destination, err)
			}
			r.Mode = m
		case defaults.Mode != "":
			m, err := ParseMode(defaults.Mode)
			if err != nil {
				return nil, fmt.Errorf("defaults: %w", err)
			}
			r.Mode = m
		default:
			r.Mode = full &^ proc.Umask
		}

		if it.Type == fsmeta.KindHardlink {
			r.Origin = Abs(baseDir, it.Origin)
		}
		out = append(out, r)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
