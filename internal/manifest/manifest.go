package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"golang.org/x/text/unicode/norm"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/version"
)

//go:embed schema.cue
var schemaCUE string

// Well-known info variables.
const (
	VarPatchName          = "PATCH_NAME"
	VarDescription        = "DESCRIPTION"
	VarVersion            = "VERSION"
	VarPrefix             = "PREFIX"
	VarInterpreter        = "INTERPRETER"
	VarInterpreterFlags   = "INTERPRETER_FLAGS"
	VarNeedSuperuser      = "NEED_SUPERUSER"
	VarRequireAcceptLegal = "REQUIRE_ACCEPT_LEGAL"
)

// Hook names a lifecycle script slot.
type Hook string

const (
	HookCheckinstall Hook = "checkinstall"
	HookPreinstall   Hook = "preinstall"
	HookPostinstall  Hook = "postinstall"
	HookPreremove    Hook = "preremove"
	HookPostremove   Hook = "postremove"
)

// Hooks lists every slot in execution order.
var Hooks = []Hook{HookCheckinstall, HookPreinstall, HookPostinstall, HookPreremove, HookPostremove}

// InputKind selects how an input variable is prompted for.
type InputKind string

const (
	InputNormal   InputKind = "normal"
	InputPassword InputKind = "password"
	InputBoolean  InputKind = "boolean"
)

// Input is one value the operator supplies at install time.
type Input struct {
	Kind   InputKind
	Name   string
	Prompt string
}

// Attributes are ownership and permission settings. Empty fields fall
// through to the next level of defaults.
type Attributes struct {
	Mode  string
	Owner string
	Group string
}

// Defaults are the schema-wide attributes for directories and for every
// other item type.
type Defaults struct {
	Dir    Attributes
	NotDir Attributes
}

// Item is one entry of a patch's file schema.
type Item struct {
	Type        fsmeta.Kind
	Destination string
	Attributes
	// Digest is the content address of a regular file's payload.
	Digest string
	// Origin is the link target for symlinks and the linked path for
	// hardlinks.
	Origin   string
	NoBackup bool
}

// Core is the parsed manifest of one patch version.
type Core struct {
	Info      map[string]string
	Defaults  Defaults
	Schema    []Item
	Requires  []version.Interval
	Conflicts []version.Interval
	Inputs    []Input
	// Legal is the digest of the legal notice blob, if any.
	Legal string
	Hooks map[Hook]string
}

// Error describes a manifest that does not conform.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type rawItem struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
	Mode        string `json:"mode"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Digest      string `json:"digest"`
	Origin      string `json:"origin"`
	NoBackup    bool   `json:"no_backup"`
}

type rawAttributes struct {
	Mode  string `json:"mode"`
	Owner string `json:"owner"`
	Group string `json:"group"`
}

type rawCore struct {
	Info     map[string]string `json:"info"`
	Defaults struct {
		Dir    rawAttributes `json:"dir"`
		NotDir rawAttributes `json:"notdir"`
	} `json:"defaults"`
	Schema []rawItem `json:"schema"`
	Depend []string  `json:"depend"`
	Input  []struct {
		Kind   string `json:"kind"`
		Name   string `json:"name"`
		Prompt string `json:"prompt"`
	} `json:"input"`
	Legal string            `json:"legal"`
	Hooks map[string]string `json:"hooks"`
}

// Parse compiles a CUE manifest, validates it against the embedded schema
// and the cross-field rules, and returns the decoded Core.
func Parse(filename string, data []byte) (*Core, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Core")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var raw rawCore
	if err := unified.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}

	return fromRaw(&raw)
}

// ParseFile reads and parses a manifest from disk.
func ParseFile(path string) (*Core, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: "cue", Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Field: strings.Join(first.Path(), "."), Message: first.Error()}
	if e.Field == "" {
		e.Field = "cue"
	}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}

func fromRaw(raw *rawCore) (*Core, error) {
	c := &Core{
		Info: raw.Info,
		Defaults: Defaults{
			Dir:    Attributes(raw.Defaults.Dir),
			NotDir: Attributes(raw.Defaults.NotDir),
		},
		Legal: raw.Legal,
		Hooks: make(map[Hook]string, len(raw.Hooks)),
	}
	for name, digest := range raw.Hooks {
		c.Hooks[Hook(name)] = digest
	}

	var problems []error
	fail := func(field, format string, args ...any) {
		problems = append(problems, &Error{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := c.PatchVersion(); err != nil {
		fail("info", "%v", err)
	}

	seen := make(map[string]bool, len(raw.Schema))
	for i, ri := range raw.Schema {
		field := fmt.Sprintf("schema.%d", i)
		kind, err := fsmeta.ParseKind(ri.Type)
		if err != nil {
			fail(field, "%v", err)
			continue
		}
		item := Item{
			Type:        kind,
			Destination: ri.Destination,
			Attributes:  Attributes{Mode: ri.Mode, Owner: ri.Owner, Group: ri.Group},
			Digest:      ri.Digest,
			Origin:      ri.Origin,
			NoBackup:    ri.NoBackup,
		}
		if filepath.Clean(item.Destination) != item.Destination {
			fail(field, "destination %q is not normalized", item.Destination)
		}
		if !norm.NFC.IsNormalString(item.Destination) {
			fail(field, "destination %q is not NFC normalized", item.Destination)
		}
		if seen[item.Destination] {
			fail(field, "duplicated destination %q", item.Destination)
		}
		seen[item.Destination] = true

		switch kind {
		case fsmeta.KindRegular:
			if item.Digest == "" {
				fail(field, "regular file %q has no digest", item.Destination)
			}
		case fsmeta.KindSymlink, fsmeta.KindHardlink:
			if item.Origin == "" {
				fail(field, "link %q has no origin", item.Destination)
			}
			if item.Mode != "" || item.Owner != "" || item.Group != "" {
				fail(field, "link %q cannot carry attributes", item.Destination)
			}
		}
		if kind != fsmeta.KindRegular && item.Digest != "" {
			fail(field, "only regular files carry a digest, %q is %s", item.Destination, kind)
		}
		if kind != fsmeta.KindSymlink && kind != fsmeta.KindHardlink && item.Origin != "" {
			fail(field, "only links carry an origin, %q is %s", item.Destination, kind)
		}
		c.Schema = append(c.Schema, item)
	}

	for i, line := range raw.Depend {
		req, err := version.ParseRequirement(line)
		if err != nil {
			fail(fmt.Sprintf("depend.%d", i), "%v", err)
			continue
		}
		if req.Kind == version.Requires {
			c.Requires = append(c.Requires, req.Interval)
		} else {
			c.Conflicts = append(c.Conflicts, req.Interval)
		}
	}

	names := make(map[string]bool, len(raw.Input))
	for i, in := range raw.Input {
		field := fmt.Sprintf("input.%d", i)
		if _, clash := c.Info[in.Name]; clash {
			fail(field, "input variable %s is already an info variable", in.Name)
		}
		if names[in.Name] {
			fail(field, "duplicated input variable %s", in.Name)
		}
		names[in.Name] = true
		c.Inputs = append(c.Inputs, Input{
			Kind:   InputKind(in.Kind),
			Name:   in.Name,
			Prompt: os.Expand(in.Prompt, func(k string) string { return c.Info[k] }),
		})
	}

	if c.RequireAcceptLegal() && c.Legal == "" {
		fail(VarRequireAcceptLegal, "legal acceptance required but no legal notice given")
	}

	if len(problems) > 0 {
		return nil, errors.Join(problems...)
	}
	return c, nil
}

// PatchVersion returns the validated name and version from info.
func (c *Core) PatchVersion() (version.PatchVersion, error) {
	return version.New(c.Info[VarPatchName], c.Info[VarVersion])
}

func (c *Core) Name() string        { return c.Info[VarPatchName] }
func (c *Core) Description() string { return c.Info[VarDescription] }

// Prefix returns the PREFIX info variable, or "" when undeclared.
func (c *Core) Prefix() string { return c.Info[VarPrefix] }

// NeedSuperuser reports whether the patch must be installed by root.
func (c *Core) NeedSuperuser() bool {
	return strings.EqualFold(c.Info[VarNeedSuperuser], "yes")
}

// RequireAcceptLegal reports whether the operator must type YES after
// reading the legal notice.
func (c *Core) RequireAcceptLegal() bool {
	return c.Info[VarRequireAcceptLegal] == "YES"
}

// Interpreter returns the program and leading arguments used to run
// hook scripts.
func (c *Core) Interpreter() (string, []string) {
	prog := c.Info[VarInterpreter]
	if prog == "" {
		prog = "/bin/sh"
	}
	return prog, strings.Fields(c.Info[VarInterpreterFlags])
}

// Blobs returns the digest of every payload the patch references, in a
// stable order: schema files, hooks, then the legal notice.
func (c *Core) Blobs() []string {
	var out []string
	seen := map[string]bool{}
	add := func(d string) {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, it := range c.Schema {
		add(it.Digest)
	}
	for _, h := range Hooks {
		add(c.Hooks[h])
	}
	add(c.Legal)
	return out
}

// ParseMode converts an octal permission string such as "0755".
func ParseMode(s string) (uint32, error) {
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return uint32(m), nil
}
