package cache

import (
	"fmt"
	"strings"
)

// Role is the logical purpose of a cache namespace.
type Role string

const (
	// Static holds long-lived assets: the app shell and declared documents, scripts, styles and images.
	Static Role = "static"
	// Dynamic holds rolling content such as catalog reads.
	Dynamic Role = "dynamic"
)

// Roles lists every role. Namespaces named after any other prefix are foreign.
var Roles = []Role{Static, Dynamic}

const nameSeparator = "-"

// Versions binds each role to its current version tag.
type Versions struct {
	Static  string `yaml:"static"`
	Dynamic string `yaml:"dynamic"`
}

// Validate reports missing or malformed version tags.
func (v Versions) Validate() error {
	for role, version := range map[Role]string{Static: v.Static, Dynamic: v.Dynamic} {
		if version == "" {
			return fmt.Errorf("%s version is required", role)
		}
		if strings.ContainsAny(version, " \t\n") {
			return fmt.Errorf("%s version %q contains whitespace", role, version)
		}
	}
	return nil
}

// For returns the version tag of the role.
func (v Versions) For(role Role) string {
	if role == Static {
		return v.Static
	}
	return v.Dynamic
}

// Namespace identifies one physical cache store: a role bound to a version.
type Namespace struct {
	Role    Role
	Version string
}

// Name returns the physical store name, `{role}-{version}`.
func (n Namespace) Name() string {
	return string(n.Role) + nameSeparator + n.Version
}

func (n Namespace) String() string {
	return n.Name()
}

// ParseNamespace returns the namespace for a physical store name.
// It reports false for names that do not follow the role prefix convention.
func ParseNamespace(name string) (Namespace, bool) {
	for _, role := range Roles {
		prefix := string(role) + nameSeparator
		if strings.HasPrefix(name, prefix) {
			return Namespace{Role: role, Version: strings.TrimPrefix(name, prefix)}, true
		}
	}
	return Namespace{}, false
}
