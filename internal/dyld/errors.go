package dyld

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid export table.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "export table: " + strings.Join(e.Problems, "; ")
}

// UnresolvedSymbolError names a symbol that no export table or resolver
// provides.
type UnresolvedSymbolError struct {
	Name string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbol %q", e.Name)
}
