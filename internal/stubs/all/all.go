// Package all imports every framework package so they register their
// exports via init().
//
// Example:
//
//	import _ "github.com/zboralski/hlego/internal/stubs/all"
package all

import (
	// Import all framework packages for side effects (init registration)
	_ "github.com/zboralski/hlego/internal/stubs/corefoundation"
	_ "github.com/zboralski/hlego/internal/stubs/cxxabi"
	_ "github.com/zboralski/hlego/internal/stubs/foundation"
	_ "github.com/zboralski/hlego/internal/stubs/libc"
	_ "github.com/zboralski/hlego/internal/stubs/objcrt"
	_ "github.com/zboralski/hlego/internal/stubs/pthread"
)
