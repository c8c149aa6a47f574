// Package libc provides the host implementations of the C library the guest
// links against: memory, strings, stdio, process control, time, setjmp, math
// and dlfcn. Import it to register them with the default registry.
package libc

// Each file in this package registers its exports in its own init().
