// Package trace provides types for host call trace events.
package trace

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Tag represents a trace event category.
// Tags are stored without # prefix; the prefix is added on rendering.
type Tag string

// Standard tags for trace events.
const (
	Libc       Tag = "libc"
	Objc       Tag = "objc"
	CF         Tag = "cf"
	Foundation Tag = "foundation"
	Pthread    Tag = "pthread"
	CxxAbi     Tag = "cxxabi"

	Malloc    Tag = "malloc"
	String    Tag = "string"
	Printf    Tag = "printf"
	Dynload   Tag = "dynload"
	MsgSend   Tag = "msgsend"
	Refcount  Tag = "refcount"
	RunLoop   Tag = "runloop"
	Exception Tag = "exception"
	Jump      Tag = "longjmp"
	Nested    Tag = "nested"
)

// Tags is a collection of tags with helper methods.
type Tags []Tag

// Has returns true if the tag collection contains the given tag.
func (t Tags) Has(tag Tag) bool {
	for _, x := range t {
		if x == tag {
			return true
		}
	}
	return false
}

// Add adds a tag if not already present.
func (t *Tags) Add(tag Tag) {
	if !t.Has(tag) {
		*t = append(*t, tag)
	}
}

// Strings returns tags as strings with # prefix for display.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Primary returns the first tag or empty string if none.
func (t Tags) Primary() Tag {
	if len(t) > 0 {
		return t[0]
	}
	return ""
}

// Annotations holds key-value metadata for trace events.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Keys returns the annotation keys sorted.
func (a Annotations) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Event is one host call made by the guest.
type Event struct {
	PC          uint32      // guest return address of the call
	Tags        Tags        // first is the export category
	Name        string      // symbol without the C underscore, e.g. "malloc"
	Detail      string      // e.g. "-[NSObject init]"
	Depth       int         // nested guest runs when the call was made
	Annotations Annotations // Key-value metadata
	Timestamp   time.Time
}

// NewEvent creates a new trace event with the given parameters.
func NewEvent(pc uint32, category, name, detail string) *Event {
	return &Event{
		PC:          pc,
		Tags:        Tags{Tag(category)},
		Name:        name,
		Detail:      detail,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// AddTag adds a tag to the event.
func (e *Event) AddTag(tag Tag) {
	e.Tags.Add(tag)
}

// Annotate sets an annotation on the event.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(Annotations)
	}
	e.Annotations.Set(k, v)
}

// PrimaryTag returns the primary (first) tag with # prefix.
func (e *Event) PrimaryTag() string {
	if len(e.Tags) > 0 {
		return "#" + string(e.Tags[0])
	}
	return ""
}

// Enricher enriches trace events based on category and name.
type Enricher func(e *Event)

// DefaultEnricher adds additional tags based on category and name.
func DefaultEnricher(e *Event) {
	if len(e.Tags) == 0 {
		return
	}
	if e.Depth > 1 {
		e.AddTag(Nested)
		e.Annotate("depth", strconv.Itoa(e.Depth))
	}

	switch e.Tags[0] {
	case Libc:
		switch e.Name {
		case "malloc", "calloc", "realloc", "free":
			e.AddTag(Malloc)
		case "memcpy", "memmove", "memset", "strcpy", "strncpy", "strcat", "strdup":
			e.AddTag(String)
		case "printf", "fprintf", "sprintf", "snprintf", "asprintf", "puts":
			e.AddTag(Printf)
		case "dlopen", "dlsym", "dlclose":
			e.AddTag(Dynload)
		case "longjmp", "_longjmp":
			e.AddTag(Jump)
		}

	case Objc:
		switch e.Name {
		case "objc_msgSend", "objc_msgSend_stret", "objc_msgSendSuper", "objc_msgSendSuper2":
			e.AddTag(MsgSend)
		case "objc_retain", "objc_release", "objc_autorelease":
			e.AddTag(Refcount)
		}

	case CF:
		switch e.Name {
		case "CFRetain", "CFRelease":
			e.AddTag(Refcount)
		default:
			if strings.HasPrefix(e.Name, "CFRunLoop") {
				e.AddTag(RunLoop)
			}
		}

	case CxxAbi:
		switch e.Name {
		case "__cxa_throw", "__cxa_rethrow":
			e.AddTag(Exception)
		case "_Znwj", "_Znaj", "_ZdlPv", "_ZdaPv":
			e.AddTag(Malloc)
		}
	}
}
