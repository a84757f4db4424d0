// Package secret provides an ownership-scoped container for credential
// strings that must never be printed, logged, or serialized in full.
package secret

// Key wraps an opaque upstream credential. Its zero value is usable but
// represents an empty secret. The only way to recover the raw value is
// Expose — call sites that forward the credential to the upstream are the
// single intended caller.
type Key struct {
	value string
}

// New wraps a raw credential string.
func New(value string) Key {
	return Key{value: value}
}

// Expose returns the raw credential. Reserved for the request-signing step.
func (k Key) Expose() string {
	return k.value
}

// Preview renders a redacted form safe for logs and error messages: the
// first four and last four characters, or "***" when the value is too
// short to preview without leaking it.
func (k Key) Preview() string {
	if len(k.value) > 8 {
		return k.value[:4] + "..." + k.value[len(k.value)-4:]
	}
	return "***"
}

// String implements fmt.Stringer with the redacted preview so Key is safe
// to pass directly into structured log fields or %v format verbs.
func (k Key) String() string {
	return k.Preview()
}

// GoString implements fmt.GoStringer so %#v (used by some debuggers and
// panic dumps) also redacts rather than round-tripping the raw value.
func (k Key) GoString() string {
	return "secret.Key{" + k.Preview() + "}"
}

// IsEmpty reports whether the key wraps no credential at all.
func (k Key) IsEmpty() bool {
	return k.value == ""
}
