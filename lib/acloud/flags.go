package acloud

import "strings"

// rawFlags is a mutable working copy of the acloud-create argument list.
// Each take* method removes the tokens it consumes, mirroring the
// alias/setter flag objects of the original parser: anything left in
// remaining() once every known flag has been extracted is unrecognized.
type rawFlags struct {
	args []string
}

func newRawFlags(args []string) *rawFlags {
	cp := make([]string, len(args))
	copy(cp, args)
	return &rawFlags{args: cp}
}

func (r *rawFlags) remove(i int) {
	r.args = append(r.args[:i], r.args[i+1:]...)
}

// takeValue removes and returns the value of the first "--flag value" or
// "--flag=value" occurrence among names.
func (r *rawFlags) takeValue(names ...string) (string, bool) {
	for _, name := range names {
		prefix := name + "="
		for i, a := range r.args {
			if strings.HasPrefix(a, prefix) {
				v := a[len(prefix):]
				r.remove(i)
				return v, true
			}
			if a == name {
				if i+1 < len(r.args) {
					v := r.args[i+1]
					r.remove(i + 1)
					r.remove(i)
					return v, true
				}
				r.remove(i)
				return "", true
			}
		}
	}
	return "", false
}

// takeArbitrary behaves like takeValue but also accepts bare presence with
// no following value (kFlagConsumesArbitrary in the original parser): the
// next token is consumed as a value only when it doesn't itself look like
// a flag.
func (r *rawFlags) takeArbitrary(names ...string) (string, bool) {
	for _, name := range names {
		prefix := name + "="
		for i, a := range r.args {
			if strings.HasPrefix(a, prefix) {
				v := a[len(prefix):]
				r.remove(i)
				return v, true
			}
			if a == name {
				if i+1 < len(r.args) && !strings.HasPrefix(r.args[i+1], "-") {
					v := r.args[i+1]
					r.remove(i + 1)
					r.remove(i)
					return v, true
				}
				r.remove(i)
				return "", true
			}
		}
	}
	return "", false
}

// takeBool removes and reports presence of any boolean flag among names.
func (r *rawFlags) takeBool(names ...string) bool {
	for _, name := range names {
		for i, a := range r.args {
			if a == name {
				r.remove(i)
				return true
			}
		}
	}
	return false
}

func (r *rawFlags) remaining() []string {
	return r.args
}
