// Package dynprop mirrors the shape of Cadence's dynamicconfig property
// functions (IntPropertyFn, DurationPropertyFn, ...) without depending on
// the full dynamicconfig package, which lives inside the Cadence server and
// is not an independently importable module. It exists so configuration
// values that the feedback loop consults on every interval boundary -
// target rate, coefficients, cutoffs - can be swapped for a live source
// (a feature flag service, a config file watch) without changing call
// sites, exactly like the teacher's property functions are used throughout
// common/quotas/global/loadbalanced.
package dynprop

// IntProperty returns the current value of an int-valued configuration
// property. Implementations must be safe for concurrent use.
type IntProperty func() int

// DurationProperty returns the current value of a duration-valued
// configuration property.
type DurationProperty func() int64 // milliseconds, matching the source's interval units

// FloatProperty returns the current value of a float-valued configuration
// property.
type FloatProperty func() float64

// BoolProperty returns the current value of a bool-valued configuration
// property.
type BoolProperty func() bool

// StaticInt returns an IntProperty that always returns v.
func StaticInt(v int) IntProperty { return func() int { return v } }

// StaticDuration returns a DurationProperty that always returns v.
func StaticDuration(v int64) DurationProperty { return func() int64 { return v } }

// StaticFloat returns a FloatProperty that always returns v.
func StaticFloat(v float64) FloatProperty { return func() float64 { return v } }

// StaticBool returns a BoolProperty that always returns v.
func StaticBool(v bool) BoolProperty { return func() bool { return v } }
