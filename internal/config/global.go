package config

import "sync/atomic"

var global atomic.Pointer[settings]

// PromoteGlobal installs opts, applied over the defaults, as the base for
// every configuration resolved afterwards. Only the first successful call
// takes effect; later calls report false and change nothing.
func PromoteGlobal(opts ...Option) (bool, error) {
	s := defaults()
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.validate(); err != nil {
		return false, err
	}
	frozen := s.clone()
	return global.CompareAndSwap(nil, &frozen), nil
}

// GlobalPromoted reports whether a global override is installed.
func GlobalPromoted() bool {
	return global.Load() != nil
}
