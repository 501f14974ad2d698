package util

import "runtime"

// Wipe zeroes b in place so secrets do not linger after use.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
