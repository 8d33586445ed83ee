package util

import "runtime"

// Wipe zeroes a buffer holding key or password material once it is no
// longer needed. KeepAlive stops the compiler from eliding the writes.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
