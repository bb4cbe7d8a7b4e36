//go:build !unix

package backend

// lockFile is a no-op where flock is unavailable; the in-process lock still
// serializes writers within one server.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
