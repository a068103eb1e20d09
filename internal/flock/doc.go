// Package flock provides cross-platform file locking for the state and
// checkpoint stores.
//
// It provides exclusive, non-blocking file locks so that two gantry
// processes (a daemon and a direct single-item trigger) cannot write the
// same item record concurrently.
//
// Usage:
//
//	file, _ := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
//	if err := flock.Exclusive(file.Fd()); err != nil {
//	    // lock not acquired - record is in use
//	}
//	defer flock.Unlock(file.Fd())
package flock
