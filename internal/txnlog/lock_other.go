//go:build !unix

package txnlog

import "os"

// lockFile is a stub on non-Unix platforms; callers must not share a log
// directory between handles there.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
