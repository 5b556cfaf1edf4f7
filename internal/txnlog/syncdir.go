package txnlog

import (
	"fmt"
	"os"
	"runtime"
)

// syncDir makes a newly created segment's directory entry durable.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("txnlog: open dir: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("txnlog: sync dir: %w", err)
	}
	return nil
}
