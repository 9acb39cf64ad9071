// Package check validates a configuration file against the machine
// it runs on: sources must exist and every destination must be
// writable.
package check

import (
	"fmt"
	"os"
	"path/filepath"

	"bkup/internal/config"
	"bkup/internal/errdefs"
)

func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Println("config: OK")

	for _, bc := range cfg.Configs {
		info, err := os.Stat(bc.Source)
		if err != nil {
			return errdefs.Configf("config %s: source %s: %v", bc.Name, bc.Source, err)
		}
		if !info.IsDir() {
			return errdefs.Configf("config %s: source %s is not a directory", bc.Name, bc.Source)
		}
		fmt.Printf("config %s source %s: OK\n", bc.Name, bc.Source)

		if err := checkWritable(bc.Destination); err != nil {
			return fmt.Errorf("%w: config %s: destination %s: %v",
				errdefs.ErrIO, bc.Name, bc.Destination, err)
		}
		fmt.Printf("config %s destination %s: OK\n", bc.Name, bc.Destination)
	}

	fmt.Println("all checks passed")
	return nil
}

// checkWritable probes dir by creating and removing a scratch file.
// The directory is created if it does not exist yet, matching what a
// real backup run would do.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	probe := filepath.Join(dir, ".bkup_write_check")
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	f.Close()
	return os.Remove(probe)
}
