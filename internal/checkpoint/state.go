package checkpoint

import (
	"fmt"
	"os"

	"github.com/loks0n/carbon/internal/migration"
)

// WriteState serializes snap to path using migration's versioned
// binary codec.
func WriteState(path string, snap *migration.Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: create %s: %w", path, err)
	}
	defer f.Close()

	if err := migration.Encode(f, snap); err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", path, err)
	}

	return nil
}

// ReadState decodes a state.bin previously written by WriteState.
func ReadState(path string) (*migration.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	snap, err := migration.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
	}

	return snap, nil
}
