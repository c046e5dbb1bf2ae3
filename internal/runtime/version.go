package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVersionMismatch means a persisted workflow version falls outside the
// range the current code supports. This is a deterministic failure: retrying
// the task cannot fix it, only a code rollback or migration can.
var ErrVersionMismatch = errors.New("workflow version mismatch")

const versionMarkerPrefix = "version:"

// RequireVersion gates versioned workflow logic. The first execution to reach
// changeID picks a version via initial (defaulting to minVersion) and records
// it permanently; every replay returns the same version. A recorded version
// outside [minVersion, maxVersion] fails with ErrVersionMismatch.
func (s *EffectStore) RequireVersion(changeID string, minVersion, maxVersion int, initial func() int) (int, error) {
	if changeID == "" {
		return 0, fmt.Errorf("change id is required")
	}
	if minVersion > maxVersion {
		return 0, fmt.Errorf("invalid version range [%d, %d] for %q", minVersion, maxVersion, changeID)
	}

	effectID := versionMarkerPrefix + changeID
	value, err := s.Capture(effectID, func() (json.RawMessage, error) {
		version := minVersion
		if initial != nil {
			version = initial()
		}
		return json.Marshal(version)
	})
	if err != nil {
		return 0, err
	}

	var version int
	if err := json.Unmarshal(value, &version); err != nil {
		return 0, fmt.Errorf("decode version marker %q: %w", changeID, err)
	}
	if version < minVersion || version > maxVersion {
		return 0, fmt.Errorf("change %q recorded version %d, supported range [%d, %d]: %w",
			changeID, version, minVersion, maxVersion, ErrVersionMismatch)
	}
	return version, nil
}
