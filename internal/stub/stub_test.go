package stub

import (
	"testing"

	"github.com/juju/errors"

	"github.com/espgo/espflash/internal/target"
)

func TestLoad_EveryChipHasAResource(t *testing.T) {
	for _, def := range target.All() {
		_, err := Load(def)
		// Resources without section bytes report ErrUnavailable; what
		// must not happen is a missing or malformed resource file.
		if err != nil && !errors.Is(err, ErrUnavailable) {
			t.Errorf("Load(%s) error = %v", def.Name(), err)
		}
	}
}
