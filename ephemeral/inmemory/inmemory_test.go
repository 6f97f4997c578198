package inmemory

import (
	"testing"

	"github.com/veilmsg/relay/ephemeral"
)

func TestStore(t *testing.T) {
	ephemeral.RunTests(t, New)
}
