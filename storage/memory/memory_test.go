package memory

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/storage"
	"github.com/veilmsg/relay/storage/conformance"
)

func TestStorage(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	newStorage := func() storage.Storage {
		return New(logger)
	}
	conformance.RunTests(t, newStorage)
}
