//go:build cgo

package sql

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/storage"
	"github.com/veilmsg/relay/storage/conformance"
)

// TestSQLite3Storage runs the shared conformance suite against the SQLite
// flavor. Each newStorage call opens its own private ":memory:" database so
// tests never share state.
func TestSQLite3Storage(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	newStorage := func() storage.Storage {
		backend := &SQLite3{File: ":memory:"}
		c, err := backend.Open(context.Background(), logger)
		if err != nil {
			t.Fatalf("open sqlite3: %v", err)
		}
		return c
	}
	conformance.RunTests(t, newStorage)
}
