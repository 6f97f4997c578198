package redis

import (
	"context"
	"os"
	"testing"

	"github.com/veilmsg/relay/ephemeral"
)

func TestStore(t *testing.T) {
	const envVar = "VEILMSG_REDIS_ADDR"
	addr := os.Getenv(envVar)
	if addr == "" {
		t.Skipf("test environment variable %q not set, skipping", envVar)
		return
	}

	newStore := func() ephemeral.Store {
		config := &Config{Addrs: []string{addr}}
		s, err := config.Open()
		if err != nil {
			t.Fatal(err)
		}
		c := s.(*client)
		if err := c.db.FlushDB(context.Background()).Err(); err != nil {
			t.Fatal(err)
		}
		return s
	}

	ephemeral.RunTests(t, newStore)
}
