package storebus

import (
	"testing"
	"time"

	"github.com/m1ndvortex/tabsync/bus"
	"github.com/m1ndvortex/tabsync/bus/bustest"
	"github.com/m1ndvortex/tabsync/kv/filekv"
	"github.com/m1ndvortex/tabsync/kv/memorykv"
)

func TestStoreBusOnMemory(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		s := memorykv.MustNew(memorykv.Config{})
		t.Cleanup(func() { _ = s.Close() })
		return New(s, Config{PollInterval: 20 * time.Millisecond})
	})
}

func TestStoreBusOnSharedDirectory(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		s, err := filekv.New(filekv.Config{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("filekv: %v", err)
		}
		// A long poll interval shows the fsnotify wake-up path doing the work.
		return New(s, Config{PollInterval: time.Second})
	})
}
