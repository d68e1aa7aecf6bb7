package record

import (
	"testing"

	"github.com/zsiec/reel/container/containertest"
)

func managerConfig() Config {
	return Config{Writer: containertest.New(), Width: 320, Height: 240}
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)

	s, ok := m.Create("cam1", managerConfig())
	if !ok || s == nil {
		t.Fatal("create failed")
	}

	got, ok := m.Get("cam1")
	if !ok || got != s {
		t.Fatal("get returned a different session")
	}
	if _, ok := m.Get("cam2"); ok {
		t.Fatal("get found an unregistered session")
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, ok := m.Create("cam1", managerConfig()); !ok {
		t.Fatal("first create failed")
	}
	if _, ok := m.Create("cam1", managerConfig()); ok {
		t.Fatal("duplicate create succeeded")
	}
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, ok := m.Create("cam1", Config{}); ok {
		t.Fatal("create succeeded with invalid config")
	}
	if _, ok := m.Get("cam1"); ok {
		t.Fatal("failed create left a registration behind")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	if _, ok := m.Create("cam1", managerConfig()); !ok {
		t.Fatal("create failed")
	}

	m.Remove("cam1")
	if _, ok := m.Get("cam1"); ok {
		t.Fatal("session still registered after remove")
	}

	// Removing an unknown name is a no-op.
	m.Remove("cam1")

	// The name is reusable afterwards.
	if _, ok := m.Create("cam1", managerConfig()); !ok {
		t.Fatal("create after remove failed")
	}
}

func TestManagerList(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	m.Create("a", managerConfig())
	m.Create("b", managerConfig())

	if got := len(m.List()); got != 2 {
		t.Fatalf("list length = %d, want 2", got)
	}
}
