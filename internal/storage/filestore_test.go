package storage_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jasperhg90/persona/internal/storage"
	"github.com/jasperhg90/persona/pkg/persona/index"
)

func Test_FileStore_Save_Then_Load_Returns_Bytes(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	if err := store.Save("skills/web/SKILL.md", []byte("hello")); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := store.Load("skills/web/SKILL.md")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}
}

func Test_FileStore_Load_When_Key_Missing(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	_, err := store.Load("nope.md")
	if !errors.Is(err, index.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func Test_FileStore_Rejects_Escaping_Keys(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	for _, key := range []string{"", "../outside", "a/../../outside", "/absolute"} {
		if err := store.Save(key, []byte("x")); !errors.Is(err, index.ErrInvalidInput) {
			t.Errorf("save(%q) err = %v, want ErrInvalidInput", key, err)
		}
	}
}

func Test_FileStore_Delete_Is_Idempotent(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	if err := store.Delete("missing.md", false); err != nil {
		t.Errorf("delete missing: %v", err)
	}

	if err := store.Save("a.md", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.Delete("a.md", false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	exists, err := store.Exists("a.md")
	if err != nil || exists {
		t.Errorf("exists = %v, %v", exists, err)
	}
}

func Test_FileStore_Delete_Directory_Requires_Recursive(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	if err := store.Save("skills/web/SKILL.md", []byte("x")); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.Delete("skills/web", false); err == nil {
		t.Error("expected error deleting directory without recursive")
	}

	if err := store.Delete("skills/web", true); err != nil {
		t.Fatalf("recursive delete: %v", err)
	}

	exists, err := store.Exists("skills/web")
	if err != nil || exists {
		t.Errorf("exists = %v, %v", exists, err)
	}
}

func Test_FileStore_Glob_Supports_Doublestar(t *testing.T) {
	t.Parallel()

	store := storage.NewFileStore(t.TempDir(), nil)

	for _, key := range []string{
		"skills/a/SKILL.md",
		"skills/b/sub/deep.md",
		"skills/b/SKILL.md",
		"roles/c/ROLE.md",
	} {
		if err := store.Save(key, []byte("x")); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}

	matches, err := store.Glob("**/SKILL.md")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}

	want := []string{"skills/a/SKILL.md", "skills/b/SKILL.md"}
	if diff := cmp.Diff(want, matches); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}
