package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldSkipOatAndApk(t *testing.T) {
	assert.True(t, ShouldSkip("/data/app/base.apk"))
	assert.True(t, ShouldSkip("/data/dalvik-cache/arm64/boot.oat"))
	assert.False(t, ShouldSkip("/lib/x86_64-linux-gnu/libc.so.6"))
}

func TestDeriveNameTrimsVersionSuffix(t *testing.T) {
	name := DeriveName("/lib/x86_64-linux-gnu/libc.so.6", map[string]bool{})
	assert.Equal(t, "libc.so", name)
}

func TestDeriveNameFallsBackOnCollision(t *testing.T) {
	taken := map[string]bool{"libfoo.so": true}
	name := DeriveName("/opt/libfoo.so.2", taken)
	assert.NotEqual(t, "libfoo.so", name)
}

func TestDeriveNameNoVersionSuffix(t *testing.T) {
	name := DeriveName("/usr/bin/myapp", map[string]bool{})
	assert.Equal(t, "myapp", name)
}

func TestTrimHelpers(t *testing.T) {
	assert.Equal(t, "libfoo.so", trimVersion("libfoo.so.1.2.3"))
	assert.Equal(t, "libfoo", trimAllExt("libfoo.so.1.2.3"))
	assert.Equal(t, "libfoo.so.1.2", trimLastExt("libfoo.so.1.2.3"))
}

func TestReadHeaderRejectsNonELF(t *testing.T) {
	s, err := NewSource(8)
	assertNoErr(t, err)
	_, err = s.ReadHeader("elf_test.go")
	assert.Error(t, err)
}

func assertNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
