package pathutil_test

import (
	"testing"

	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName_Valid(t *testing.T) {
	for _, name := range []string{"default", "ws-1", "v1.0", "my_ws"} {
		assert.NoError(t, pathutil.ValidateName(name), "should accept: %s", name)
	}
}

func TestValidateName_Invalid(t *testing.T) {
	for _, name := range []string{"", "..", "a/b", "a b", "hello\x00"} {
		require.ErrorIs(t, pathutil.ValidateName(name), errclass.ErrNameInvalid, "should reject: %q", name)
	}
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"/":               "/",
		"//":              "/",
		"/a":              "/a",
		"/a/b/":           "/a/b",
		"/a//b":           "/a/b",
		"/jcr:system/x":   "/jcr:system/x",
		"/café": "/café",
	}
	for in, want := range cases {
		got, err := pathutil.Clean(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestClean_Rejects(t *testing.T) {
	for _, in := range []string{"", "a/b", "/a/../b", "/a/./b", "/a\x01"} {
		_, err := pathutil.Clean(in)
		require.ErrorIs(t, err, errclass.ErrNameInvalid, "should reject: %q", in)
	}
}

func TestParentBaseJoin(t *testing.T) {
	assert.Equal(t, "", pathutil.Parent("/"))
	assert.Equal(t, "/", pathutil.Parent("/a"))
	assert.Equal(t, "/a", pathutil.Parent("/a/b"))
	assert.Equal(t, "b", pathutil.Base("/a/b"))
	assert.Equal(t, "", pathutil.Base("/"))
	assert.Equal(t, "/a", pathutil.Join("/", "a"))
	assert.Equal(t, "/a/b", pathutil.Join("/a", "b"))
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, pathutil.Depth("/"))
	assert.Equal(t, 1, pathutil.Depth("/a"))
	assert.Equal(t, 3, pathutil.Depth("/a/b/c"))
}

func TestIsAtOrBelow(t *testing.T) {
	assert.True(t, pathutil.IsAtOrBelow("/a/b", "/a"))
	assert.True(t, pathutil.IsAtOrBelow("/a", "/a"))
	assert.True(t, pathutil.IsAtOrBelow("/a", "/"))
	assert.False(t, pathutil.IsAtOrBelow("/ab", "/a"))
	assert.False(t, pathutil.IsBelow("/a", "/a"))
	assert.True(t, pathutil.IsBelow("/a/b", "/a"))
}
