package connectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

func TestCheckSize(t *testing.T) {
	// A 600 MiB provider-native file exceeds the 500 MiB export limit.
	err := checkSize("big.gdoc", 600<<20, true)
	require.Error(t, err)
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindFileTooLarge))

	// The same size passes as a plain binary.
	assert.NoError(t, checkSize("big.bin", 600<<20, false))

	// But 1001 MiB does not.
	err = checkSize("huge.bin", 1001<<20, false)
	require.Error(t, err)
	assert.True(t, quarryerr.IsKind(err, quarryerr.KindFileTooLarge))

	assert.NoError(t, checkSize("small.gdoc", 500<<20, true))
}

func TestDownloadTimeout(t *testing.T) {
	// 10s per MiB clamped to [60s, 300s].
	assert.Equal(t, 60*time.Second, downloadTimeout(0))
	assert.Equal(t, 60*time.Second, downloadTimeout(1<<20))
	assert.Equal(t, 100*time.Second, downloadTimeout(10<<20))
	assert.Equal(t, 300*time.Second, downloadTimeout(40<<20))
	assert.Equal(t, 300*time.Second, downloadTimeout(1<<30))
}

func TestSelectionAllowsMime(t *testing.T) {
	supported := map[string]bool{"application/pdf": true, "text/plain": true}

	var s Selection
	assert.True(t, s.allowsMime("application/pdf", supported))
	assert.False(t, s.allowsMime("image/png", supported))

	include := Selection{IncludeMimeTypes: []string{"image/png"}}
	assert.True(t, include.allowsMime("image/png", supported))
	assert.False(t, include.allowsMime("application/pdf", supported), "include overrides the default set")

	exclude := Selection{ExcludeMimeTypes: []string{"application/pdf"}}
	assert.False(t, exclude.allowsMime("application/pdf", supported))
	assert.True(t, exclude.allowsMime("text/plain", supported))

	both := Selection{
		IncludeMimeTypes: []string{"application/pdf"},
		ExcludeMimeTypes: []string{"application/pdf"},
	}
	assert.False(t, both.allowsMime("application/pdf", supported), "exclude always wins")
}

func TestSelectionInScope(t *testing.T) {
	var open Selection
	assert.True(t, open.inScope("anything"))

	pinned := Selection{FileIDs: []string{"f1", "f2"}}
	assert.True(t, pinned.inScope("f1"))
	assert.False(t, pinned.inScope("f3"))
}

func TestPageTokenFromResourceURI(t *testing.T) {
	assert.Equal(t, "42",
		pageTokenFromResourceURI("https://www.googleapis.com/drive/v3/changes?alt=json&pageToken=42"))
	assert.Equal(t, "", pageTokenFromResourceURI("https://example.com/changes"))
	assert.Equal(t, "", pageTokenFromResourceURI(""))
}

func TestAclFromPermissions(t *testing.T) {
	acl := aclFromPermissions([]Permission{
		{Type: "user", ID: "id1", Email: "a@example.com", Role: "reader"},
		{Type: "user", ID: "id2", Role: "writer"},
		{Type: "group", Email: "eng@example.com", Role: "reader"},
		{Type: "domain", ID: "example.com"},
	})
	require.NotNil(t, acl)
	assert.Equal(t, []string{"a@example.com", "id2"}, acl.AllowedUsers)
	assert.Equal(t, []string{"eng@example.com"}, acl.AllowedGroups)
	assert.Equal(t, "reader", acl.UserPermissions["a@example.com"])

	assert.Nil(t, aclFromPermissions(nil))
}
