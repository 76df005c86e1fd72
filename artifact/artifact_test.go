package artifact

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tplusa/updata/version"
)

const manifestBody = `systemd-245.2-r0.core2_64 systemd 245.2 r0
updata-0.9.3-r3.noarch updata 0.9.3 r3
streamplayer-2.1.0-r1.core2_64 streamplayer 2.1.0 r1
`

func newServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, ok := routes[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(body))
		}))
	t.Cleanup(server.Close)

	return server
}

func TestReadLatest(t *testing.T) {
	server := newServer(t, map[string]string{
		"/latest.txt": "V2.3.4\n",
		"/broken.txt": "not a version",
	})
	client := NewClient()

	v, err := client.ReadLatest(server.URL+"/latest.txt", "latest.txt")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.Equal(version.MustParse("2.3.4")))

	// missing and malformed files are "not present", not errors
	v, err = client.ReadLatest(server.URL+"/missing.txt", "latest.txt")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = client.ReadLatest(server.URL+"/broken.txt", "latest.txt")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestReadLatestConnectionFailure(t *testing.T) {
	client := NewClient()
	_, err := client.ReadLatest("http://127.0.0.1:1/latest.txt", "latest.txt")
	require.Error(t, err)
}

func TestReadCompatibility(t *testing.T) {
	server := newServer(t, map[string]string{
		"/compat.json": `{
			"compatibility": {"3-r0": ["3.*.*", "3.*.*.*"]},
			"rank": ["3-r0"]
		}`,
	})
	client := NewClient()

	doc, err := client.ReadCompatibility(server.URL + "/compat.json")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, []string{"3-r0"}, doc.Rank)

	doc, err = client.ReadCompatibility(server.URL + "/missing.json")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestEnsureURLExists(t *testing.T) {
	server := newServer(t, map[string]string{
		"/present.bin": "payload",
	})
	client := NewClient()

	assert.NoError(t, client.EnsureURLExists(server.URL+"/present.bin"))
	assert.Error(t, client.EnsureURLExists(server.URL+"/absent.bin"))
}

func TestManifest(t *testing.T) {
	server := newServer(t, map[string]string{
		"/V2.3.4.version": manifestBody,
	})
	client := NewClient()

	entries, err := client.Manifest(server.URL + "/V2.3.4.version")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, ManifestEntry{
		NVRA:    "updata-0.9.3-r3.noarch",
		Name:    "updata",
		Version: "0.9.3",
	}, entries[1])
}

func TestManifestMissing(t *testing.T) {
	server := newServer(t, nil)
	_, err := NewClient().Manifest(server.URL + "/V0.0.0.version")
	require.Error(t, err)
}

func TestManifestMalformed(t *testing.T) {
	server := newServer(t, map[string]string{
		"/bad.version": "short line\n",
	})
	_, err := NewClient().Manifest(server.URL + "/bad.version")
	require.Error(t, err)
}

func TestManifestPackageIDs(t *testing.T) {
	server := newServer(t, map[string]string{
		"/V2.3.4.version": manifestBody,
	})

	ids, err := NewClient().ManifestPackageIDs(server.URL + "/V2.3.4.version")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"systemd-245.2-r0.core2_64",
		"updata-0.9.3-r3.noarch",
		"streamplayer-2.1.0-r1.core2_64",
	}, ids)
}
