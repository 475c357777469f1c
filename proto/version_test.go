package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseVersionFull(t *testing.T) {
	v := parseVersion("2.10.7")
	require.Equal(t, Version{Major: 2, Minor: 10, Patch: 7}, v)
}

func TestParseVersionDev(t *testing.T) {
	v := parseVersion("2.10.7-beta.3")
	require.Equal(t, Version{Major: 2, Minor: 10, Patch: 7, Dev: "beta.3"}, v)
}

// TestParseVersionBareMajor guards the off-by-one fix documented on
// parseVersion: a lone major component must not be silently dropped.
func TestParseVersionBareMajor(t *testing.T) {
	v := parseVersion("7")
	require.Equal(t, Version{Major: 7}, v)
}

func TestParseVersionMajorMinorOnly(t *testing.T) {
	v := parseVersion("7.2")
	require.Equal(t, Version{Major: 7, Minor: 2}, v)
}

func TestVersionString(t *testing.T) {
	require.Equal(t, "2.10.7", Version{Major: 2, Minor: 10, Patch: 7}.String())
	require.Equal(t, "2.10.7-beta.3", Version{Major: 2, Minor: 10, Patch: 7, Dev: "beta.3"}.String())
}

func TestVersionCompare(t *testing.T) {
	require.True(t, (Version{Major: 2, Minor: 9}).Less(Version{Major: 2, Minor: 10}))
	require.True(t, (Version{Major: 1, Minor: 99, Patch: 99}).Less(Version{Major: 2}))
	require.Equal(t, 0, (Version{Major: 2, Minor: 10, Patch: 7}).Compare(Version{Major: 2, Minor: 10, Patch: 7}))
	require.True(t, (Version{Major: 2, Minor: 10, Patch: 7, Dev: "alpha"}).Less(Version{Major: 2, Minor: 10, Patch: 7, Dev: "beta"}))
}

func TestDecodeInfoOptionalPointers(t *testing.T) {
	body := []byte(`{"server_id":"a","server_name":"a","version":"2.10.0","go":"go1.21","host":"h","port":4222,"headers":true,"proto":1,"jetstream":true,"connect_urls":["1.2.3.4:4222"]}`)
	info, err := decodeInfo(body)
	require.NoError(t, err)
	require.NotNil(t, info.JetStream)
	require.True(t, *info.JetStream)
	require.Equal(t, []string{"1.2.3.4:4222"}, info.ConnectURLs)
	require.Nil(t, info.MaxPayload)
}

func TestDecodeInfoRequiresAllMandatoryFields(t *testing.T) {
	for _, field := range []string{"server_id", "server_name", "version", "go", "host", "port", "headers", "proto"} {
		t.Run(field, func(t *testing.T) {
			full := map[string]interface{}{
				"server_id": "a", "server_name": "a", "version": "2.10.0",
				"go": "go1.21", "host": "h", "port": 4222, "headers": true, "proto": 1,
			}
			delete(full, field)
			body := mustJSON(t, full)
			_, err := decodeInfo(body)
			require.Error(t, err)
		})
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
