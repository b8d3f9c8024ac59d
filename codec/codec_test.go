package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "go-json", "gob", "scalar", "zstd+go-json", "lz4+go-json"} {
		c, ok := ByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, c.Name())
	}
	_, ok := ByName("msgpack")
	assert.False(t, ok)
}

func TestStructuredRoundTrip(t *testing.T) {
	type payload struct {
		Name  string
		Count int
		Tags  []string
	}
	in := payload{Name: "bid", Count: 3, Tags: []string{"a", "b"}}

	for _, c := range []Codec{JSON{}, GoJSON{}, Gob{}, NewZstd(GoJSON{}), NewLZ4(JSON{})} {
		data, err := c.Marshal(in)
		require.NoError(t, err, c.Name())

		var out payload
		require.NoError(t, c.Unmarshal(data, &out), c.Name())
		assert.Equal(t, in, out, c.Name())
	}
}

func TestScalar(t *testing.T) {
	c := Scalar{}

	data, err := c.Marshal(42.5)
	require.NoError(t, err)
	assert.Equal(t, "42.5", string(data))

	var f float64
	require.NoError(t, c.Unmarshal(data, &f))
	assert.Equal(t, 42.5, f)

	data, err = c.Marshal(int64(-7))
	require.NoError(t, err)
	var n int64
	require.NoError(t, c.Unmarshal(data, &n))
	assert.Equal(t, int64(-7), n)

	data, err = c.Marshal("plain")
	require.NoError(t, err)
	var s string
	require.NoError(t, c.Unmarshal(data, &s))
	assert.Equal(t, "plain", s)

	_, err = c.Marshal(struct{}{})
	assert.Error(t, err)
}

func TestScalarNil(t *testing.T) {
	c := Scalar{}
	data, err := c.Marshal(nil)
	require.NoError(t, err)
	assert.Nil(t, data)
}
