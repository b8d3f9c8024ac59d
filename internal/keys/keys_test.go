package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	assert.Equal(t, "ns:model:obj:7", Join("ns", "model", "obj", "7"))
	assert.Equal(t, "model:obj", Join("", "model", "obj"))
	assert.Equal(t, "", Join())
}

func TestObject(t *testing.T) {
	base := Base("ns", "user")
	assert.Equal(t, "ns:user", base)
	assert.Equal(t, "ns:user:obj:42", Object(base, "42"))
	assert.Equal(t, "ns:user:obj:*->age", ObjectPattern(base, "age"))
}

func TestTemp(t *testing.T) {
	base := Base("ns", "user")
	k1 := Temp(base)
	k2 := Temp(base)

	require.True(t, strings.HasPrefix(k1, "ns:user:tmp:"))
	assert.NotEqual(t, k1, k2)

	pattern := TempPattern(base)
	assert.Equal(t, "ns:user:tmp:*", pattern)
}

func TestUniqueID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := UniqueID()
		require.Len(t, id, 32)
		require.False(t, seen[id])
		seen[id] = true
	}
}
