package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := New()
	v, ok := c.Get("SCR_COPY_TYPE")
	require.True(t, ok)
	require.Equal(t, "XOR", v)
	require.Equal(t, 8, c.GetInt("SCR_SET_SIZE", -1))
	require.False(t, c.GetBool("SCR_FLUSH_ASYNC"))
}

func TestSetOverridesValue(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("SCR_COPY_TYPE=RS"))
	v, _ := c.Get("SCR_COPY_TYPE")
	require.Equal(t, "RS", v)
}

func TestSetWithSubkeys(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("STORE=/ssd COUNT=2 GROUP=NODE"))
	v, ok := c.Get("STORE")
	require.True(t, ok)
	require.Equal(t, "/ssd", v)
	sub := c.SubKeys("STORE")
	require.Equal(t, "2", sub["COUNT"])
	require.Equal(t, "NODE", sub["GROUP"])
}

func TestBareKeyQueryDoesNotMutate(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("SCR_DEBUG"))
	v, _ := c.Get("SCR_DEBUG")
	require.Equal(t, "0", v)
}

func TestMalformedSubkeyErrors(t *testing.T) {
	c := New()
	err := c.Set("STORE=/ssd BADFIELD")
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := New()
	b := New()
	require.True(t, a.Equal(b))
	require.NoError(t, b.Set("SCR_COPY_TYPE=SINGLE"))
	require.False(t, a.Equal(b))
}
