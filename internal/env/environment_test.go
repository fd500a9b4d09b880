package env

import (
	"testing"

	"github.com/privacydam/deploy/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hostRef = token.Ref{Type: "aws:EC2.Instance", Name: "mgmt", Attr: "privateIp"}

func fixedHost(ip string) token.Resolver {
	return token.ResolverFunc(func(token.Ref) (string, error) { return ip, nil })
}

func TestDSN(t *testing.T) {
	v := DSN(token.Resolved("10.0.0.5"), "admin", "secret", "app")
	s, ok := v.Literal()
	require.True(t, ok)
	assert.Equal(t, "admin:secret@tcp(10.0.0.5:3306)/app", s)
}

func TestDSNDeferredHost(t *testing.T) {
	v := DSN(token.Deferred(hostRef), "admin", "secret", "app")
	assert.False(t, v.IsResolved())
	assert.Equal(t, []token.Ref{hostRef}, v.Refs())

	s, err := v.Materialize(fixedHost("10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, "admin:secret@tcp(10.0.0.5:3306)/app", s)
}

func TestOPAEndpoint(t *testing.T) {
	t.Run("derived when empty", func(t *testing.T) {
		v := OPAEndpoint("", token.Resolved("10.0.0.5"))
		s, ok := v.Literal()
		require.True(t, ok)
		assert.Equal(t, "http://10.0.0.5:4001/authentication/user", s)
	})

	t.Run("explicit kept", func(t *testing.T) {
		v := OPAEndpoint("http://existing/x", token.Deferred(hostRef))
		s, ok := v.Literal()
		require.True(t, ok)
		assert.Equal(t, "http://existing/x", s)
	})

	t.Run("derived from deferred host", func(t *testing.T) {
		v := OPAEndpoint("", token.Deferred(hostRef))
		s, err := v.Materialize(fixedHost("10.0.0.5"))
		require.NoError(t, err)
		assert.Equal(t, "http://10.0.0.5:4001/authentication/user", s)
	})
}

func TestBuilderLastWriteWins(t *testing.T) {
	b := NewBuilder().
		SetString(KeyQueue, "first").
		SetString(KeyBucket, "bucket").
		SetString(KeyQueue, "second")

	e := b.Freeze()
	v, ok := e.Get(KeyQueue)
	require.True(t, ok)
	s, _ := v.Literal()
	assert.Equal(t, "second", s)
	assert.Equal(t, []string{KeyQueue, KeyBucket}, e.Keys())
}

func TestBuilderIsAValue(t *testing.T) {
	base := NewBuilder().SetString("A", "1")
	extended := base.SetString("B", "2")

	_, ok := base.Get("B")
	assert.False(t, ok)
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, 2, extended.Len())
}

func TestFreezeIsImmutable(t *testing.T) {
	b := NewBuilder().SetString("A", "1")
	frozen := b.Freeze()

	_ = b.SetString("A", "2").SetString("B", "3")

	keys := frozen.Keys()
	keys[0] = "mutated"
	assert.Equal(t, []string{"A"}, frozen.Keys())
	v, _ := frozen.Get("A")
	s, _ := v.Literal()
	assert.Equal(t, "1", s)
}

func TestMergeSortedAndOverrides(t *testing.T) {
	b := NewBuilder().
		Merge(map[string]string{"ZED": "z", "ALPHA": "a", KeyQueue: "config"}).
		SetString(KeyQueue, "assembled")

	e := b.Freeze()
	assert.Equal(t, []string{"ALPHA", KeyQueue, "ZED"}, e.Keys())
	v, _ := e.Get(KeyQueue)
	s, _ := v.Literal()
	assert.Equal(t, "assembled", s)
}

func TestEncodedAndMaterialize(t *testing.T) {
	e := NewBuilder().
		SetString(KeyQueue, "q.fifo").
		Set(KeyDSN, DSN(token.Deferred(hostRef), "u", "p", "db")).
		Freeze()

	enc := e.Encoded()
	assert.Equal(t, "q.fifo", enc[KeyQueue])
	assert.Equal(t, "u:p@tcp(${ptr://aws:EC2.Instance/mgmt/privateIp}:3306)/db", enc[KeyDSN])
	assert.Equal(t, []token.Ref{hostRef}, e.Refs())

	out, err := e.Materialize(fixedHost("10.1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyQueue: "q.fifo", KeyDSN: "u:p@tcp(10.1.2.3:3306)/db"}, out)

	_, err = e.Materialize(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyDSN)
}
