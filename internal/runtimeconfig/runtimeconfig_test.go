package runtimeconfig

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterSetGet(t *testing.T) {
	s := New()
	err := s.Register([]Item{
		{Key: "enabled", Type: Boolean, Default: false},
		{Key: "retries", Type: Integer, Default: int64(3)},
	}, "module", "x")
	require.NoError(t, err)

	v, err := s.Get("module.x.enabled")
	require.NoError(t, err)
	require.Equal(t, false, v)

	require.NoError(t, s.Set("module.x.enabled", "yes"))
	b, err := s.GetBool("module.x.enabled")
	require.NoError(t, err)
	require.True(t, b)
}

func TestSetUnknownKeyFails(t *testing.T) {
	s := New()
	err := s.Set("nope", "1")
	require.Error(t, err)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "nope", ce.Key)
}

func TestSetBadIntegerFails(t *testing.T) {
	s := New()
	require.NoError(t, s.Register([]Item{{Key: "retries", Type: Integer}}, "module", "x"))

	err := s.Set("module.x.retries", "abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "module.x.retries")
	require.Contains(t, err.Error(), "abc")
}

func TestEmailCoercion(t *testing.T) {
	s := New()
	require.NoError(t, s.Register([]Item{{Key: "to", Type: Email}}, "handler", "mail"))
	require.NoError(t, s.Set("handler.mail.to", "Ops@Example.COM"))
	v, err := s.Get("handler.mail.to")
	require.NoError(t, err)
	require.Equal(t, "Ops@Example.COM", v)

	require.Error(t, s.Set("handler.mail.to", "not-an-email"))
}

func TestDumpAndList(t *testing.T) {
	s := New()
	require.NoError(t, s.Register([]Item{{Key: "a", Type: String, Default: "x"}}, "p", ""))
	require.ElementsMatch(t, []string{"p.a"}, s.List())
	dump := s.Dump()
	require.Len(t, dump, 1)
	require.Equal(t, "p.a", dump[0].Key)
}
