package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg := DefaultRegistry()

	require.NotNil(t, reg.GetEntity("user"))
	require.NotNil(t, reg.GetEntity("listing"))
	require.NotNil(t, reg.GetEntity("transaction"))
	assert.Nil(t, reg.GetEntity("review"))

	assert.True(t, reg.AllowsAction("transaction", ActionUpdate))
	assert.False(t, reg.AllowsAction("transaction", ActionDelete))
	assert.True(t, reg.AllowsAction("user", ActionDelete))
	assert.False(t, reg.AllowsAction("review", ActionGet))
	assert.True(t, reg.IsRelation("loginAs"))
	assert.False(t, reg.IsRelation("user"))
}

func TestRegistry_Entities(t *testing.T) {
	var names []string
	for _, d := range DefaultRegistry().Entities() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"listing", "transaction", "user"}, names)
	assert.Empty(t, NewRegistry().Entities())
}

func TestIsReserved(t *testing.T) {
	for _, k := range []string{"all", "individual", "permissions", "customCheck"} {
		assert.True(t, IsReserved(k), k)
	}
	assert.False(t, IsReserved("user"))
}

func TestValidateRequired(t *testing.T) {
	reg := DefaultRegistry()
	valid := []string{
		`{"user": {"permissions": ["get"]}}`,
		`{"user": {"loginAs": {"individual": {"transaction": {"permissions": ["get"]}}}}}`,
		`{"individual": {"listing": {"permissions": ["update", "delete"]}}}`,
		`{"6639d48a": {"transaction": {"permissions": ["get"]}}}`,
		`{"user": {"loginAs": {"6639d48a": {"permissions": ["get"]}}}}`,
	}
	for _, src := range valid {
		n, err := ParseNode([]byte(src))
		require.NoError(t, err)
		assert.NoError(t, reg.ValidateRequired(n), src)
	}

	invalid := map[string]string{
		`{"transaction": {"permissions": ["delete"]}}`:                          "transaction",
		`{"user": {"loginAs": {"all": {"listing": {"permissions": ["post"]}}}}}`: "user.loginAs.all.listing",
		`{"individual": {"permissions": ["get"]}}`:                              "individual",
		`{"user": {"loginAs": {"permissions": ["get"]}}}`:                       "user.loginAs",
		`{"transactoin": {"permissions": ["delete"]}}`:                          "unknown entity",
		`{"user": {"profile": {"permissions": ["get"]}}}`:                       "user.profile",
	}
	for src, path := range invalid {
		n, err := ParseNode([]byte(src))
		require.NoError(t, err)
		err = reg.ValidateRequired(n)
		require.Error(t, err, src)
		assert.Contains(t, err.Error(), path)
	}
}
