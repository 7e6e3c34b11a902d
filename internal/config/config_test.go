package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFallsBackToDefaultsWhenNotLoaded(t *testing.T) {
	restore := SetForTest(nil)
	defer restore()

	c := Get()
	assert.Equal(t, defaultHost, c.Host)
	assert.Equal(t, defaultPort, c.Port)
	assert.Equal(t, CloakAuto, c.CloakMode)
}

func TestSetForTestInstallsAndRestores(t *testing.T) {
	original := Get()

	restore := SetForTest(&Config{AdminUsername: "admin", AdminPassword: "pw", Host: "0.0.0.0", Port: 9000})
	assert.Equal(t, "0.0.0.0", Get().Host)
	assert.Equal(t, 9000, Get().Port)

	restore()
	assert.Equal(t, original, Get())
}

func TestAddrUsesConfiguredHostAndPort(t *testing.T) {
	restore := SetForTest(&Config{Host: "127.0.0.1", Port: 4096})
	defer restore()
	assert.Equal(t, "127.0.0.1:4096", Addr())
}

func TestValidateRequiresAdminCredentials(t *testing.T) {
	restore := SetForTest(&Config{Port: defaultPort})
	defer restore()
	assert.Error(t, Validate())
}

func TestValidateNormalizesInvalidCloakMode(t *testing.T) {
	restore := SetForTest(&Config{AdminUsername: "a", AdminPassword: "b", Port: defaultPort, CloakMode: "bogus"})
	defer restore()
	assert.NoError(t, Validate())
	assert.Equal(t, CloakAuto, Get().CloakMode)
}
