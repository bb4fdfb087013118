// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityDefined(t *testing.T) {
	for name, v := range map[string]string{
		"Version":      Version,
		"Product":      Product,
		"Manufacturer": Manufacturer,
	} {
		assert.NotEmpty(t, v, name)
		assert.Less(t, len(v), 100, name)
	}
}

func TestVersionNotPlaceholder(t *testing.T) {
	for _, placeholder := range []string{"TODO", "FIXME", "XXX", "placeholder"} {
		assert.NotEqual(t, placeholder, Version)
	}
}

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, Product+" "))
	assert.Contains(t, s, Version)
}
