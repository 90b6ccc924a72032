package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidSlug(t *testing.T) {
	valid := []string{"acme", "acme-corp", "a1b2c3", "tenant-42"}
	for _, s := range valid {
		assert.True(t, IsValidSlug(s), "expected valid: %s", s)
	}

	invalid := []string{"", "ab", "-acme", "acme-", "Acme", "acme_corp", "a.b.c"}
	for _, s := range invalid {
		assert.False(t, IsValidSlug(s), "expected invalid: %s", s)
	}
}

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("ops@acme.example"))
	assert.True(t, IsValidEmail("first.last+tag@sub.domain.io"))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail("a@b"))
	assert.False(t, IsValidEmail("a b@c.d"))
}

func TestIsValidDomain(t *testing.T) {
	assert.True(t, IsValidDomain("acme.example.com"))
	assert.True(t, IsValidDomain("shop.acme.io"))
	assert.False(t, IsValidDomain("localhost"))
	assert.False(t, IsValidDomain("-bad.example.com"))
	assert.False(t, IsValidDomain(""))
}

func TestIsValidIPOrCIDR(t *testing.T) {
	assert.True(t, IsValidIPOrCIDR("10.0.0.1"))
	assert.True(t, IsValidIPOrCIDR("10.0.0.0/8"))
	assert.True(t, IsValidIPOrCIDR("2001:db8::1"))
	assert.False(t, IsValidIPOrCIDR("10.0.0.999"))
	assert.False(t, IsValidIPOrCIDR("not-an-ip"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestSanitizeSlug(t *testing.T) {
	assert.Equal(t, "acme", SanitizeSlug("  ACME "))
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		ValidSlug("slug", "Bad Slug"),
		ValidEmail("email", "nope"),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "name", errs[0].Field)
	assert.Contains(t, errs.Error(), "name")
}

func TestValidate_NoErrors(t *testing.T) {
	errs := Validate(
		Required("name", "Acme"),
		ValidSlug("slug", "acme"),
		ValidEmail("email", "ops@acme.example"),
		PositiveInt("max_requests", 100),
		IntBetween("time_window_seconds", 3600, 1, 86400),
	)
	assert.Empty(t, errs)
}

func TestIntBetween(t *testing.T) {
	assert.NotNil(t, IntBetween("w", 0, 1, 86400)())
	assert.NotNil(t, IntBetween("w", 86401, 1, 86400)())
	assert.Nil(t, IntBetween("w", 1, 1, 86400)())
	assert.Nil(t, IntBetween("w", 86400, 1, 86400)())
}
