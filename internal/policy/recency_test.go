package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func days(n int) *int { return &n }

func TestRecencyPolicy_MandatoryOverridesTooOld(t *testing.T) {
	p := NewRecencyPolicy()
	decision := p.Enforce(CategoryNews, days(365))
	require.NotNil(t, decision.RecencyDays)
	require.Equal(t, 1, *decision.RecencyDays)
	require.True(t, decision.Enforced)
}

func TestRecencyPolicy_Forbidden(t *testing.T) {
	p := NewRecencyPolicy()
	decision := p.Enforce(CategoryHistorical, days(7))
	require.Nil(t, decision.RecencyDays)
	require.True(t, decision.Enforced)
}

func TestRecencyPolicy_ForbiddenNoRequestNotEnforced(t *testing.T) {
	p := NewRecencyPolicy()
	decision := p.Enforce(CategoryHistorical, nil)
	require.Nil(t, decision.RecencyDays)
	require.False(t, decision.Enforced)
}

func TestRecencyPolicy_Recommended(t *testing.T) {
	p := NewRecencyPolicy()
	decision := p.Enforce(CategoryTutorials, nil)
	require.NotNil(t, decision.RecencyDays)
	require.Equal(t, 90, *decision.RecencyDays)
}

func TestRecencyPolicy_ValidateOverride(t *testing.T) {
	p := NewRecencyPolicy()
	require.False(t, p.ValidateOverride(CategoryNews, days(365), "a very good and thorough reason indeed"))
	require.True(t, p.ValidateOverride(CategoryTutorials, days(730), "a very good and thorough reason indeed"))
	require.False(t, p.ValidateOverride(CategoryTutorials, days(730), "short"))
	require.False(t, p.ValidateOverride(CategoryGeneral, nil, ""))
}

func TestClassify(t *testing.T) {
	require.Equal(t, CategoryNews, Classify("новости про AI сегодня"))
	require.Equal(t, CategoryHistorical, Classify("когда был основан Рим"))
	require.Equal(t, CategoryWeather, Classify("what is the weather forecast"))
	require.Equal(t, CategoryGeneral, Classify("расскажи анекдот"))
}

func TestRecencyPolicy_InvariantBounds(t *testing.T) {
	p := NewRecencyPolicy()
	for _, cat := range []SearchCategory{CategoryNews, CategoryWeather, CategoryTransport, CategoryStocks, CategorySports} {
		decision := p.Enforce(cat, nil)
		require.NotNil(t, decision.RecencyDays)
		require.LessOrEqual(t, *decision.RecencyDays, decision.MaxDays)
	}
}
