package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

func TestKeyFolding(t *testing.T) {
	assert.Equal(t, "vintage guitar", Key("  Vintage  GUITAR "))
	assert.Equal(t, Key("Café"), Key("Café"))
	assert.Equal(t, "", Key("   "))
}

func validIntent() *contracts.SwapIntent {
	return &contracts.SwapIntent{
		ID:      "int-1",
		ActorID: "actor-1",
		Offer: []contracts.AssetRef{
			{ID: "Guitar-01", Category: "Instruments", EstimatedValue: 50_000},
		},
		Want: contracts.WantSpec{
			Categories: []contracts.CategoryConstraint{
				{Category: "Vinyl", Attributes: map[string]string{"Genre": "Jazz"}},
			},
		},
		ValueBand: contracts.ValueBand{MinValue: 40_000, MaxValue: 60_000, PricingSource: "bluebook"},
		Trust:     contracts.TrustConstraints{MinCounterpartyReliability: 0.5, MaxCycleLength: 4},
	}
}

func TestIntentFoldsKeys(t *testing.T) {
	in := validIntent()
	require.NoError(t, Intent(in))
	assert.Equal(t, "guitar-01", in.Offer[0].ID)
	assert.Equal(t, "instruments", in.Offer[0].Category)
	assert.Equal(t, "vinyl", in.Want.Categories[0].Category)
	assert.Equal(t, map[string]string{"genre": "jazz"}, in.Want.Categories[0].Attributes)
}

func TestIntentValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*contracts.SwapIntent)
	}{
		{"missing actor", func(i *contracts.SwapIntent) { i.ActorID = "" }},
		{"empty offer", func(i *contracts.SwapIntent) { i.Offer = nil }},
		{"empty want", func(i *contracts.SwapIntent) { i.Want = contracts.WantSpec{} }},
		{"inverted band", func(i *contracts.SwapIntent) { i.ValueBand.MinValue = 100; i.ValueBand.MaxValue = 10 }},
		{"reliability out of range", func(i *contracts.SwapIntent) { i.Trust.MinCounterpartyReliability = 1.5 }},
		{"cycle length one", func(i *contracts.SwapIntent) { i.Trust.MaxCycleLength = 1 }},
		{"negative asset value", func(i *contracts.SwapIntent) { i.Offer[0].EstimatedValue = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validIntent()
			tc.mutate(in)
			err := Intent(in)
			require.Error(t, err)
			assert.Equal(t, contracts.CodeValidation, contracts.CodeOf(err))
		})
	}
}

func TestSatisfiesExactAsset(t *testing.T) {
	want := contracts.WantSpec{AssetIDs: []string{"guitar-01"}}
	offer := []contracts.AssetRef{{ID: "guitar-01", Category: "instruments"}}

	m, ok := Satisfies(want, offer)
	require.True(t, ok)
	assert.Equal(t, "asset:guitar-01", m.Target)
}

func TestSatisfiesCategoryAttributes(t *testing.T) {
	want := contracts.WantSpec{Categories: []contracts.CategoryConstraint{
		{Category: "vinyl", Attributes: map[string]string{"genre": "jazz"}},
	}}

	_, ok := Satisfies(want, []contracts.AssetRef{
		{ID: "lp-1", Category: "vinyl", Attributes: map[string]string{"genre": "rock"}},
	})
	assert.False(t, ok)

	m, ok := Satisfies(want, []contracts.AssetRef{
		{ID: "lp-2", Category: "vinyl", Attributes: map[string]string{"genre": "jazz", "era": "60s"}},
	})
	require.True(t, ok)
	assert.Equal(t, "category:vinyl genre=jazz", m.Target)
	assert.Equal(t, "lp-2", m.Assets[0].ID)
}
