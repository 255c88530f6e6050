// Package normalize maps heterogeneous asset references and want
// specifications into comparable keys, categories and value estimates. All
// functions are pure; validation failures carry the VALIDATION code.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// Key folds a free-form identifier into its comparable form: NFKC
// normalization, lower-casing and whitespace collapse. Two references to the
// same asset or category always fold to the same key.
func Key(raw string) string {
	folded := norm.NFKC.String(raw)
	folded = strings.ToLower(strings.TrimSpace(folded))
	return strings.Join(strings.Fields(folded), " ")
}

// Intent validates and folds an intent in place. It is called once on
// submission; intents that fail never enter the compatibility graph.
func Intent(in *contracts.SwapIntent) error {
	if in.ID == "" || in.ActorID == "" {
		return contracts.Errf(contracts.CodeValidation, "intent requires id and actor_id")
	}
	if len(in.Offer) == 0 {
		return contracts.Errf(contracts.CodeValidation, "intent %s offers no assets", in.ID)
	}
	if len(in.Want.AssetIDs) == 0 && len(in.Want.Categories) == 0 {
		return contracts.Errf(contracts.CodeValidation, "intent %s wants nothing", in.ID)
	}
	if in.ValueBand.MinValue < 0 || in.ValueBand.MaxValue < in.ValueBand.MinValue {
		return contracts.Errf(contracts.CodeValidation,
			"intent %s has inverted value band [%d,%d]", in.ID, in.ValueBand.MinValue, in.ValueBand.MaxValue)
	}
	if in.Trust.MinCounterpartyReliability < 0 || in.Trust.MinCounterpartyReliability > 1 {
		return contracts.Errf(contracts.CodeValidation,
			"intent %s reliability floor %.3f outside [0,1]", in.ID, in.Trust.MinCounterpartyReliability)
	}
	if in.Trust.MaxCycleLength < 0 || in.Trust.MaxCycleLength == 1 {
		return contracts.Errf(contracts.CodeValidation,
			"intent %s max cycle length %d is not satisfiable", in.ID, in.Trust.MaxCycleLength)
	}
	for i := range in.Offer {
		a := &in.Offer[i]
		if a.ID == "" {
			return contracts.Errf(contracts.CodeValidation, "intent %s offer asset %d has no id", in.ID, i)
		}
		if a.EstimatedValue < 0 {
			return contracts.Errf(contracts.CodeValidation,
				"intent %s asset %s has negative value", in.ID, a.ID)
		}
		a.ID = Key(a.ID)
		a.Category = Key(a.Category)
		a.Attributes = foldAttributes(a.Attributes)
	}
	for i := range in.Want.AssetIDs {
		in.Want.AssetIDs[i] = Key(in.Want.AssetIDs[i])
	}
	for i := range in.Want.Categories {
		c := &in.Want.Categories[i]
		if c.Category == "" {
			return contracts.Errf(contracts.CodeValidation,
				"intent %s category constraint %d has no category", in.ID, i)
		}
		c.Category = Key(c.Category)
		c.Attributes = foldAttributes(c.Attributes)
	}
	return nil
}

func foldAttributes(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[Key(k)] = Key(v)
	}
	return out
}

// Match describes how an offer satisfied a want, in plain terms suitable for
// a score trace.
type Match struct {
	Target string
	Assets []contracts.AssetRef
}

// Satisfies reports whether the offer set satisfies at least one element of
// the want spec. The returned match names the element that matched. Inputs
// must already be folded.
func Satisfies(want contracts.WantSpec, offer []contracts.AssetRef) (Match, bool) {
	for _, id := range want.AssetIDs {
		for _, a := range offer {
			if a.ID == id {
				return Match{Target: "asset:" + id, Assets: []contracts.AssetRef{a}}, true
			}
		}
	}
	for _, c := range want.Categories {
		for _, a := range offer {
			if a.Category != c.Category {
				continue
			}
			if attributesContain(a.Attributes, c.Attributes) {
				return Match{Target: categoryTarget(c), Assets: []contracts.AssetRef{a}}, true
			}
		}
	}
	return Match{}, false
}

func attributesContain(have, need map[string]string) bool {
	for k, v := range need {
		if have[k] != v {
			return false
		}
	}
	return true
}

func categoryTarget(c contracts.CategoryConstraint) string {
	if len(c.Attributes) == 0 {
		return "category:" + c.Category
	}
	parts := make([]string, 0, len(c.Attributes))
	for k, v := range c.Attributes {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	// Deterministic trace text regardless of map order.
	sort.Strings(parts)
	return "category:" + c.Category + " " + strings.Join(parts, ",")
}
