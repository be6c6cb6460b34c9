package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateEventFilter_NumericComparison(t *testing.T) {
	data := map[string]interface{}{"amount": 250.0}
	assert.True(t, EvaluateEventFilter(data, "$.amount > 100"))
	assert.False(t, EvaluateEventFilter(data, "$.amount < 100"))
	assert.True(t, EvaluateEventFilter(data, "$.amount >= 250"))
}

func TestEvaluateEventFilter_StringEquality(t *testing.T) {
	data := map[string]interface{}{"status": "approved"}
	assert.True(t, EvaluateEventFilter(data, "$.status == 'approved'"))
	assert.False(t, EvaluateEventFilter(data, "$.status == 'rejected'"))
}

func TestEvaluateEventFilter_EmptyFilterMatches(t *testing.T) {
	assert.True(t, EvaluateEventFilter(map[string]interface{}{}, ""))
}

func TestEvaluateEventFilter_UnresolvedLeftDefaultsToMatch(t *testing.T) {
	data := map[string]interface{}{}
	assert.True(t, EvaluateEventFilter(data, "$.missing == 'x'"), "an unresolved path must default to match per the log-and-match contract")
}

func TestEvaluateEventFilter_UnparsableFilterDefaultsToMatch(t *testing.T) {
	data := map[string]interface{}{"a": 1.0}
	assert.True(t, EvaluateEventFilter(data, "not a comparison at all"))
}

func TestEvaluateEventFilter_GreaterEqualNotMisparsedAsGreater(t *testing.T) {
	data := map[string]interface{}{"amount": 100.0}
	assert.True(t, EvaluateEventFilter(data, "$.amount >= 100"))
}
