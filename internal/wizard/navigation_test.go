package wizard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNavigator_LinearAdvance(t *testing.T) {
	for _, i := range []StepID{StepBankVerification, StepRiskAssessment} {
		n := Navigator{Current: i, Previous: i}
		got := n.Advance(false)
		assert.Equal(t, i+1, got.Current, "advance from %s", i)
		assert.Equal(t, i, got.Previous, "previous after advance from %s", i)
	}
}

func TestNavigator_AdvancePastLastStepReachesSummary(t *testing.T) {
	n := Navigator{Current: StepIdentification, Previous: StepRiskAssessment}
	got := n.Advance(false)
	assert.Equal(t, SummaryIndex, got.Current)
	assert.Equal(t, StepSummary, got.Component())
}

func TestNavigator_SkipToSummary(t *testing.T) {
	for _, i := range Steps() {
		n := Navigator{Current: i, Previous: StepBankVerification}
		got := n.Advance(true)
		assert.Equal(t, SummaryIndex, got.Current, "skip from %s", i)
		assert.Equal(t, i, got.Previous, "previous after skip from %s", i)
	}
}

func TestNavigator_AdvanceFromSummaryStaysOnSummary(t *testing.T) {
	n := Navigator{Current: StepSummary, Previous: StepRiskAssessment}
	got := n.Advance(false)
	assert.Equal(t, StepSummary, got.Current)
}

func TestNavigator_SingleHopRetreat(t *testing.T) {
	tests := []struct {
		name string
		from StepID
	}{
		{"from bank verification", StepBankVerification},
		{"from risk assessment", StepRiskAssessment},
		{"from identification", StepIdentification},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Navigator{Current: tt.from, Previous: tt.from}.Advance(false)

			once := n.Retreat()
			assert.Equal(t, tt.from, once.Current)

			twice := once.Retreat()
			assert.Equal(t, tt.from, twice.Current, "second retreat must be a no-op")
			assert.False(t, twice.CanRetreat())
		})
	}
}

func TestNavigator_RetreatAfterSkipReturnsToSkippingStep(t *testing.T) {
	n := NewNavigator().Advance(false).Advance(true)
	assert.Equal(t, StepSummary, n.Current)

	n = n.Retreat()
	assert.Equal(t, StepRiskAssessment, n.Current)

	n = n.Retreat()
	assert.Equal(t, StepRiskAssessment, n.Current)

	n = n.Advance(false)
	assert.Equal(t, StepIdentification, n.Current)
	assert.True(t, n.CanRetreat(), "advance restores the one-hop memory")
}

func TestNavigator_RetreatOnFirstStepIsNoop(t *testing.T) {
	n := NewNavigator()
	assert.Equal(t, n, n.Retreat())
	assert.False(t, n.CanRetreat())
}

func TestNavigator_RetreatWithoutMemoryDecrements(t *testing.T) {
	n := Navigator{Current: StepIdentification, Previous: StepIdentification}
	got := n.Retreat()
	assert.Equal(t, StepRiskAssessment, got.Current)
	assert.Equal(t, got, got.Retreat())
}

func TestNavigator_Component(t *testing.T) {
	assert.Equal(t, StepRiskAssessment, Navigator{Current: StepRiskAssessment}.Component())
	assert.Equal(t, StepSummary, Navigator{Current: StepSummary}.Component())
	assert.Equal(t, StepSummary, Navigator{Current: StepSummary + 3}.Component())
}
