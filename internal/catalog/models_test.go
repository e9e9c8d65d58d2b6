package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExperimentValidate(t *testing.T) {
	tests := []struct {
		name    string
		exp     Experiment
		wantErr bool
	}{
		{
			name: "running experiment with full split",
			exp: Experiment{
				ID:     "e1",
				Status: ExperimentRunning,
				Variants: []Variant{
					{ID: "a", TrafficPercentage: 50, IsControl: true},
					{ID: "b", TrafficPercentage: 50},
				},
			},
		},
		{
			name: "draft may have a partial split",
			exp: Experiment{
				ID:       "e1",
				Status:   ExperimentDraft,
				Variants: []Variant{{ID: "a", TrafficPercentage: 10}},
			},
		},
		{
			name: "running split must sum to 100",
			exp: Experiment{
				ID:     "e1",
				Status: ExperimentRunning,
				Variants: []Variant{
					{ID: "a", TrafficPercentage: 50, IsControl: true},
					{ID: "b", TrafficPercentage: 40},
				},
			},
			wantErr: true,
		},
		{
			name:    "running experiment needs variants",
			exp:     Experiment{ID: "e1", Status: ExperimentRunning},
			wantErr: true,
		},
		{
			name: "at most one control",
			exp: Experiment{
				ID:     "e1",
				Status: ExperimentDraft,
				Variants: []Variant{
					{ID: "a", TrafficPercentage: 50, IsControl: true},
					{ID: "b", TrafficPercentage: 50, IsControl: true},
				},
			},
			wantErr: true,
		},
		{
			name: "share out of range",
			exp: Experiment{
				ID:       "e1",
				Status:   ExperimentDraft,
				Variants: []Variant{{ID: "a", TrafficPercentage: 120}},
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.exp.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExperimentLookups(t *testing.T) {
	exp := Experiment{
		Variants: []Variant{
			{ID: "a", TrafficPercentage: 60},
			{ID: "b", TrafficPercentage: 40, IsControl: true},
		},
	}

	assert.Equal(t, "b", exp.Control().ID)
	assert.Equal(t, "a", exp.Variant("a").ID)
	assert.Nil(t, exp.Variant("missing"))

	noControl := Experiment{Variants: []Variant{{ID: "a"}}}
	assert.Nil(t, noControl.Control())
}
