package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleActive(t *testing.T) {
	s := &Schedule{
		Days:      []time.Weekday{time.Monday, time.Tuesday},
		HourStart: 8,
		HourEnd:   17,
	}

	monday9 := time.Date(2024, 5, 13, 9, 0, 0, 0, time.UTC)
	assert.True(t, s.Active(monday9))

	monday18 := time.Date(2024, 5, 13, 18, 0, 0, 0, time.UTC)
	assert.False(t, s.Active(monday18))

	friday9 := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	assert.False(t, s.Active(friday9))

	// Boundary hours are inclusive.
	assert.True(t, s.Active(time.Date(2024, 5, 13, 8, 0, 0, 0, time.UTC)))
	assert.True(t, s.Active(time.Date(2024, 5, 13, 17, 59, 0, 0, time.UTC)))
}

func TestNilScheduleAlwaysActive(t *testing.T) {
	var s *Schedule
	assert.True(t, s.Active(time.Now()))
}

func TestDeviceTimezone(t *testing.T) {
	d := &Device{Config: map[string]string{"timezone": "Europe/Prague"}}
	assert.Equal(t, "Europe/Prague", d.Timezone().String())

	d = &Device{Config: map[string]string{"timezone": "Not/AZone"}}
	assert.Equal(t, time.UTC, d.Timezone())

	d = &Device{Config: map[string]string{}}
	assert.Equal(t, time.UTC, d.Timezone())
}

func TestDefaultSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, DefaultSeverity(RuleTowing))
	assert.Equal(t, SeverityCritical, DefaultSeverity(RuleHarshBraking))
	assert.Equal(t, SeverityWarning, DefaultSeverity(RuleSpeeding))
	assert.Equal(t, SeverityWarning, DefaultSeverity(RuleIdling))
	assert.Equal(t, SeverityInfo, DefaultSeverity(RuleMaintenance))
	assert.Equal(t, SeverityInfo, DefaultSeverity(RuleCustom))
}

func TestCommandTerminalStates(t *testing.T) {
	assert.False(t, CommandPending.Terminal())
	assert.False(t, CommandSent.Terminal())
	assert.True(t, CommandAcknowledged.Terminal())
	assert.True(t, CommandFailed.Terminal())
}

func TestValidRuleKind(t *testing.T) {
	assert.True(t, ValidRuleKind(RuleSpeeding))
	assert.True(t, ValidRuleKind(RuleCustom))
	assert.False(t, ValidRuleKind("bogus"))
}

func TestRuleParamDefault(t *testing.T) {
	r := &AlertRule{Params: map[string]float64{"threshold_kmh": 95}}
	assert.Equal(t, 95.0, r.Param("threshold_kmh", 90))
	assert.Equal(t, 30.0, r.Param("duration_s", 30))
}
