package builtin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/agentlab/pkg/tools"
)

// Monday 6 January 2025, 15:00 UTC.
var mondayAfternoon = time.Date(2025, 1, 6, 15, 0, 0, 0, time.UTC)

func TestOfficeTool_TimeInTimezone(t *testing.T) {
	t.Parallel()
	tool := NewOfficeTool(WithNow(func() time.Time { return mondayAfternoon }))

	tests := []struct {
		timezone     string
		wantTime     string
		wantBusiness bool
		wantDay      string
	}{
		{timezone: "Europe/London", wantTime: "2025-01-06 15:00:00 GMT", wantBusiness: true, wantDay: "Monday"},
		{timezone: "America/Los_Angeles", wantTime: "2025-01-06 07:00:00 PST", wantBusiness: false, wantDay: "Monday"},
		{timezone: "Asia/Tokyo", wantTime: "2025-01-07 00:00:00 JST", wantBusiness: false, wantDay: "Tuesday"},
	}
	for _, tt := range tests {
		t.Run(tt.timezone, func(t *testing.T) {
			t.Parallel()

			result, err := tool.timeInTimezone(t.Context(), TimeInTimezoneArgs{Timezone: tt.timezone})
			require.NoError(t, err)

			var local LocalTime
			require.NoError(t, json.Unmarshal([]byte(result.Output), &local))
			assert.Equal(t, tt.timezone, local.Timezone)
			assert.Equal(t, tt.wantTime, local.CurrentTime)
			assert.Equal(t, tt.wantBusiness, local.IsBusinessHours)
			assert.Equal(t, tt.wantDay, local.DayOfWeek)
		})
	}
}

func TestOfficeTool_UnknownTimezone(t *testing.T) {
	t.Parallel()
	tool := NewOfficeTool()

	for _, tz := range []string{"Mars/Olympus_Mons", ""} {
		result, err := tool.timeInTimezone(t.Context(), TimeInTimezoneArgs{Timezone: tz})
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Output, "Unknown timezone")
	}
}

func TestOfficeTool_OfficeHours(t *testing.T) {
	t.Parallel()
	tool := NewOfficeTool()

	result, err := tool.officeHours(t.Context(), OfficeHoursArgs{Office: "Tokyo"})
	require.NoError(t, err)

	var hours OfficeHours
	require.NoError(t, json.Unmarshal([]byte(result.Output), &hours))
	assert.Equal(t, "tokyo", hours.Name)
	assert.Equal(t, "Asia/Tokyo", hours.Timezone)
	assert.Equal(t, "+81-3-5555-0100", hours.Phone)

	result, err = tool.officeHours(t.Context(), OfficeHoursArgs{Office: "paris"})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.JSONEq(t, `{"error":"Office not found"}`, result.Output)
}

func TestOfficeTool_OfficeSchemaIsEnumerated(t *testing.T) {
	t.Parallel()

	list, err := NewOfficeTool().Tools(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 2)

	schema, err := tools.SchemaToMap(list[1].Parameters)
	require.NoError(t, err)

	office := schema["properties"].(map[string]any)["office"].(map[string]any)
	assert.Equal(t, []any{"london", "seattle", "sydney", "tokyo"}, office["enum"])
	assert.Equal(t, []any{"office"}, schema["required"])
}
