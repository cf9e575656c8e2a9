package builtin

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/docker/agentlab/pkg/tools"
)

const (
	ToolNameGetTimeInTimezone = "get_time_in_timezone"
	ToolNameGetOfficeHours    = "get_office_hours"
)

type Office struct {
	Timezone string `json:"timezone"`
	Hours    string `json:"hours"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Address  string `json:"address"`
}

var offices = map[string]Office{
	"seattle": {
		Timezone: "America/Los_Angeles",
		Hours:    "8:00 AM - 5:00 PM PST",
		Phone:    "+1-206-555-0100",
		Email:    "support.seattle@contoso.com",
		Address:  "123 Tech Ave, Seattle, WA 98101",
	},
	"london": {
		Timezone: "Europe/London",
		Hours:    "9:00 AM - 6:00 PM GMT",
		Phone:    "+44-20-5555-0100",
		Email:    "support.london@contoso.com",
		Address:  "45 Tech Street, London, UK EC1A 1BB",
	},
	"tokyo": {
		Timezone: "Asia/Tokyo",
		Hours:    "9:00 AM - 6:00 PM JST",
		Phone:    "+81-3-5555-0100",
		Email:    "support.tokyo@contoso.com",
		Address:  "7-8-9 Shibuya, Tokyo, Japan 150-0002",
	},
	"sydney": {
		Timezone: "Australia/Sydney",
		Hours:    "8:00 AM - 5:00 PM AEDT",
		Phone:    "+61-2-5555-0100",
		Email:    "support.sydney@contoso.com",
		Address:  "100 Harbour St, Sydney, NSW 2000",
	},
}

type TimeInTimezoneArgs struct {
	Timezone string `json:"timezone" jsonschema:"IANA timezone name, for example America/New_York or Europe/London"`
}

type OfficeHoursArgs struct {
	Office string `json:"office" jsonschema:"Office location"`
}

type LocalTime struct {
	Timezone        string `json:"timezone"`
	CurrentTime     string `json:"current_time"`
	IsBusinessHours bool   `json:"is_business_hours"`
	DayOfWeek       string `json:"day_of_week"`
}

type OfficeHours struct {
	Name string `json:"office"`
	Office
}

type OfficeTool struct {
	tools.BaseToolSet
	now func() time.Time
}

var _ tools.ToolSet = (*OfficeTool)(nil)

type OfficeToolOption func(*OfficeTool)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) OfficeToolOption {
	return func(t *OfficeTool) {
		t.now = now
	}
}

func NewOfficeTool(opts ...OfficeToolOption) *OfficeTool {
	t := &OfficeTool{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *OfficeTool) timeInTimezone(_ context.Context, args TimeInTimezoneArgs) (*tools.ToolCallResult, error) {
	loc, err := time.LoadLocation(args.Timezone)
	if err != nil || args.Timezone == "" {
		return resultErrorJSON("Unknown timezone: " + args.Timezone)
	}

	local := t.now().In(loc)
	return tools.ResultJSON(LocalTime{
		Timezone:        args.Timezone,
		CurrentTime:     local.Format("2006-01-02 15:04:05 MST"),
		IsBusinessHours: local.Hour() >= 9 && local.Hour() < 17,
		DayOfWeek:       local.Weekday().String(),
	})
}

func (t *OfficeTool) officeHours(_ context.Context, args OfficeHoursArgs) (*tools.ToolCallResult, error) {
	name := strings.ToLower(strings.TrimSpace(args.Office))
	office, ok := offices[name]
	if !ok {
		return resultErrorJSON("Office not found")
	}
	return tools.ResultJSON(OfficeHours{Name: name, Office: office})
}

func (t *OfficeTool) Tools(context.Context) ([]tools.Tool, error) {
	return []tools.Tool{
		{
			Name:        ToolNameGetTimeInTimezone,
			Category:    "office",
			Description: "Get the current time in a timezone and whether it is within business hours (9 to 17).",
			Parameters:  tools.MustSchemaFor[TimeInTimezoneArgs](),
			Handler:     tools.NewHandler(t.timeInTimezone),
			Annotations: tools.ToolAnnotations{Title: "Time In Timezone", ReadOnlyHint: true},
		},
		{
			Name:        ToolNameGetOfficeHours,
			Category:    "office",
			Description: "Get the hours and contact details of a support office.",
			Parameters:  withEnum(tools.MustSchemaFor[OfficeHoursArgs](), "office", slices.Sorted(maps.Keys(offices))...),
			Handler:     tools.NewHandler(t.officeHours),
			Annotations: tools.ToolAnnotations{Title: "Office Hours", ReadOnlyHint: true},
		},
	}, nil
}
