package config

import "testing"

func TestVenueRateLimitsApplyDefaults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   VenueRateLimits
		want VenueRateLimits
	}{
		{
			name: "all zero falls back to defaults",
			in:   VenueRateLimits{},
			want: defaultVenueARateLimits,
		},
		{
			name: "partial override keeps the other categories at default",
			in: VenueRateLimits{
				Order: RateLimitConfig{Capacity: 999, RatePerSecond: 99},
			},
			want: VenueRateLimits{
				Order:  RateLimitConfig{Capacity: 999, RatePerSecond: 99},
				Cancel: defaultVenueARateLimits.Cancel,
				Read:   defaultVenueARateLimits.Read,
			},
		},
		{
			name: "fully specified is left untouched",
			in:   defaultVenueBRateLimits,
			want: defaultVenueBRateLimits,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.in.applyDefaults(defaultVenueARateLimits)
			if got != c.want {
				t.Errorf("applyDefaults() = %+v, want %+v", got, c.want)
			}
		})
	}
}
