package ratelimit

import (
	"testing"
	"time"
)

func TestTierPolicy_Key(t *testing.T) {
	tests := []struct {
		name string
		tier TierPolicy
		want string
	}{
		{
			name: "ten per ten seconds",
			tier: TierPolicy{MaxRequests: 10, Window: 10 * time.Second},
			want: "imports:rate_limit:tier:10:10",
		},
		{
			name: "minute window",
			tier: TierPolicy{MaxRequests: 300, Window: time.Minute},
			want: "imports:rate_limit:tier:300:60",
		},
		{
			name: "hour window",
			tier: TierPolicy{MaxRequests: 5000, Window: time.Hour},
			want: "imports:rate_limit:tier:5000:3600",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tier.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTierPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tier    TierPolicy
		wantErr bool
	}{
		{
			name:    "valid tier",
			tier:    TierPolicy{MaxRequests: 10, Window: 10 * time.Second},
			wantErr: false,
		},
		{
			name:    "zero max requests",
			tier:    TierPolicy{MaxRequests: 0, Window: 10 * time.Second},
			wantErr: true,
		},
		{
			name:    "negative max requests",
			tier:    TierPolicy{MaxRequests: -1, Window: 10 * time.Second},
			wantErr: true,
		},
		{
			name:    "sub-second window",
			tier:    TierPolicy{MaxRequests: 10, Window: 500 * time.Millisecond},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tier.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePolicies_Empty(t *testing.T) {
	if err := ValidatePolicies(nil); err == nil {
		t.Error("ValidatePolicies(nil) = nil, want error")
	}
}
