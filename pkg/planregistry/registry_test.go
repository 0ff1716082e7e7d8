package planregistry

import "testing"

func TestGet_KnownTiers(t *testing.T) {
	tests := []struct {
		tier       Tier
		wantDaily  int
		wantRetry  int
		wantDl     bool
	}{
		{TierGuest, 1, 0, false},
		{TierFree, 2, 1, false},
		{TierPro, 50, 2, true},
	}

	for _, tt := range tests {
		p := Get(tt.tier)
		if p.DailyScans != tt.wantDaily {
			t.Errorf("%s: DailyScans = %d, want %d", tt.tier, p.DailyScans, tt.wantDaily)
		}
		if p.RetriesPerService != tt.wantRetry {
			t.Errorf("%s: RetriesPerService = %d, want %d", tt.tier, p.RetriesPerService, tt.wantRetry)
		}
		if p.DownloadsAllowed != tt.wantDl {
			t.Errorf("%s: DownloadsAllowed = %v, want %v", tt.tier, p.DownloadsAllowed, tt.wantDl)
		}
	}
}

func TestGet_UnknownFallsBackToGuest(t *testing.T) {
	p := Get(Tier("BOGUS"))
	if p.Tier != TierGuest {
		t.Errorf("expected GUEST fallback, got %s", p.Tier)
	}
}

func TestPro_AllowsEntireCatalogue(t *testing.T) {
	p := Get(TierPro)
	for _, s := range Catalogue {
		if !p.Allows(s) {
			t.Errorf("PRO plan should allow %s", s)
		}
	}
}

func TestGuest_OnlyAllowsAccessibility(t *testing.T) {
	p := Get(TierGuest)
	if !p.Allows(ServiceAccessibility) {
		t.Error("GUEST should allow accessibility")
	}
	for _, s := range Catalogue {
		if s == ServiceAccessibility {
			continue
		}
		if p.Allows(s) {
			t.Errorf("GUEST should not allow %s", s)
		}
	}
}

func TestIsKnownService(t *testing.T) {
	if !IsKnownService("accessibility") {
		t.Error("accessibility should be known")
	}
	if IsKnownService("nonexistent") {
		t.Error("nonexistent should not be known")
	}
}

func TestWithOverrides(t *testing.T) {
	p := WithOverrides(TierFree, 100, 5, 0)
	if p.DailyScans != 100 || p.RetriesPerService != 5 {
		t.Errorf("overrides not applied: %+v", p)
	}
	// Zero cache TTL override leaves the plan default untouched.
	if p.CacheTTL != Get(TierFree).CacheTTL {
		t.Errorf("cache TTL should remain the plan default when override is zero")
	}
}
