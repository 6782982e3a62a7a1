package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const profilesYAML = `risk_profiles:
  conservative:
    max_daily_loss_usdt: 50
    max_trade_loss_usdt: 10
    max_positions: 2
    stop_distance_percent: 1.5
    cool_down_minutes: 120
  moderate:
    max_daily_loss_usdt: 100
    max_trade_loss_usdt: 25
    max_positions: 3
    stop_distance_percent: 2.0
    cool_down_minutes: 60
  broken:
    max_daily_loss_usdt: -1
    max_trade_loss_usdt: 25
    max_positions: 3
    stop_distance_percent: 2.0
`

func writeProfiles(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "risk_policy.yaml")
	if err := os.WriteFile(path, []byte(profilesYAML), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadPolicy_DefaultProfile(t *testing.T) {
	os.Unsetenv("POLICY_PROFILE")

	policy, err := LoadPolicy(writeProfiles(t))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if policy.ProfileName != "moderate" {
		t.Errorf("profile = %s, want moderate", policy.ProfileName)
	}
	if policy.MaxDailyLossUSDT != 100 {
		t.Errorf("max daily loss = %v, want 100", policy.MaxDailyLossUSDT)
	}
	if policy.CoolDown() != time.Hour {
		t.Errorf("cool down = %v, want 1h", policy.CoolDown())
	}
}

func TestLoadPolicy_ProfileFromEnv(t *testing.T) {
	t.Setenv("POLICY_PROFILE", "conservative")

	policy, err := LoadPolicy(writeProfiles(t))
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if policy.MaxPositions != 2 {
		t.Errorf("max positions = %d, want 2", policy.MaxPositions)
	}
	if policy.CoolDown() != 2*time.Hour {
		t.Errorf("cool down = %v, want 2h", policy.CoolDown())
	}
}

func TestLoadPolicy_UnknownProfile(t *testing.T) {
	t.Setenv("POLICY_PROFILE", "reckless")

	if _, err := LoadPolicy(writeProfiles(t)); err == nil {
		t.Fatal("LoadPolicy() succeeded for unknown profile")
	}
}

func TestLoadPolicy_InvalidProfileRejected(t *testing.T) {
	t.Setenv("POLICY_PROFILE", "broken")

	if _, err := LoadPolicy(writeProfiles(t)); err == nil {
		t.Fatal("LoadPolicy() accepted profile with negative daily loss limit")
	}
}

func TestMaxLossExposure(t *testing.T) {
	trade := ProposedTrade{Symbol: "BTCUSDT", NotionalUSD: 1000}
	if got := trade.MaxLossExposure(2.0); got != 20 {
		t.Errorf("MaxLossExposure(2.0) = %v, want 20", got)
	}
}
