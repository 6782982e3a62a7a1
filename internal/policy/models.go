package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillm/risk-gate/internal/domain"
)

// Policy представляет профиль риск-менеджмента
type Policy struct {
	ProfileName         string  `yaml:"profile_name"`
	MaxDailyLossUSDT    float64 `yaml:"max_daily_loss_usdt"`
	MaxTradeLossUSDT    float64 `yaml:"max_trade_loss_usdt"`
	MaxPositions        int     `yaml:"max_positions"`
	StopDistancePercent float64 `yaml:"stop_distance_percent"`
	CoolDownMinutes     int     `yaml:"cool_down_minutes"`
}

// CoolDown возвращает длительность cool-down (по умолчанию 60 минут)
func (p *Policy) CoolDown() time.Duration {
	if p.CoolDownMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(p.CoolDownMinutes) * time.Minute
}

// Validate проверяет профиль до приема первого действия
func (p *Policy) Validate() error {
	if p.MaxDailyLossUSDT <= 0 {
		return fmt.Errorf("max_daily_loss_usdt must be positive, got %v", p.MaxDailyLossUSDT)
	}
	if p.MaxTradeLossUSDT <= 0 {
		return fmt.Errorf("max_trade_loss_usdt must be positive, got %v", p.MaxTradeLossUSDT)
	}
	if p.MaxPositions <= 0 {
		return fmt.Errorf("max_positions must be positive, got %d", p.MaxPositions)
	}
	if p.StopDistancePercent <= 0 || p.StopDistancePercent > 100 {
		return fmt.Errorf("stop_distance_percent must be in (0, 100], got %v", p.StopDistancePercent)
	}
	return nil
}

// LoadPolicy загружает профиль риска из YAML. Имя профиля берется
// из POLICY_PROFILE (по умолчанию moderate).
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config struct {
		RiskProfiles map[string]Policy `yaml:"risk_profiles"`
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	profileName := os.Getenv("POLICY_PROFILE")
	if profileName == "" {
		profileName = "moderate"
	}

	policy, ok := config.RiskProfiles[profileName]
	if !ok {
		return nil, fmt.Errorf("policy profile %s not found", profileName)
	}

	policy.ProfileName = profileName
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", profileName, err)
	}

	return &policy, nil
}

// ProposedTrade представляет сделку на проверке
type ProposedTrade struct {
	Symbol      string
	Side        string
	NotionalUSD float64 // размер позиции в quote-валюте
}

// MaxLossExposure считает максимальный убыток сделки из настроенной
// стоп-дистанции и размера позиции на момент проверки
func (t *ProposedTrade) MaxLossExposure(stopDistancePercent float64) float64 {
	return t.NotionalUSD * stopDistancePercent / 100
}

// ValidationResult результат проверки сделки
type ValidationResult struct {
	Approved bool
	Gate     string // гейт, на котором отклонено (пусто при одобрении)
	Reason   string
	Snapshot domain.RiskSnapshot
}
