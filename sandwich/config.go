package sandwich

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid searcher config")

// Config is the searcher config file. Amounts are decimal strings in ETH, fees in gwei.
type Config struct {
	Executor string `yaml:"executor"`

	Risk struct {
		MaxPositionSize string `yaml:"max_position_size"`
		MaxLossPercent  uint8  `yaml:"max_loss_percent"`
		MinProfitRatio  string `yaml:"min_profit_ratio"`
		DailyLossLimit  string `yaml:"daily_loss_limit"`
	} `yaml:"risk"`

	Sizing struct {
		SlippageTolerance uint64 `yaml:"slippage_tolerance"`
		// per mille when unset, 10000 makes the tolerance basis points
		SlippageDenominator uint64 `yaml:"slippage_denominator"`
		BackrunMultiple     uint64 `yaml:"backrun_multiple"`
	} `yaml:"sizing"`

	Gas struct {
		BaseFeeBufferPercent   *uint64 `yaml:"base_fee_buffer_percent"`
		BackrunPricePercent    *uint64 `yaml:"backrun_price_percent"`
		GasLimitPaddingPercent *uint64 `yaml:"gas_limit_padding_percent"`
		EstimatedGasUnits      uint64  `yaml:"estimated_gas_units"`
		MaxPriorityFee         string  `yaml:"max_priority_fee"`
	} `yaml:"gas"`

	Watch []struct {
		Contract string `yaml:"contract"`
		Pool     string `yaml:"pool"`
	} `yaml:"watch"`

	RelayList []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"relays"`

	Timeouts struct {
		MaxSnapshotAge time.Duration `yaml:"max_snapshot_age"`
		Simulation     time.Duration `yaml:"simulation"`
		Build          time.Duration `yaml:"build"`
		Submit         time.Duration `yaml:"submit"`
		Worker         time.Duration `yaml:"worker"`
		BundleValidity time.Duration `yaml:"bundle_validity"`
	} `yaml:"timeouts"`

	CircuitBreaker struct {
		CheckInterval time.Duration `yaml:"check_interval"`
	} `yaml:"circuit_breaker"`
}

type RelayConfig struct {
	Name string
	URL  string
}

// LoadConfig parses and validates a searcher config from a file
func LoadConfig(file string) (*Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Executor) {
		return fmt.Errorf("%w: executor %q is not an address", ErrInvalidConfig, c.Executor)
	}
	if len(c.Watch) == 0 {
		return fmt.Errorf("%w: empty watch set", ErrInvalidConfig)
	}
	for _, w := range c.Watch {
		if !common.IsHexAddress(w.Contract) || !common.IsHexAddress(w.Pool) {
			return fmt.Errorf("%w: watch entry %q -> %q", ErrInvalidConfig, w.Contract, w.Pool)
		}
	}
	if len(c.Relays()) == 0 {
		return fmt.Errorf("%w: no enabled relay", ErrInvalidConfig)
	}
	if denominator := c.Strategy().denominator(); c.Sizing.SlippageTolerance == 0 || c.Sizing.SlippageTolerance > denominator {
		return fmt.Errorf("%w: slippage tolerance must be in (0, %d]", ErrInvalidConfig, denominator)
	}
	if _, err := c.GasPolicy(); err != nil {
		return err
	}
	risk, err := c.RiskParameters()
	if err != nil {
		return err
	}
	return risk.Validate()
}

func (c *Config) ExecutorAddress() common.Address {
	return common.HexToAddress(c.Executor)
}

func (c *Config) RiskParameters() (RiskParameters, error) {
	maxPosition, err := parseUnits(c.Risk.MaxPositionSize, 18)
	if err != nil {
		return RiskParameters{}, fmt.Errorf("%w: max_position_size: %w", ErrInvalidConfig, err)
	}
	dailyLimit, err := parseUnits(c.Risk.DailyLossLimit, 18)
	if err != nil {
		return RiskParameters{}, fmt.Errorf("%w: daily_loss_limit: %w", ErrInvalidConfig, err)
	}
	ratio := decimal.Zero
	if c.Risk.MinProfitRatio != "" {
		if ratio, err = decimal.NewFromString(c.Risk.MinProfitRatio); err != nil {
			return RiskParameters{}, fmt.Errorf("%w: min_profit_ratio: %w", ErrInvalidConfig, err)
		}
	}
	return RiskParameters{
		MaxPositionSize: maxPosition,
		MaxLossPercent:  c.Risk.MaxLossPercent,
		MinProfitRatio:  ratio,
		DailyLossLimit:  dailyLimit,
	}, nil
}

func (c *Config) Strategy() FixedMultipleStrategy {
	s := NewFixedMultipleStrategy(c.Sizing.SlippageTolerance)
	if c.Sizing.SlippageDenominator != 0 {
		s.SlippageDenominator = c.Sizing.SlippageDenominator
	}
	if c.Sizing.BackrunMultiple != 0 {
		s.BackrunMultiple = c.Sizing.BackrunMultiple
	}
	return s
}

// GasPolicy overlays the configured values on DefaultGasPolicy.
func (c *Config) GasPolicy() (GasPolicy, error) {
	policy := DefaultGasPolicy
	if v := c.Gas.BaseFeeBufferPercent; v != nil {
		policy.BaseFeeBufferPercent = *v
	}
	if v := c.Gas.BackrunPricePercent; v != nil {
		policy.BackrunPricePercent = *v
	}
	if v := c.Gas.GasLimitPaddingPercent; v != nil {
		policy.GasLimitPaddingPercent = *v
	}
	if c.Gas.EstimatedGasUnits != 0 {
		policy.EstimatedGasUnits = c.Gas.EstimatedGasUnits
	}
	if c.Gas.MaxPriorityFee != "" {
		maxTip, err := parseUnits(c.Gas.MaxPriorityFee, 9)
		if err != nil {
			return GasPolicy{}, fmt.Errorf("%w: max_priority_fee: %w", ErrInvalidConfig, err)
		}
		policy.MaxPriorityFee = maxTip
	}
	if policy.BackrunPricePercent > 100 {
		return GasPolicy{}, fmt.Errorf("%w: backrun price percent above 100", ErrInvalidConfig)
	}
	return policy, nil
}

// WatchSet maps each watched contract to the pool its swaps move.
func (c *Config) WatchSet() map[common.Address]common.Address {
	set := make(map[common.Address]common.Address, len(c.Watch))
	for _, w := range c.Watch {
		set[common.HexToAddress(w.Contract)] = common.HexToAddress(w.Pool)
	}
	return set
}

// Pools lists every watched pool once.
func (c *Config) Pools() []common.Address {
	seen := make(map[common.Address]struct{})
	var pools []common.Address
	for _, w := range c.Watch {
		pool := common.HexToAddress(w.Pool)
		if _, ok := seen[pool]; ok {
			continue
		}
		seen[pool] = struct{}{}
		pools = append(pools, pool)
	}
	return pools
}

func (c *Config) Relays() []RelayConfig {
	relays := make([]RelayConfig, 0, len(c.RelayList))
	for _, r := range c.RelayList {
		if r.Disabled || r.URL == "" {
			continue
		}
		name := r.Name
		if name == "" {
			name = r.URL
		}
		relays = append(relays, RelayConfig{Name: name, URL: r.URL})
	}
	return relays
}

// PipelineConfig overlays the configured timeouts on DefaultPipelineConfig.
func (c *Config) PipelineConfig() PipelineConfig {
	cfg := DefaultPipelineConfig
	if c.Timeouts.MaxSnapshotAge != 0 {
		cfg.MaxSnapshotAge = c.Timeouts.MaxSnapshotAge
	}
	if c.Timeouts.Simulation != 0 {
		cfg.SimulationTimeout = c.Timeouts.Simulation
	}
	if c.Timeouts.Build != 0 {
		cfg.BuildTimeout = c.Timeouts.Build
	}
	if c.Timeouts.Submit != 0 {
		cfg.SubmitTimeout = c.Timeouts.Submit
	}
	return cfg
}

// parseUnits converts a decimal amount to an integer of the given unit, e.g. ETH to wei with 18.
func parseUnits(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%s has more than %d decimals", value, decimals)
	}
	return shifted.BigInt(), nil
}
