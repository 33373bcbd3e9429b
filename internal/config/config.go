// Package config loads liquidator settings from an optional YAML network file
// and environment variables. Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/archon-research/liquidator/internal/pkg/blockchain"
	"github.com/archon-research/liquidator/internal/pkg/env"
)

// Network is the YAML description of one deployment.
type Network struct {
	Name      string          `yaml:"name"`
	ChainID   int64           `yaml:"chain_id"`
	RPCURL    string          `yaml:"rpc_url"`
	FeedURL   string          `yaml:"feed_url"`
	Contracts NetworkContracts `yaml:"contracts"`
	Wait      NetworkWait      `yaml:"wait"`
}

type NetworkContracts struct {
	Markets   string `yaml:"markets"`
	Multicall string `yaml:"multicall"`
}

type NetworkWait struct {
	Confirmations  uint64        `yaml:"confirmations"`
	SettleInterval time.Duration `yaml:"settle_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// Config is the resolved runtime configuration.
type Config struct {
	Network string
	ChainID int64 // zero means ask the RPC endpoint

	RPCURL     string
	PrivateKey string
	FeedURL    string
	FeedAPIKey string

	MarketsAddress   common.Address
	MulticallAddress common.Address

	// Zero Confirmations means one. A zero SettleInterval falls back to the
	// two second default; a negative one disables the pause.
	Confirmations  uint64
	SettleInterval time.Duration
	PollInterval   time.Duration

	DatabaseURL  string
	RedisAddr    string
	LockTTL      time.Duration
	SNSTopicARN  string
	S3Bucket     string
	SQSQueueURL  string
	OTLPEndpoint string
	Environment  string
}

// Defaults returns the values used when neither the file nor the environment
// sets a field.
func Defaults() Config {
	return Config{
		MulticallAddress: blockchain.Multicall3,
		Confirmations:    1,
		SettleInterval:   2 * time.Second,
		PollInterval:     2 * time.Second,
		LockTTL:          10 * time.Minute,
		Environment:      "development",
	}
}

// LoadNetwork reads and decodes a network file.
func LoadNetwork(path string) (Network, error) {
	var n Network
	file, err := os.Open(path)
	if err != nil {
		return n, fmt.Errorf("open network file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&n); err != nil {
		return Network{}, fmt.Errorf("decode network file %s: %w", path, err)
	}
	return n, nil
}

// Load builds a Config from defaults, the optional network file and the
// environment, in that order.
func Load(networkPath string) (Config, error) {
	cfg := Defaults()

	if networkPath != "" {
		n, err := LoadNetwork(networkPath)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.applyNetwork(n); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyNetwork(n Network) error {
	c.Network = strings.TrimSpace(n.Name)
	if n.ChainID != 0 {
		c.ChainID = n.ChainID
	}
	if n.RPCURL != "" {
		c.RPCURL = strings.TrimSpace(n.RPCURL)
	}
	if n.FeedURL != "" {
		c.FeedURL = strings.TrimSpace(n.FeedURL)
	}
	if n.Contracts.Markets != "" {
		addr, err := parseAddress("contracts.markets", n.Contracts.Markets)
		if err != nil {
			return err
		}
		c.MarketsAddress = addr
	}
	if n.Contracts.Multicall != "" {
		addr, err := parseAddress("contracts.multicall", n.Contracts.Multicall)
		if err != nil {
			return err
		}
		c.MulticallAddress = addr
	}
	if n.Wait.Confirmations != 0 {
		c.Confirmations = n.Wait.Confirmations
	}
	if n.Wait.SettleInterval != 0 {
		c.SettleInterval = n.Wait.SettleInterval
	}
	if n.Wait.PollInterval != 0 {
		c.PollInterval = n.Wait.PollInterval
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	c.RPCURL = env.Get("RPC_URL", c.RPCURL)
	c.PrivateKey = env.Get("LIQUIDATOR_PRIVATE_KEY", c.PrivateKey)
	c.FeedURL = env.Get("FEED_URL", c.FeedURL)
	c.FeedAPIKey = env.Get("FEED_API_KEY", c.FeedAPIKey)
	c.DatabaseURL = env.Get("DATABASE_URL", c.DatabaseURL)
	c.RedisAddr = env.Get("REDIS_ADDR", c.RedisAddr)
	c.SNSTopicARN = env.Get("SNS_TOPIC_ARN", c.SNSTopicARN)
	c.S3Bucket = env.Get("S3_BUCKET", c.S3Bucket)
	c.SQSQueueURL = env.Get("SQS_QUEUE_URL", c.SQSQueueURL)
	c.OTLPEndpoint = env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.Environment = env.Get("ENVIRONMENT", c.Environment)

	if c.ChainID, err = env.GetInt64("CHAIN_ID", c.ChainID); err != nil {
		return err
	}
	confirmations, err := env.GetInt64("CONFIRMATIONS", int64(c.Confirmations))
	if err != nil {
		return err
	}
	if confirmations < 0 {
		return fmt.Errorf("CONFIRMATIONS: must not be negative")
	}
	c.Confirmations = uint64(confirmations)

	if c.SettleInterval, err = env.GetDuration("SETTLE_INTERVAL", c.SettleInterval); err != nil {
		return err
	}
	if c.PollInterval, err = env.GetDuration("RECEIPT_POLL_INTERVAL", c.PollInterval); err != nil {
		return err
	}
	if c.LockTTL, err = env.GetDuration("SIGNER_LOCK_TTL", c.LockTTL); err != nil {
		return err
	}

	if raw := os.Getenv("MARKETS_ADDRESS"); raw != "" {
		if c.MarketsAddress, err = parseAddress("MARKETS_ADDRESS", raw); err != nil {
			return err
		}
	}
	if raw := os.Getenv("MULTICALL_ADDRESS"); raw != "" {
		if c.MulticallAddress, err = parseAddress("MULTICALL_ADDRESS", raw); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the fields every run needs.
func (c Config) Validate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("rpc url is required (RPC_URL)"))
	}
	if c.PrivateKey == "" {
		errs = append(errs, errors.New("signer key is required (LIQUIDATOR_PRIVATE_KEY)"))
	}
	if c.FeedURL == "" {
		errs = append(errs, errors.New("feed url is required (FEED_URL)"))
	}
	if c.MarketsAddress == (common.Address{}) {
		errs = append(errs, errors.New("markets contract is required (MARKETS_ADDRESS)"))
	}
	if c.MulticallAddress == (common.Address{}) {
		errs = append(errs, errors.New("multicall contract must not be the zero address"))
	}
	if c.ChainID < 0 {
		errs = append(errs, errors.New("chain id must not be negative"))
	}
	return errors.Join(errs...)
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}
