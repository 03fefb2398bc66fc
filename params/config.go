// Package params loads node and taker configuration.
package params

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is read from the environment. Priority: ENV > .env file > defaults.
type Config struct {
	Network  string `env:"NETWORK" envDefault:"regtest"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE" envDefault:"data/node.log"`
	// NodeKey is the hex secp256k1 private key. It is both the bus identity
	// and the wallet key.
	NodeKey string `env:"NODE_KEY"`

	Bus         Bus         `envPrefix:"BUS_"`
	Store       Store       `envPrefix:"STORE_"`
	Ledger      Ledger      `envPrefix:"LEDGER_"`
	Negotiation Negotiation `envPrefix:"NEGOTIATION_"`
	Fees        Fees        `envPrefix:"FEE_"`
	Reconciler  Reconciler  `envPrefix:"RECONCILE_"`
	API         API         `envPrefix:"API_"`
}

type Bus struct {
	Backend       string   `env:"BACKEND" envDefault:"libp2p"` // libp2p | redis | memory
	ListenAddr    string   `env:"LISTEN" envDefault:"/ip4/0.0.0.0/tcp/4001"`
	Bootstrap     []string `env:"BOOTSTRAP" envSeparator:","`
	RedisAddr     string   `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	RedisDB       int      `env:"REDIS_DB" envDefault:"0"`
}

type Store struct {
	Backend     string `env:"BACKEND" envDefault:"pebble"` // pebble | postgres
	PebblePath  string `env:"PEBBLE_PATH" envDefault:"data/book"`
	PostgresURL string `env:"POSTGRES_URL"`
	MaxConns    int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
}

type Ledger struct {
	EsploraURL string        `env:"ESPLORA_URL" envDefault:"http://localhost:3002"`
	IndexerURL string        `env:"INDEXER_URL" envDefault:"http://localhost:8090"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"10s"`
	FeeTarget  string        `env:"FEE_TARGET" envDefault:"2"`
	// SyncDelay is how long to wait before rechecking an indexer one block
	// behind the tip.
	SyncDelay time.Duration `env:"SYNC_DELAY" envDefault:"5s"`
}

type Negotiation struct {
	ReserveTimeout time.Duration `env:"RESERVE_TIMEOUT" envDefault:"20s"`
	PingTimeout    time.Duration `env:"PING_TIMEOUT" envDefault:"2s"`
	// SignTimeout of zero waits for signatures indefinitely.
	SignTimeout    time.Duration `env:"SIGN_TIMEOUT" envDefault:"0s"`
	SubscribeDelay time.Duration `env:"SUBSCRIBE_DELAY" envDefault:"1s"`
	PingFirst      bool          `env:"PING_FIRST" envDefault:"true"`
}

type Fees struct {
	MakerBps        int64  `env:"MAKER_BPS" envDefault:"0"`
	ProtocolBps     int64  `env:"PROTOCOL_BPS" envDefault:"0"`
	ProtocolAddress string `env:"PROTOCOL_ADDRESS"`
}

type Reconciler struct {
	Interval      time.Duration `env:"INTERVAL" envDefault:"30s"`
	Grace         time.Duration `env:"GRACE" envDefault:"30s"`
	Confirmations int64         `env:"CONFIRMATIONS" envDefault:"1"`
}

type API struct {
	Addr    string   `env:"ADDR" envDefault:":8080"`
	Origins []string `env:"ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
}

// Load reads envPath (or ./.env when empty) if present, then the environment.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load() // optional
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.ChainParams(); err != nil {
		errs = append(errs, err)
	}
	switch c.Bus.Backend {
	case "libp2p", "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			errs = append(errs, errors.New("BUS_REDIS_ADDR is required for the redis bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus backend %q", c.Bus.Backend))
	}
	switch c.Store.Backend {
	case "pebble":
		if c.Store.PebblePath == "" {
			errs = append(errs, errors.New("STORE_PEBBLE_PATH is required for the pebble store"))
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("STORE_POSTGRES_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Ledger.EsploraURL == "" || c.Ledger.IndexerURL == "" {
		errs = append(errs, errors.New("LEDGER_ESPLORA_URL and LEDGER_INDEXER_URL are required"))
	}
	if c.Negotiation.ReserveTimeout <= 0 || c.Negotiation.PingTimeout <= 0 {
		errs = append(errs, errors.New("reserve and ping timeouts must be positive"))
	}
	if c.Negotiation.SignTimeout < 0 || c.Negotiation.SubscribeDelay < 0 {
		errs = append(errs, errors.New("sign timeout and subscribe delay must not be negative"))
	}
	if c.Fees.MakerBps < 0 || c.Fees.MakerBps >= 10_000 || c.Fees.ProtocolBps < 0 || c.Fees.ProtocolBps >= 10_000 {
		errs = append(errs, errors.New("fee bps must be in [0,10000)"))
	}
	if c.Fees.ProtocolBps > 0 && c.Fees.ProtocolAddress == "" {
		errs = append(errs, errors.New("FEE_PROTOCOL_ADDRESS is required when FEE_PROTOCOL_BPS is set"))
	}
	if c.Reconciler.Interval <= 0 || c.Reconciler.Grace < 0 || c.Reconciler.Confirmations < 1 {
		errs = append(errs, errors.New("reconciler needs a positive interval, non-negative grace and at least one confirmation"))
	}
	return errors.Join(errs...)
}

// ChainParams maps Network onto btcd chain parameters.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// ProtocolScript is the output script of the protocol fee address, or nil
// when none is configured.
func (c Config) ProtocolScript() ([]byte, error) {
	if c.Fees.ProtocolAddress == "" {
		return nil, nil
	}
	net, err := c.ChainParams()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(c.Fees.ProtocolAddress, net)
	if err != nil {
		return nil, fmt.Errorf("protocol address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}
