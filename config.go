package ibud

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every tunable the reliability engine exposes. DefaultConfig
// returns one with every field at its default; LoadConfig additionally lets
// operators override individual tunables from the environment. Both derive
// MaxAckPending and CreditPreserve when those are left at 0; Open uses the
// Config it is given as is.
type Config struct {
	SendWinSize     int           `env:"IBUD_SENDWIN_SIZE,default=400"`
	RecvWinSize     int           `env:"IBUD_RECVWIN_SIZE,default=2501"`
	MaxAckPending   int           `env:"IBUD_MAX_ACK_PENDING,default=0"` // 0 means SendWinSize/4
	MaxUDSendWQE    int           `env:"IBUD_MAX_SEND_WQE,default=2048"`
	MaxUDRecvWQE    int           `env:"IBUD_MAX_RECV_WQE,default=4096"`
	CreditPreserve  int           `env:"IBUD_CREDIT_PRESERVE,default=0"` // 0 means MaxUDRecvWQE/4
	ProgressTimeout time.Duration `env:"IBUD_PROGRESS_TIMEOUT,default=25ms"`
	RetryTimeout    time.Duration `env:"IBUD_RETRY_TIMEOUT,default=50ms"`
	MaxRetryTimeout time.Duration `env:"IBUD_MAX_RETRY_TIMEOUT,default=20s"`
	CQBatchSize     int           `env:"IBUD_CQ_BATCH_SIZE,default=64"`
	VBufPoolSize    int           `env:"IBUD_VBUF_POOL_SIZE,default=8192"`
}

// DefaultConfig returns the engine's tunable defaults.
func DefaultConfig() Config {
	var cfg Config
	// envconfig.ProcessWith with an empty Lookuper still applies `default=`
	// tags, which is all DefaultConfig needs — no environment is consulted.
	_ = envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(nil),
	})
	cfg.normalize()
	return cfg
}

// LoadConfig reads tunables from the environment, falling back to the
// engine's defaults for anything unset.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.MaxAckPending == 0 {
		c.MaxAckPending = c.SendWinSize / 4
	}
	if c.CreditPreserve == 0 {
		c.CreditPreserve = c.MaxUDRecvWQE / 4
	}
}
