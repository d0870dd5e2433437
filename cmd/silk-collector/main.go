// silk-collector is a NetFlow v5 collector daemon: it binds a UDP
// listener (C5), writes every accepted FlowRec to a flow file (and,
// optionally, batches them into a Postgres sink), and logs periodic
// statistics. Configuration and operational shape follow the teacher's
// telemetry-agent daemon.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ep-silk/flowcore/pkg/flowfile"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/netflow5"
	"github.com/ep-silk/flowcore/pkg/sidecar"
	"github.com/ep-silk/flowcore/pkg/sink/postgres"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// Config is the daemon's YAML configuration.
type Config struct {
	NetFlow struct {
		Listen               string `yaml:"listen"`
		SocketBufferBytes    int    `yaml:"socket_buffer_bytes"`
		SocketBufferMinBytes int    `yaml:"socket_buffer_min_bytes"`
		// AcceptFrom lists the peers this collector accepts NetFlow v5
		// PDUs from, each as "name=ip". An empty list falls back to a
		// single wildcard source accepting any peer.
		AcceptFrom []string `yaml:"accept_from"`
	} `yaml:"netflow"`
	Output struct {
		Path string `yaml:"path"` // flow file destination; empty disables file output
	} `yaml:"output"`
	Database struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"database"`
	Performance struct {
		BatchSize     int `yaml:"batch_size"`
		FlushInterval int `yaml:"flush_interval"` // seconds
	} `yaml:"performance"`
	Monitoring struct {
		Enabled       bool `yaml:"enabled"`
		StatsInterval int  `yaml:"stats_interval"` // seconds
	} `yaml:"monitoring"`
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Performance.BatchSize == 0 {
		cfg.Performance.BatchSize = 5000
	}
	if cfg.Performance.FlushInterval == 0 {
		cfg.Performance.FlushInterval = 5
	}
	if cfg.Database.PoolSize == 0 {
		cfg.Database.PoolSize = 20
	}
	if cfg.Monitoring.StatsInterval == 0 {
		cfg.Monitoring.StatsInterval = 30
	}
	return cfg, nil
}

// Collector owns the NetFlow base and the sinks fed from it.
type Collector struct {
	config     Config
	logger     *zap.Logger
	instanceID uuid.UUID

	base  *netflow5.Base
	store *valuestore.Store
	sink  *postgres.Sink

	fileOut *os.File
	fileBW  *flowfile.BodyWriter
	fileBuf *bufio.Writer

	wg sync.WaitGroup

	flowsWritten  atomic.Uint64
	dbBatches     atomic.Uint64
	dbBatchErrors atomic.Uint64
}

// New builds a Collector from cfg; it binds the NetFlow socket, opens
// the output flow file (if configured), and connects the Postgres sink
// (if enabled) before returning.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Collector, error) {
	store := valuestore.NewStore()

	base, err := netflow5.NewBase(netflow5.Config{
		ListenAddr:           cfg.NetFlow.Listen,
		SocketBufferBytes:    cfg.NetFlow.SocketBufferBytes,
		SocketBufferMinBytes: cfg.NetFlow.SocketBufferMinBytes,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("binding netflow v5 listener: %w", err)
	}
	if len(cfg.NetFlow.AcceptFrom) == 0 {
		base.DefaultSource(store)
	} else {
		for _, entry := range cfg.NetFlow.AcceptFrom {
			name, ipStr, ok := strings.Cut(entry, "=")
			if !ok {
				return nil, fmt.Errorf("netflow.accept_from entry %q: expected \"name=ip\"", entry)
			}
			peer, err := netip.ParseAddr(ipStr)
			if err != nil {
				return nil, fmt.Errorf("netflow.accept_from entry %q: %w", entry, err)
			}
			base.AddSource(name, peer, store)
		}
	}

	c := &Collector{
		config:     cfg,
		logger:     logger,
		instanceID: uuid.New(),
		base:       base,
		store:      store,
	}

	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return nil, fmt.Errorf("creating output flow file: %w", err)
		}
		h := &flowfile.Header{FormatID: 1, FormatVers: 1, Compression: flowfile.CompressionZstd}
		h.Add(flowfile.EntryInvocation, []byte(c.instanceID.String()))
		h.Add(flowfile.EntrySidecarSchema, sidecar.EncodeSchema(netflow5.SidecarSchema()))
		if err := flowfile.WriteHeader(f, h); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing output flow file header: %w", err)
		}
		bw, err := flowfile.NewBodyWriter(f, flowfile.CompressionZstd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("opening output flow file body: %w", err)
		}
		c.fileOut = f
		c.fileBW = bw
		c.fileBuf = bufio.NewWriter(bw)
	}

	if cfg.Database.Enabled {
		sink, err := postgres.New(ctx, postgres.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			PoolSize: cfg.Database.PoolSize,
		}, logger)
		if err != nil {
			if c.fileOut != nil {
				c.fileOut.Close()
			}
			return nil, fmt.Errorf("connecting postgres sink: %w", err)
		}
		c.sink = sink
	}

	return c, nil
}

// Run starts the collector's goroutines and blocks until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	c.logger.Info("starting silk-collector",
		zap.String("instance_id", c.instanceID.String()),
		zap.String("listen", c.config.NetFlow.Listen),
	)
	c.base.Start(ctx)

	c.wg.Add(1)
	go c.writer(ctx)

	if c.config.Monitoring.Enabled {
		c.wg.Add(1)
		go c.statsReporter(ctx)
	}
}

// writer drains the base's Records channel, appending each FlowRec to
// the output flow file and batching it for the Postgres sink.
func (c *Collector) writer(ctx context.Context) {
	defer c.wg.Done()

	schema := netflow5.SidecarSchema()
	batch := make([]*flowrec.FlowRec, 0, c.config.Performance.BatchSize)
	ticker := time.NewTicker(time.Duration(c.config.Performance.FlushInterval) * time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if c.sink != nil {
			if _, err := c.sink.InsertBatch(ctx, batch); err != nil {
				c.dbBatchErrors.Add(1)
				c.logger.Error("postgres batch insert failed", zap.Error(err), zap.Int("count", len(batch)))
			} else {
				c.dbBatches.Add(1)
			}
		}
		batch = batch[:0]
	}

	drain := func() {
		for {
			select {
			case rec, ok := <-c.base.Records:
				if !ok {
					flush()
					return
				}
				if c.fileBuf != nil {
					if err := flowfile.WriteRecord(c.fileBuf, schema, rec); err != nil {
						c.logger.Error("writing flow record to output file", zap.Error(err))
					}
				}
				batch = append(batch, rec)
				c.flowsWritten.Add(1)
			default:
				flush()
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case rec, ok := <-c.base.Records:
			if !ok {
				drain()
				return
			}
			if c.fileBuf != nil {
				if err := flowfile.WriteRecord(c.fileBuf, schema, rec); err != nil {
					c.logger.Error("writing flow record to output file", zap.Error(err))
				}
			}
			batch = append(batch, rec)
			c.flowsWritten.Add(1)
			if len(batch) >= c.config.Performance.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (c *Collector) statsReporter(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Duration(c.config.Monitoring.StatsInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logger.Info("silk-collector statistics",
				zap.Uint64("flows_written", c.flowsWritten.Load()),
				zap.Uint64("db_batches", c.dbBatches.Load()),
				zap.Uint64("db_batch_errors", c.dbBatchErrors.Load()),
			)
		}
	}
}

// Stop tears the collector down: stops the NetFlow base, waits for the
// writer/stats goroutines to exit, and closes the output file and
// Postgres sink.
func (c *Collector) Stop() {
	c.logger.Info("stopping silk-collector")
	c.base.Stop()
	c.wg.Wait()
	if c.fileBuf != nil {
		if err := c.fileBuf.Flush(); err != nil {
			c.logger.Error("flushing output flow file", zap.Error(err))
		}
	}
	if c.fileBW != nil {
		if err := c.fileBW.Close(); err != nil {
			c.logger.Error("closing output flow file body", zap.Error(err))
		}
	}
	if c.fileOut != nil {
		c.fileOut.Close()
	}
	if c.sink != nil {
		c.sink.Close()
	}
	c.logger.Info("silk-collector stopped")
}

func main() {
	configFile := flag.String("config", "configs/silk-collector.yaml", "path to configuration file")
	flag.Parse()

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.EncoderConfig.TimeKey = "timestamp"
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	collector, err := New(ctx, cfg, logger)
	if err != nil {
		cancel()
		logger.Fatal("failed to create collector", zap.Error(err))
	}
	collector.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGPIPE)
	sig := <-sigCh
	cancel()
	collector.Stop()
	if sig == syscall.SIGPIPE {
		os.Exit(0)
	}
}
