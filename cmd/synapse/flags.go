package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/sage-bionetworks/synapse-go/internal/config"
	"github.com/sage-bionetworks/synapse-go/internal/progress"
	"github.com/sage-bionetworks/synapse-go/internal/rest"
)

// commonFlags holds flags shared by the upload and download commands.
type commonFlags struct {
	configPath      string
	endpoint        string
	token           string
	partSize        string
	workers         int
	batchSize       int
	sessionRetries  int
	sequential      bool
	showProgress    bool
	force           bool
	storageLocation int64
	retryAttempts   int
	retryBackoff    time.Duration
	retryMaxBackoff time.Duration
}

func registerCommonFlags(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.configPath, "config", "", "Path to YAML config file")
	fs.StringVar(&cf.endpoint, "endpoint", "", "File service base URL")
	fs.StringVar(&cf.token, "token", "", "Bearer token (or SYNAPSE_AUTH_TOKEN)")
	fs.StringVar(&cf.partSize, "part-size", "", "Size of each part, e.g. 16MB (default: derived)")
	fs.IntVar(&cf.workers, "workers", 0, "Number of parallel part workers")
	fs.IntVar(&cf.batchSize, "batch-size", 0, "Presigned URLs requested per batch")
	fs.IntVar(&cf.sessionRetries, "session-retries", 0, "Max whole-session attempts")
	fs.BoolVar(&cf.sequential, "sequential", false, "Upload parts one at a time")
	fs.BoolVar(&cf.showProgress, "progress", false, "Show progress output")
	fs.BoolVar(&cf.force, "force", false, "Force restart, ignoring any existing session")
	fs.Int64Var(&cf.storageLocation, "storage-location", 0, "Storage location ID (0 uses the service default)")
	fs.IntVar(&cf.retryAttempts, "retry-attempts", 0, "Max retry attempts per request")
	fs.DurationVar(&cf.retryBackoff, "retry-backoff", 0, "Initial retry backoff")
	fs.DurationVar(&cf.retryMaxBackoff, "retry-max-backoff", 0, "Max retry backoff")
}

// resolveConfig layers defaults, config file, environment, and flags, in that
// order of increasing precedence.
func resolveConfig(cf *commonFlags) (config.Config, error) {
	cfg := config.Default()

	if cf.configPath != "" {
		fileCfg, err := config.LoadFromFile(cf.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := config.Config{
		Endpoint:        cf.endpoint,
		AuthToken:       cf.token,
		Workers:         cf.workers,
		URLBatchSize:    cf.batchSize,
		SessionRetries:  cf.sessionRetries,
		Sequential:      cf.sequential,
		Progress:        cf.showProgress,
		Force:           cf.force,
		StorageLocation: cf.storageLocation,
	}
	override.Retry.Attempts = cf.retryAttempts
	override.Retry.Backoff = cf.retryBackoff
	override.Retry.MaxBackoff = cf.retryMaxBackoff
	if cf.partSize != "" {
		size, err := progress.ParseBytes(cf.partSize)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid part size: %w", err)
		}
		override.PartSize = size
	}
	cfg = cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// newRESTClient builds a service client from resolved configuration.
func newRESTClient(cfg config.Config, workers int) *rest.Client {
	opts := rest.DefaultOptions()
	opts.Endpoint = cfg.Endpoint
	opts.AuthToken = cfg.AuthToken
	opts.RetryAttempts = cfg.Retry.Attempts
	opts.RetryBackoff = cfg.Retry.Backoff
	opts.RetryMaxBackoff = cfg.Retry.MaxBackoff
	if workers*2 > opts.MaxIdleConnsPerHost {
		opts.MaxIdleConnsPerHost = workers * 2
	}
	return rest.NewClient(opts)
}
