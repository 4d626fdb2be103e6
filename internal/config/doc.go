// Package config defines configuration structures for the synapse CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (SYNAPSE_ prefix)
//   - YAML configuration file
//
// # Structure
//
//	type Config struct {
//	    Endpoint        string
//	    AuthToken       string
//	    Workers         int
//	    PartSize        int64
//	    URLBatchSize    int
//	    SessionRetries  int
//	    Sequential      bool
//	    Progress        bool
//	    Force           bool
//	    StorageLocation int64
//	    Retry           RetryConfig
//	}
//
//	type RetryConfig struct {
//	    Attempts   int
//	    Backoff    time.Duration
//	    MaxBackoff time.Duration
//	}
package config
