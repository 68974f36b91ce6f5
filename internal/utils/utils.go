package utils

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/internal/config"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// EnvPrefix marks environment variables read by ods-ingest
const EnvPrefix = "ODS_"

// SetupLogging configures the logging system
func SetupLogging(logLevel string) *logrus.Logger {
	// Create a new logger
	logger := logrus.New()

	// Get log level from environment variable or parameter
	levelStr := logLevel
	if levelStr == "" {
		levelStr = os.Getenv(EnvPrefix + "LOG_LEVEL")
		if levelStr == "" {
			levelStr = "info"
		}
	}

	// Parse log level
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}

	// Configure logger
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetOutput(os.Stdout)

	logger.Debugf("Logging configured with level: %s", level)
	return logger
}

// AttachLogFile appends log output to path in addition to stdout.
// Closing the returned file restores stdout-only logging.
func AttachLogFile(logger *logrus.Logger, path string) (io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	previous := logger.Out
	logger.SetOutput(io.MultiWriter(previous, f))
	return closerFunc(func() error {
		logger.SetOutput(previous)
		return f.Close()
	}), nil
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

// LoadEnvironmentVariables loads environment variables from .env file
func LoadEnvironmentVariables(envFile string, logger *logrus.Logger) bool {
	// Check if a sample .env file exists but not the actual .env file
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		sampleEnvFile := envFile + ".sample"
		if _, err := os.Stat(sampleEnvFile); err == nil {
			logger.Infof("No %s file found, but %s exists. Consider copying %s to %s and updating it.",
				envFile, sampleEnvFile, sampleEnvFile, envFile)
		}
		logger.Debugf("No %s file found, using existing environment variables", envFile)
		return false
	}

	if err := godotenv.Load(envFile); err != nil {
		logger.Warningf("Error loading %s file: %v", envFile, err)
		return false
	}
	logger.Infof("Loaded environment variables from %s", envFile)

	// Log all available ODS_* environment variables (for debugging)
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, EnvPrefix) {
				continue
			}
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 {
				continue
			}
			// Mask secrets
			if strings.Contains(parts[0], "PASSWORD") {
				logger.Debugf("%s=********", parts[0])
			} else {
				logger.Debugf("%s=%s", parts[0], parts[1])
			}
		}
	}

	return true
}

// GetEnvInt gets an integer value from environment variable
func GetEnvInt(varName string, defaultValue int) int {
	value := os.Getenv(varName)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// ValidateConnectionParams validates the parameters of one named connection
func ValidateConnectionParams(name string, cc config.ConnectionConfig, logger *logrus.Logger) bool {
	if cc.Host == "" {
		logger.Errorf("Database host is required for %s", name)
		return false
	}

	if cc.User == "" {
		logger.Errorf("Database user is required for %s", name)
		return false
	}

	if cc.Password == "" { // Empty password is allowed
		logger.Warningf("Database password for %s is empty", name)
	}

	if cc.Database == "" {
		logger.Errorf("Database name is required for %s", name)
		return false
	}

	if cc.Port <= 0 || cc.Port > 65535 {
		logger.Errorf("Invalid port number for %s: %d", name, cc.Port)
		return false
	}

	return true
}

// PrintSummary prints a summary of an ingestion run
func PrintSummary(w io.Writer, result *models.JobResult) {
	totalRows := 0
	for _, e := range result.Entities {
		totalRows += e.RowsWritten
	}
	failed := result.Failed()

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 50))
	fmt.Fprintln(w, "INGESTION SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Run ID: %d\n", result.RunID)
	fmt.Fprintf(w, "Status: %s\n", result.Status)
	fmt.Fprintf(w, "Duration: %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Entities processed: %d\n", len(result.Entities))
	fmt.Fprintf(w, "Successful entities: %d\n", len(result.Entities)-len(failed))
	fmt.Fprintf(w, "Failed entities: %d\n", len(failed))
	fmt.Fprintf(w, "Total rows written: %d\n", totalRows)

	if len(failed) > 0 {
		fmt.Fprintln(w, "\nFailed entities:")
		for _, e := range failed {
			fmt.Fprintf(w, "  - %s.%s (run %d): %v\n", e.Instance, e.TableName, e.RunID, e.Err)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, err := range result.Errors {
			fmt.Fprintf(w, "  - %v\n", err)
		}
	}

	fmt.Fprintln(w, strings.Repeat("=", 50))
}

// PrintLoadOrder prints the entities of one instance in the order they would be loaded
func PrintLoadOrder(w io.Writer, instance string, params []models.EntityParameter) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintf(w, "LOAD ORDER: %s\n", instance)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	for i, p := range params {
		watermark := p.ModifiedField
		if watermark == "" {
			watermark = "-"
		}
		fmt.Fprintf(w, "   %3d. %s <- %s (%s, key %s, watermark %s)\n",
			i+1, p.TableName, p.EntityName, p.LoadMethod, p.BusinessKey, watermark)
	}

	fmt.Fprintln(w, strings.Repeat("=", 80))
}
