package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/keyscan/internal/observability"
	"github.com/3leaps/keyscan/pkg/balance"
)

// knownAddress is the genesis block coinbase address, known to every
// service.
const knownAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

var (
	doctorProvider string
	doctorLookup    bool
	doctorBackends []string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and suggest fixes for common issues.

Examples:
  keyscan doctor                       # Environment and directory checks
  keyscan doctor --lookup              # Also query every balance service once
  keyscan doctor --lookup -b mempool   # Query selected services only
  keyscan doctor --provider s3         # S3 credential checks`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
	doctorCmd.Flags().BoolVar(&doctorLookup, "lookup", false, "Query balance services with a known address")
	doctorCmd.Flags().StringSliceVarP(&doctorBackends, "backend", "b", nil, "Services to query (default: all)")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	ctx := cmd.Context()

	bannerName := "keyscan doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("Running diagnostic checks...")

	allChecks := true
	checkNum := 1
	totalChecks := 4
	if doctorLookup {
		totalChecks++
	}
	if doctorProvider == "s3" {
		totalChecks += 2
	}

	// Go version
	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	// Configuration
	cfg, err := appConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ %v", checkNum, totalChecks, err))
		return exitError(ExitConfig, "Invalid configuration", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ api=%s delay=%s", checkNum, totalChecks, cfg.Check.API, cfg.Check.Delay),
		zap.Strings("backend_order", cfg.Backends.Order))
	checkNum++

	// Working directories
	dirs := dirHealthChecker{dirs: []string{cfg.Uploads.Dir, cfg.Results.Dir, cfg.Jobs.ReportsDir}}
	if err := dirs.CheckHealth(ctx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking working directories... ❌ %v", checkNum, totalChecks, err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking working directories... ✅ uploads=%s results=%s", checkNum, totalChecks, cfg.Uploads.Dir, cfg.Results.Dir))
	}
	checkNum++

	// Backend order
	if unknown := unknownBackends(cfg.Backends.Order); len(unknown) > 0 {
		log.Error(fmt.Sprintf("[%d/%d] Checking backend order... ❌ unknown services: %s", checkNum, totalChecks, joinNames(unknown)))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking backend order... ✅ %d services available", checkNum, totalChecks, len(balance.Names())))
	}
	checkNum++

	if doctorLookup {
		names := doctorBackends
		if len(names) == 0 {
			names = balance.Names()
		}
		backends, err := balance.NewBackends(names, balance.Options{
			Timeout:   cfg.Backends.Timeout,
			UserAgent: cfg.Backends.UserAgent,
		})
		if err != nil {
			return usageError("%v", err)
		}
		log.Info(fmt.Sprintf("[%d/%d] Probing balance services...", checkNum, totalChecks))
		if !lookupBackends(ctx, backends) {
			allChecks = false
		}
		checkNum++
	}

	if doctorProvider == "s3" {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(ExitUnavailable, "Diagnostics failed", nil)
	}
	return nil
}

// lookupBackends looks up knownAddress on every backend and reports whether
// at least one answered.
func lookupBackends(ctx context.Context, backends []balance.Backend) bool {
	log := observability.CLILogger
	answered := 0
	for _, b := range backends {
		res := b.Lookup(ctx, knownAddress)
		fields := []zap.Field{
			zap.String("backend", b.Name()),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("latency", res.Latency.Round(time.Millisecond)),
		}
		if res.Succeeded() {
			answered++
			log.Info(fmt.Sprintf("  %-14s ✅ %s BTC", b.Name(), balance.FormatBTC(res.Amount)), fields...)
			continue
		}
		log.Warn(fmt.Sprintf("  %-14s ❌ %s: %s", b.Name(), res.Outcome, res.Reason), fields...)
	}
	return answered > 0
}

func unknownBackends(names []string) []string {
	var unknown []string
	for _, name := range names {
		if _, ok := balance.SpecFor(strings.ToLower(name)); !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	log := observability.CLILogger
	log.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	region := cfg.Region
	if region == "" {
		region = os.Getenv("KEYSCAN_S3_REGION")
	}
	if region == "" {
		log.Warn(fmt.Sprintf("[%d/%d] Checking AWS region... ⚠️  not set, s3:// inputs need s3.region or AWS_REGION", checkNum, totalChecks))
		return false
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking AWS region... ✅ %s", checkNum, totalChecks, region))
	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set s3.endpoint")
	log.Info("and s3.force_path_style in the keyscan config.")
}
