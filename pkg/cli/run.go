// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rdeps/crusader/pkg/archive"
	"github.com/rdeps/crusader/pkg/manifest"
	"github.com/rdeps/crusader/pkg/metrics"
	"github.com/rdeps/crusader/pkg/model"
	"github.com/rdeps/crusader/pkg/orchestrator"
	"github.com/rdeps/crusader/pkg/override"
	"github.com/rdeps/crusader/pkg/registry"
	"github.com/rdeps/crusader/pkg/resolve"
	"github.com/rdeps/crusader/pkg/rowsink"
	"github.com/rdeps/crusader/pkg/runner"
	"github.com/rdeps/crusader/pkg/tracing"
	"github.com/rdeps/crusader/pkg/workspace"
)

// wipSentinel is the offered-version token meaning "the library under
// test's own work-in-progress tree", per the external interface's
// sentinel requirement.
const wipSentinel = "wip"

// RunFlags holds all parsed flags for the run command.
type RunFlags struct {
	Library      string
	Dependents   []string
	Top          int
	Offered      []string
	Force        bool
	Feature      []string
	Jobs         int
	StoreDir     string
	RegistryURL  string
	DBDSN        string
	BuildTool    string
	PhaseTimeout time.Duration
	GCSBucket    string
	EnvFile      string

	EnableTracing   bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSampleRate float64
	EnableMetrics   bool
	MetricsAddr     string
}

// addRunFlags registers every run command flag to the provided FlagSet.
func addRunFlags(fs *pflag.FlagSet, flags *RunFlags) {
	fs.StringVar(&flags.Library, "library", "", "path to the library under test (directory containing its manifest)")
	fs.StringSliceVar(&flags.Dependents, "dependents", nil, "dependents to build: name:version (registry) or a local directory path, repeatable")
	fs.IntVar(&flags.Top, "top", 0, "also include the first N reverse dependents returned by the registry")
	fs.StringSliceVar(&flags.Offered, "offered", nil, "offered versions to compare against baseline: a semver version, or \"wip\" for the library's own local tree")
	fs.BoolVar(&flags.Force, "force", false, "bypass the dependent's declared semver requirement instead of respecting it")
	fs.StringSliceVar(&flags.Feature, "feature", nil, "feature to forward to every phase invocation, repeatable")
	fs.IntVar(&flags.Jobs, "jobs", 1, "number of (dependent, offered) tasks to run concurrently")
	fs.StringVar(&flags.StoreDir, "store-dir", "./crusader-store", "root directory for the archive cache and staging area")
	fs.StringVar(&flags.RegistryURL, "registry-url", "", "base URL of the package registry (required for registry-sourced dependents or --top)")
	fs.StringVar(&flags.DBDSN, "db-dsn", "", "PostgreSQL connection string for durable row history (if unset, rows are kept in memory only)")
	fs.StringVar(&flags.BuildTool, "build-tool", "", "executable invoked for install/check/test/metadata phases")
	fs.DurationVar(&flags.PhaseTimeout, "phase-timeout", 5*time.Minute, "maximum wall time for a single phase invocation")
	fs.StringVar(&flags.GCSBucket, "gcs-bucket", "", "optional GCS bucket used as a shared archive mirror")
	fs.StringVar(&flags.EnvFile, "env-file", "", "file to use for preloaded environment variables")

	fs.BoolVar(&flags.EnableTracing, "enable-tracing", false, "enable OpenTelemetry tracing")
	fs.StringVar(&flags.OTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint for traces (e.g. tempo:4317); empty means stdout export")
	fs.BoolVar(&flags.OTLPInsecure, "otlp-insecure", true, "use an insecure OTLP connection")
	fs.Float64Var(&flags.TraceSampleRate, "trace-sample-rate", 1.0, "trace sampling rate (0.0-1.0)")
	fs.BoolVar(&flags.EnableMetrics, "enable-metrics", true, "enable the Prometheus metrics endpoint")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", ":9090", "listen address for the Prometheus metrics endpoint")
}

// runCmd builds the "run" subcommand.
func runCmd() *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Build every dependent against a baseline and offered library version, classifying regressions",
		Example: `  crusader run --library ./widget --dependents consumer:1.0.0 --offered 1.1.0 --build-tool cargo`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			summary, err := Run(ctx, flags)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(ctx, summaryContextKey{}, summary))
			return nil
		},
	}

	addRunFlags(cmd.Flags(), flags)
	return cmd
}

// summaryContextKey retrieves the Summary a run produced so main can
// derive the process exit code without parsing output.
type summaryContextKey struct{}

// SummaryFromContext extracts the Summary Run stashed in ctx, if any.
func SummaryFromContext(ctx context.Context) (orchestrator.Summary, bool) {
	s, ok := ctx.Value(summaryContextKey{}).(orchestrator.Summary)
	return s, ok
}

// Run wires every component together from flags and executes one
// regression matrix pass. It is the programmatic equivalent of the
// command-line surface, usable directly by tests and other callers.
func Run(ctx context.Context, flags *RunFlags) (orchestrator.Summary, error) {
	log := clog.FromContext(ctx)

	if flags.Library == "" {
		return orchestrator.Summary{}, fmt.Errorf("cli: --library is required")
	}
	if flags.BuildTool == "" {
		return orchestrator.Summary{}, fmt.Errorf("cli: --build-tool is required")
	}

	if flags.EnvFile != "" {
		envMap, eerr := godotenv.Read(flags.EnvFile)
		if eerr != nil {
			return orchestrator.Summary{}, fmt.Errorf("cli: loading env file %s: %w", flags.EnvFile, eerr)
		}
		for k, v := range envMap {
			if err := os.Setenv(k, v); err != nil {
				return orchestrator.Summary{}, fmt.Errorf("cli: setting env var %s: %w", k, err)
			}
		}
		log.Infof("loaded %d env var(s) from %s", len(envMap), flags.EnvFile)
	}

	libManifest, err := manifest.LoadManifest(flags.Library)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("cli: loading library under test manifest: %w", err)
	}
	lib := model.LibraryUnderTest{
		Name:            libManifest.Name,
		BaselineVersion: libManifest.Version,
		LocalPath:       flags.Library,
	}
	log.Infof("library under test: %s@%s (%s)", lib.Name, lib.BaselineVersion, lib.LocalPath)

	shutdownTracing, err := setupTracing(ctx, flags)
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("cli: setting up tracing: %w", err)
	}
	defer func() {
		if serr := shutdownTracing(context.WithoutCancel(ctx)); serr != nil {
			log.Errorf("shutting down tracing: %v", serr)
		}
	}()

	var client registry.Client
	if flags.RegistryURL != "" {
		client = registry.NewHTTPClient(flags.RegistryURL)
	}

	dependents, err := resolveDependents(ctx, flags, client)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	if len(dependents) == 0 {
		return orchestrator.Summary{}, fmt.Errorf("cli: no dependents selected (use --dependents and/or --top)")
	}

	offered, err := resolveOffered(flags, lib)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	if len(offered) == 0 {
		return orchestrator.Summary{}, fmt.Errorf("cli: no offered versions selected (use --offered)")
	}

	var m *metrics.Metrics
	if flags.EnableMetrics {
		m = metrics.New()
		metricsServer := &http.Server{Addr: flags.MetricsAddr, Handler: m.Handler()}
		go func() {
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				log.Errorf("metrics server error: %v", serveErr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
				log.Errorf("shutting down metrics server: %v", serr)
			}
		}()
		log.Infof("Prometheus metrics listening on %s", flags.MetricsAddr)
	}

	var mirror archive.Backend
	if flags.GCSBucket != "" {
		gcs, gerr := archive.NewGCSBackend(ctx, flags.GCSBucket)
		if gerr != nil {
			return orchestrator.Summary{}, fmt.Errorf("cli: creating GCS mirror: %w", gerr)
		}
		mirror = gcs
	}

	var downloader archive.Downloader
	if client != nil {
		downloader = client
	}
	store, err := archive.NewStore(flags.StoreDir, downloader, mirror, archive.WithMetrics(m))
	if err != nil {
		return orchestrator.Summary{}, fmt.Errorf("cli: creating archive store: %w", err)
	}

	stager := workspace.NewStager(store)
	run := runner.New(flags.BuildTool, flags.PhaseTimeout, flags.Feature)
	probe := resolve.New(flags.BuildTool)

	sink, sinkClose, err := buildSink(ctx, flags)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	defer sinkClose()

	var lister manifest.VersionLister
	if client != nil {
		lister = client
	}

	mode := override.Patch
	if flags.Force {
		mode = override.Force
	}

	orch := orchestrator.New(orchestrator.Config{
		LibraryName: lib.Name,
		Mode:        mode,
		Jobs:        flags.Jobs,
	}, stager, lister, run, probe, sink, m)

	runID := uuid.New()
	log.Infof("starting run %s: %d dependent(s), %d offered version(s), mode=%s", runID, len(dependents), len(offered), mode)

	summary, err := orch.Run(ctx, runID, dependents, offered)
	if err != nil {
		return summary, fmt.Errorf("cli: running matrix: %w", err)
	}

	log.Infof("run %s complete: passed=%d regressed=%d broken=%d skipped=%d harness_error=%d",
		runID, summary.Passed, summary.Regressed, summary.Broken, summary.Skipped, summary.HarnessError)

	return summary, nil
}

// resolveDependents builds the dependent list from --dependents entries
// (a local directory path, or a registry "name:version" pair) plus the
// top-N reverse dependents fetched from the registry, if requested.
func resolveDependents(ctx context.Context, flags *RunFlags, client registry.Client) ([]model.Dependent, error) {
	var out []model.Dependent

	for _, entry := range flags.Dependents {
		d, err := parseDependent(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}

	if flags.Top > 0 {
		if client == nil {
			return nil, fmt.Errorf("cli: --top requires --registry-url")
		}
		libManifest, err := manifest.LoadManifest(flags.Library)
		if err != nil {
			return nil, fmt.Errorf("cli: loading library under test manifest: %w", err)
		}
		all, err := client.ListReverseDependents(ctx, libManifest.Name)
		if err != nil {
			return nil, fmt.Errorf("cli: listing reverse dependents: %w", err)
		}
		n := flags.Top
		if n > len(all) {
			n = len(all)
		}
		out = append(out, all[:n]...)
	}

	return out, nil
}

// parseDependent interprets one --dependents entry: an existing
// filesystem directory is a local dependent; otherwise it must be a
// "name:version" pair resolved through the registry.
func parseDependent(entry string) (model.Dependent, error) {
	if info, err := os.Stat(entry); err == nil && info.IsDir() {
		return model.Dependent{
			Name:      entry,
			Source:    model.DependentLocalPath,
			LocalPath: entry,
		}, nil
	}

	parts := strings.SplitN(entry, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return model.Dependent{}, fmt.Errorf("cli: %q is neither an existing directory nor a name:version pair", entry)
	}
	return model.Dependent{Name: parts[0], Version: parts[1], Source: model.DependentRegistry}, nil
}

// resolveOffered interprets every --offered entry: the literal "wip"
// sentinel means the library under test's own local tree, anything else
// is a published semver version.
func resolveOffered(flags *RunFlags, lib model.LibraryUnderTest) ([]model.OfferedVersion, error) {
	var out []model.OfferedVersion
	for _, entry := range flags.Offered {
		if entry == wipSentinel {
			if !lib.HasLocalTree() {
				return nil, fmt.Errorf("cli: --offered %s requires --library to point at a local tree", wipSentinel)
			}
			out = append(out, model.Local(lib.LocalPath, wipSentinel))
			continue
		}
		out = append(out, model.Published(entry))
	}
	return out, nil
}

// buildSink constructs the configured row sink and returns a function
// that releases its resources.
func buildSink(ctx context.Context, flags *RunFlags) (rowsink.Sink, func(), error) {
	if flags.DBDSN == "" {
		sink := rowsink.NewMemorySink()
		return sink, sink.Close, nil
	}

	if err := rowsink.RunMigrations(flags.DBDSN); err != nil {
		return nil, nil, fmt.Errorf("cli: running row sink migrations: %w", err)
	}
	sink, err := rowsink.NewPostgresSink(ctx, flags.DBDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: creating Postgres row sink: %w", err)
	}
	return sink, sink.Close, nil
}

// setupTracing wires OpenTelemetry per flags and returns the shutdown
// func, always non-nil.
func setupTracing(ctx context.Context, flags *RunFlags) (tracing.Shutdown, error) {
	return tracing.Setup(ctx, tracing.Config{
		ServiceName:    "crusader",
		ServiceVersion: Version,
		Enabled:        flags.EnableTracing,
		OTLPEndpoint:   flags.OTLPEndpoint,
		OTLPInsecure:   flags.OTLPInsecure,
		SampleRate:     flags.TraceSampleRate,
	})
}
