// Package config loads pipeline configuration from defaults, an optional
// YAML file, and the environment, in that order of increasing precedence.
// Command-line flags override everything and are applied by the CLI layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that decodes "90m"-style strings from both the
// YAML file and VARCALL_* environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Config carries every recognized pipeline option. One value per run; no
// process-wide mutable state.
type Config struct {
	// Root is the pipeline working directory under which the per-stage
	// directory layout is created.
	Root string `envconfig:"VARCALL_ROOT" yaml:"root"`

	// Reference is the reference genome FASTA. Its bwa index
	// (<reference>.bwt) must exist before a run starts.
	Reference string `envconfig:"VARCALL_REFERENCE" yaml:"reference"`

	// TruthVCF and TruthVCFGz are the known-truth call set and its
	// bgzip-compressed, tabix-indexed form.
	TruthVCF   string `envconfig:"VARCALL_TRUTH_VCF" yaml:"truth_vcf"`
	TruthVCFGz string `envconfig:"VARCALL_TRUTH_VCF_GZ" yaml:"truth_vcf_gz"`

	// Adapters is the adapter reference FASTA handed to the trimmer.
	Adapters string `envconfig:"VARCALL_ADAPTERS" yaml:"adapters"`

	// Ploidy is passed through to the variant caller.
	Ploidy int `envconfig:"VARCALL_PLOIDY" yaml:"ploidy"`

	// Threads is the parallelism degree passed to tools that accept one.
	Threads int `envconfig:"VARCALL_THREADS" yaml:"threads"`

	// StageTimeout bounds each stage. Zero disables the timeout.
	StageTimeout Duration `envconfig:"VARCALL_STAGE_TIMEOUT" yaml:"stage_timeout"`

	// ManifestPath is the sqlite run manifest. Defaults to
	// <root>/varcall.db.
	ManifestPath string `envconfig:"VARCALL_MANIFEST" yaml:"manifest"`

	// MetadataDB is the SRAmetadb sqlite snapshot used by the search
	// commands.
	MetadataDB string `envconfig:"VARCALL_METADATA_DB" yaml:"metadata_db"`

	// Perl5Lib is exported as PERL5LIB to the tab-conversion tool.
	Perl5Lib string `envconfig:"VARCALL_PERL5LIB" yaml:"perl5lib"`
}

// Defaults returns the baseline configuration before file, environment, and
// flag overrides.
func Defaults() Config {
	return Config{
		Ploidy:     2,
		Threads:    runtime.NumCPU(),
		MetadataDB: "SRAmetadb.sqlite",
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then VARCALL_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// EffectiveManifestPath resolves the manifest location once every override
// layer, flags included, has been applied: the configured path, else
// <root>/varcall.db, else empty (no manifest).
func (c Config) EffectiveManifestPath() string {
	if c.ManifestPath != "" {
		return c.ManifestPath
	}
	if c.Root != "" {
		return filepath.Join(c.Root, "varcall.db")
	}
	return ""
}

// ValidateForRun checks that everything a pipeline run needs is configured.
// Metadata-only commands skip this.
func (c Config) ValidateForRun() error {
	switch {
	case c.Root == "":
		return fmt.Errorf("pipeline root not configured (flag --root or VARCALL_ROOT)")
	case c.Reference == "":
		return fmt.Errorf("reference genome not configured (VARCALL_REFERENCE)")
	case c.TruthVCF == "":
		return fmt.Errorf("truth-set VCF not configured (VARCALL_TRUTH_VCF)")
	case c.TruthVCFGz == "":
		return fmt.Errorf("compressed truth-set VCF not configured (VARCALL_TRUTH_VCF_GZ)")
	case c.Adapters == "":
		return fmt.Errorf("adapter reference not configured (VARCALL_ADAPTERS)")
	case c.Ploidy < 1:
		return fmt.Errorf("ploidy must be at least 1, got %d", c.Ploidy)
	case c.Threads < 1:
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	case c.StageTimeout < 0:
		return fmt.Errorf("stage timeout must not be negative")
	}
	return nil
}
