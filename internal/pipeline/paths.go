package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Layout is the set of directories one pipeline run works in, rooted under
// the configured pipeline root. Directories are created idempotently before
// any stage runs and are never deleted by the pipeline.
type Layout struct {
	Root        string
	SRA         string
	Fastq       string
	FastQC      string
	Trimmed     string
	SAM         string
	BAM         string
	BCF         string
	VCF         string
	Artifacts   string
	ArtifactAll string
}

// Dirs returns every directory in creation order.
func (l Layout) Dirs() []string {
	return []string{
		l.SRA, l.Fastq, l.FastQC, l.Trimmed, l.SAM,
		l.BAM, l.BCF, l.VCF, l.Artifacts, l.ArtifactAll,
	}
}

// Paths holds every intermediate and final artifact path for one accession.
// Each path is produced by exactly one stage; the filename templates double
// as the on-disk contract between stages and must stay stable.
type Paths struct {
	RawArchive string // sra/<acc>/<acc>.sra

	Read1 string // fastq/<acc>_1.fastq.gz
	Read2 string // fastq/<acc>_2.fastq.gz

	TrimmedPaired1   string // trimmomatic_output/<acc>_1.trim.fastq.gz
	TrimmedUnpaired1 string // trimmomatic_output/<acc>_1un.trim.fastq.gz
	TrimmedPaired2   string // trimmomatic_output/<acc>_2.trim.fastq.gz
	TrimmedUnpaired2 string // trimmomatic_output/<acc>_2un.trim.fastq.gz

	Alignment  string // sam/<acc>.aligned.sam
	AlignedBAM string // bam/<acc>.aligned.bam
	SortedBAM  string // bam/<acc>.aligned.sorted.bam
	BAMIndex   string // bam/<acc>.aligned.sorted.bam.bai

	RawBCF         string // bcf/<acc>_raw.bcf
	CalledVariants string // vcf/<acc>_calls.vcf
	FinalVariants  string // vcf/<acc>_final_variants.vcf

	FilteredVariants   string // vcf/<acc>_filtered.vcf
	FilteredVariantsGz string // vcf/<acc>_filtered.vcf.gz
	FilteredIndex      string // vcf/<acc>_filtered.vcf.gz.tbi

	IsecDir       string // artifacts/<acc>
	DiscordantVCF string // artifacts/<acc>/0000.vcf
	TabFile       string // artifacts/<acc>/<acc>_artifacts.tab
	SharedTabFile string // artifacts/all/<acc>_artifacts.tab
}

// ValidateAccession rejects accessions that could escape the workspace or
// break a tool command line. Checked once at entry.
func ValidateAccession(accession string) error {
	if accession == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAccession)
	}
	if strings.ContainsAny(accession, "/\\") || accession != filepath.Base(accession) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidAccession, accession)
	}
	if strings.ContainsAny(accession, " \t\n\r;&|$`'\"<>*?()[]{}!#~") {
		return fmt.Errorf("%w: %q contains shell metacharacters", ErrInvalidAccession, accession)
	}
	// A leading dash would be parsed as a flag by the downstream tools.
	if strings.HasPrefix(accession, "-") {
		return fmt.Errorf("%w: %q begins with a dash", ErrInvalidAccession, accession)
	}
	if accession == "." || accession == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidAccession, accession)
	}
	return nil
}

// Plan maps an accession and a pipeline root to the workspace layout and the
// full artifact path set. Deterministic and free of filesystem side effects;
// two distinct accessions never collide on any produced path because every
// filename is keyed by the accession.
func Plan(accession, root string) (Layout, Paths, error) {
	if err := ValidateAccession(accession); err != nil {
		return Layout{}, Paths{}, err
	}

	layout := Layout{
		Root:        root,
		SRA:         filepath.Join(root, "sra"),
		Fastq:       filepath.Join(root, "fastq"),
		FastQC:      filepath.Join(root, "fastqc"),
		Trimmed:     filepath.Join(root, "trimmomatic_output"),
		SAM:         filepath.Join(root, "sam"),
		BAM:         filepath.Join(root, "bam"),
		BCF:         filepath.Join(root, "bcf"),
		VCF:         filepath.Join(root, "vcf"),
		Artifacts:   filepath.Join(root, "artifacts"),
		ArtifactAll: filepath.Join(root, "artifacts", "all"),
	}

	isecDir := filepath.Join(layout.Artifacts, accession)
	paths := Paths{
		RawArchive: filepath.Join(layout.SRA, accession, accession+".sra"),

		Read1: filepath.Join(layout.Fastq, accession+"_1.fastq.gz"),
		Read2: filepath.Join(layout.Fastq, accession+"_2.fastq.gz"),

		TrimmedPaired1:   filepath.Join(layout.Trimmed, accession+"_1.trim.fastq.gz"),
		TrimmedUnpaired1: filepath.Join(layout.Trimmed, accession+"_1un.trim.fastq.gz"),
		TrimmedPaired2:   filepath.Join(layout.Trimmed, accession+"_2.trim.fastq.gz"),
		TrimmedUnpaired2: filepath.Join(layout.Trimmed, accession+"_2un.trim.fastq.gz"),

		Alignment:  filepath.Join(layout.SAM, accession+".aligned.sam"),
		AlignedBAM: filepath.Join(layout.BAM, accession+".aligned.bam"),
		SortedBAM:  filepath.Join(layout.BAM, accession+".aligned.sorted.bam"),
		BAMIndex:   filepath.Join(layout.BAM, accession+".aligned.sorted.bam.bai"),

		RawBCF:         filepath.Join(layout.BCF, accession+"_raw.bcf"),
		CalledVariants: filepath.Join(layout.VCF, accession+"_calls.vcf"),
		FinalVariants:  filepath.Join(layout.VCF, accession+"_final_variants.vcf"),

		FilteredVariants:   filepath.Join(layout.VCF, accession+"_filtered.vcf"),
		FilteredVariantsGz: filepath.Join(layout.VCF, accession+"_filtered.vcf.gz"),
		FilteredIndex:      filepath.Join(layout.VCF, accession+"_filtered.vcf.gz.tbi"),

		IsecDir:       isecDir,
		DiscordantVCF: filepath.Join(isecDir, "0000.vcf"),
		TabFile:       filepath.Join(isecDir, accession+"_artifacts.tab"),
		SharedTabFile: filepath.Join(layout.ArtifactAll, accession+"_artifacts.tab"),
	}

	return layout, paths, nil
}
