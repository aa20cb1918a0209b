package analyzers

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// iacName is the registry name of the infrastructure-as-code analyzer.
const iacName = "iac"

var reOpenIngress = regexp.MustCompile(`(?i)(cidr_blocks|source_address_prefix)[^=\n]*=\s*\[?\s*"0\.0\.0\.0/0"`)

// IaC inspects Kubernetes manifests (resource limits, privileged mode, host
// networking) and Terraform files (world-open ingress).
type IaC struct{}

// NewIaC creates the infrastructure-as-code analyzer.
func NewIaC() *IaC { return &IaC{} }

// Name implements analysis.Analyzer.
func (a *IaC) Name() string { return iacName }

// Analyze implements analysis.Analyzer.
func (a *IaC) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch strings.ToLower(filepath.Ext(file)) {
		case ".yaml", ".yml":
			findings = append(findings, a.scanYAML(workdir, file)...)
		case ".tf":
			findings = append(findings, a.scanTerraform(workdir, file)...)
		}
	}

	return findings, nil
}

// kubeManifest captures only the fields the checks read; everything else in
// the document is ignored.
type kubeManifest struct {
	Kind string   `yaml:"kind"`
	Spec kubeSpec `yaml:"spec"`
}

type kubeSpec struct {
	HostNetwork bool            `yaml:"hostNetwork"`
	Containers  []kubeContainer `yaml:"containers"`
	Template    *kubeTemplate   `yaml:"template"`
}

type kubeTemplate struct {
	Spec kubeSpec `yaml:"spec"`
}

type kubeContainer struct {
	Name string `yaml:"name"`

	Resources struct {
		Limits map[string]string `yaml:"limits"`
	} `yaml:"resources"`

	SecurityContext struct {
		Privileged bool `yaml:"privileged"`
	} `yaml:"securityContext"`
}

func (a *IaC) scanYAML(workdir, file string) []analysis.Finding {
	data, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(file)))
	if err != nil {
		return nil
	}

	var findings []analysis.Finding

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))

	for {
		var doc kubeManifest

		err := decoder.Decode(&doc)
		if err != nil {
			// Malformed or exhausted stream; non-k8s YAML is simply skipped.
			break
		}

		if doc.Kind == "" {
			continue
		}

		spec := doc.Spec
		if spec.Template != nil {
			spec = spec.Template.Spec
		}

		if spec.HostNetwork {
			f := newFinding(iacName, file, 1, "host-network", analysis.SeverityHigh,
				"Pod shares the host network namespace")
			f.Suggestion = "Remove hostNetwork unless the workload truly needs it"
			f.Category = "iac"
			findings = append(findings, f)
		}

		for _, container := range spec.Containers {
			if container.SecurityContext.Privileged {
				f := newFinding(iacName, file, 1, "privileged-container:"+container.Name, analysis.SeverityCritical,
					"Container "+container.Name+" runs privileged")
				f.Suggestion = "Drop privileged mode; grant specific capabilities instead"
				f.CWE = []string{"CWE-250"}
				f.Category = "iac"
				findings = append(findings, f)
			}

			if len(container.Resources.Limits) == 0 {
				f := newFinding(iacName, file, 1, "missing-resource-limits:"+container.Name, analysis.SeverityMedium,
					"Container "+container.Name+" has no resource limits")
				f.Suggestion = "Set cpu and memory limits"
				f.Category = "iac"
				findings = append(findings, f)
			}
		}
	}

	return findings
}

func (a *IaC) scanTerraform(workdir, file string) []analysis.Finding {
	lines, ok := readLines(workdir, file)
	if !ok {
		return nil
	}

	var findings []analysis.Finding

	for i, line := range lines {
		if reOpenIngress.MatchString(line) {
			f := newFinding(iacName, file, i+1, "open-ingress", analysis.SeverityHigh,
				"Ingress rule open to 0.0.0.0/0")
			f.Suggestion = "Restrict the source CIDR to known networks"
			f.CodeSnippet = snippet(line)
			f.CWE = []string{"CWE-284"}
			f.Category = "iac"
			findings = append(findings, f)
		}
	}

	return findings
}
