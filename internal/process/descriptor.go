package process

import (
	"ades/internal/apperrors"
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validation limits
const (
	maxNameLength  = 96
	maxTitleLength = 512
)

// namePattern allows alphanumeric, dots, hyphens and underscores.
// Process and job identifiers end up in file paths and cluster object names.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

var (
	controlVocabulary      = []string{ControlSyncExecute, ControlAsyncExecute, ControlDismiss}
	transmissionVocabulary = []string{TransmissionValue, TransmissionReference}
)

// descriptor mirrors the application package document posted at deploy time.
type descriptor struct {
	ProcessDescription struct {
		Process struct {
			ID         string   `json:"id" yaml:"id"`
			Title      string   `json:"title" yaml:"title"`
			Abstract   string   `json:"abstract" yaml:"abstract"`
			Keywords   []string `json:"keywords" yaml:"keywords"`
			OwsContext struct {
				Offering struct {
					Content struct {
						Href string `json:"href" yaml:"href"`
					} `json:"content" yaml:"content"`
				} `json:"offering" yaml:"offering"`
			} `json:"owsContext" yaml:"owsContext"`
		} `json:"process" yaml:"process"`
		ProcessVersion     string   `json:"processVersion" yaml:"processVersion"`
		JobControlOptions  []string `json:"jobControlOptions" yaml:"jobControlOptions"`
		OutputTransmission []string `json:"outputTransmission" yaml:"outputTransmission"`
	} `json:"processDescription" yaml:"processDescription"`
	ImmediateDeployment bool `json:"immediateDeployment" yaml:"immediateDeployment"`
	ExecutionUnit       []struct {
		Href string `json:"href" yaml:"href"`
	} `json:"executionUnit" yaml:"executionUnit"`
}

// ParseDescriptor decodes a JSON or YAML application package and returns the
// canonical Process. The process ID is "{name}-{processVersion}".
func ParseDescriptor(data []byte) (*Process, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, apperrors.Validation("proc", "process description is empty")
	}

	var d descriptor
	if json.Valid(data) {
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, apperrors.Validation("proc", fmt.Sprintf("invalid process description: %v", err))
		}
	} else if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, apperrors.Validation("proc", fmt.Sprintf("invalid process description: %v", err))
	}

	desc := d.ProcessDescription
	p := &Process{
		Title:               strings.TrimSpace(desc.Process.Title),
		Abstract:            desc.Process.Abstract,
		Keywords:            nonNil(desc.Process.Keywords),
		OwsContextURL:       strings.TrimSpace(desc.Process.OwsContext.Offering.Content.Href),
		ProcessVersion:      strings.TrimSpace(desc.ProcessVersion),
		JobControlOptions:   nonNil(desc.JobControlOptions),
		OutputTransmission:  nonNil(desc.OutputTransmission),
		ImmediateDeployment: d.ImmediateDeployment,
	}
	for _, unit := range d.ExecutionUnit {
		if href := strings.TrimSpace(unit.Href); href != "" {
			p.ExecutionUnit = append(p.ExecutionUnit, href)
		}
	}

	name := strings.TrimSpace(desc.Process.ID)
	if err := validate(name, p); err != nil {
		return nil, err
	}
	p.ID = name + "-" + p.ProcessVersion
	return p, nil
}

func validate(name string, p *Process) error {
	if name == "" {
		return apperrors.Validation("processDescription.process.id", "process id is required")
	}
	if len(name) > maxNameLength || !namePattern.MatchString(name) {
		return apperrors.Validation("processDescription.process.id",
			"process id must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	if p.ProcessVersion == "" {
		return apperrors.Validation("processDescription.processVersion", "processVersion is required")
	}
	if !namePattern.MatchString(p.ProcessVersion) {
		return apperrors.Validation("processDescription.processVersion",
			"processVersion must be alphanumeric (dots, hyphens and underscores allowed)")
	}
	if len(p.Title) > maxTitleLength {
		return apperrors.Validation("processDescription.process.title",
			fmt.Sprintf("title exceeds maximum length of %d", maxTitleLength))
	}
	if p.OwsContextURL == "" {
		return apperrors.Validation("processDescription.process.owsContext",
			"owsContext offering content href is required")
	}
	if len(p.ExecutionUnit) == 0 {
		return apperrors.Validation("executionUnit", "at least one execution unit is required")
	}
	for _, opt := range p.JobControlOptions {
		if !slices.Contains(controlVocabulary, opt) {
			return apperrors.Validation("processDescription.jobControlOptions",
				fmt.Sprintf("unknown job control option %q", opt))
		}
	}
	for _, mode := range p.OutputTransmission {
		if !slices.Contains(transmissionVocabulary, mode) {
			return apperrors.Validation("processDescription.outputTransmission",
				fmt.Sprintf("unknown output transmission %q", mode))
		}
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
