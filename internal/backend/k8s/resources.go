package k8s

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Resources are the CWL ResourceRequirement figures a job is sized with.
// Memory and disk figures are in mebibytes.
type Resources struct {
	CoresMin  int
	RAMMin    int
	TmpdirMin int
	OutdirMin int
}

// DefaultResources applies when a workflow states no requirement.
var DefaultResources = Resources{CoresMin: 1, RAMMin: 1024, TmpdirMin: 1000, OutdirMin: 1000}

type cwlDocument struct {
	Requirements yaml.Node `yaml:"requirements"`
}

// ParseResources reads requirements.ResourceRequirement from a CWL document.
// Both the map form and the list-of-classes form of requirements are
// accepted. Missing figures keep their defaults.
func ParseResources(doc []byte) (Resources, error) {
	res := DefaultResources

	var cwl cwlDocument
	if err := yaml.Unmarshal(doc, &cwl); err != nil {
		return res, fmt.Errorf("parse workflow document: %w", err)
	}

	var req map[string]any
	switch cwl.Requirements.Kind {
	case yaml.MappingNode:
		var m map[string]map[string]any
		if err := cwl.Requirements.Decode(&m); err != nil {
			return res, fmt.Errorf("parse workflow requirements: %w", err)
		}
		req = m["ResourceRequirement"]
	case yaml.SequenceNode:
		var list []map[string]any
		if err := cwl.Requirements.Decode(&list); err != nil {
			return res, fmt.Errorf("parse workflow requirements: %w", err)
		}
		for _, r := range list {
			if r["class"] == "ResourceRequirement" {
				req = r
				break
			}
		}
	}

	for key, dst := range map[string]*int{
		"coresMin":  &res.CoresMin,
		"ramMin":    &res.RAMMin,
		"tmpdirMin": &res.TmpdirMin,
		"outdirMin": &res.OutdirMin,
	} {
		v, ok := req[key]
		if !ok {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return res, fmt.Errorf("ResourceRequirement.%s: %w", key, err)
		}
		*dst = n
	}
	return res, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(math.Ceil(n)), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}
